// Package dockerengine wraps the Docker Engine API for the container
// lifecycle and network-alias operations the blue-green switch (spec.md
// §4.1) and reconciler (spec.md §4.7) need. The teacher's pkg/svc shells out
// to the docker CLI (docker compose up/down); that works for whole-stack
// compose lifecycles but has no equivalent for rebinding a single network
// alias between two running containers, which the blue-green cut-over
// requires, so this package talks to the Engine API directly instead.
package dockerengine

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Container is the subset of container.InspectResponse the reconciler and
// blue-green engine care about.
type Container struct {
	ID      string
	Name    string
	Image   string
	Labels  map[string]string
	Running bool
	Aliases map[string][]string // network name -> aliases currently bound
}

// Spec describes a container to create. It intentionally mirrors the
// handful of fields the blue-green engine fills in from projectcfg.Service
// rather than exposing the full Docker API surface.
type Spec struct {
	Name       string
	Image      string
	Labels     map[string]string
	Env        []string
	Command    []string
	Ports      []PortBinding
	Volumes    []Mount
	Network    string
	Aliases    []string
	Restart    RestartPolicy
	RestartMax int // container.RestartPolicy MaximumRetryCount; only used with RestartOnFailure
}

// RestartPolicy selects the Docker restart policy CreateContainer applies.
// spec.md §4.1 step 3 requires every deployed container to run with
// "unless-stopped" so it survives a host reboot.
type RestartPolicy string

const (
	RestartNone          RestartPolicy = ""
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// PortBinding is a host:container publish.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string // "tcp" or "udp", default "tcp"
}

// Mount is a bind mount, host path to container path.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Engine is the Docker Engine API operations moor needs. Defined as an
// interface so the blue-green and reconcile packages can be tested against a
// fake instead of a live daemon.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string) error
	ListContainers(ctx context.Context, labelFilters map[string]string) ([]Container, error)
	InspectContainer(ctx context.Context, id string) (Container, error)
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, network, containerID string) error
	SaveImage(ctx context.Context, ref string) (io.ReadCloser, error)
	LoadImage(ctx context.Context, r io.Reader) error
	PullImage(ctx context.Context, ref, encodedAuth string) error
	ImageDigest(ctx context.Context, ref string) (string, bool, error)
	Close() error
}

// Client is the Engine implementation backed by a real daemon connection.
type Client struct {
	cli *client.Client
}

// New dials the Docker daemon using the standard DOCKER_HOST/DOCKER_CERT_PATH
// environment, negotiating the API version like the Docker CLI itself does.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dial docker daemon: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewRemote dials the target server's Docker Engine API over SSH, the same
// ssh:// connection helper the Docker CLI itself uses for `docker -H
// ssh://host`. This is how the orchestrator reaches a server's Engine API
// without exposing the Docker socket over the network: the connection
// tunnels through the same SSH credentials spec.md §6's project file
// configures.
func NewRemote(sshHost string) (*Client, error) {
	helper, err := connhelper.GetConnectionHelper("ssh://" + sshHost)
	if err != nil {
		return nil, fmt.Errorf("build ssh connection helper for %s: %w", sshHost, err)
	}
	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: helper.Dialer},
	}
	cli, err := client.NewClientWithOpts(
		client.WithHTTPClient(httpClient),
		client.WithHost(helper.Host),
		client.WithDialContext(helper.Dialer),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial remote docker daemon at %s: %w", sshHost, err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := c.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}
	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (c *Client) ListContainers(ctx context.Context, labelFilters map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labelFilters {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	raw, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(raw))
	for _, rc := range raw {
		name := rc.ID
		if len(rc.Names) > 0 {
			name = trimLeadingSlash(rc.Names[0])
		}
		aliases := map[string][]string{}
		if rc.NetworkSettings != nil {
			for netName, ep := range rc.NetworkSettings.Networks {
				aliases[netName] = ep.Aliases
			}
		}
		out = append(out, Container{
			ID:      rc.ID,
			Name:    name,
			Image:   rc.Image,
			Labels:  rc.Labels,
			Running: rc.State == "running",
			Aliases: aliases,
		})
	}
	return out, nil
}

func (c *Client) InspectContainer(ctx context.Context, id string) (Container, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Container{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	aliases := map[string][]string{}
	if info.NetworkSettings != nil {
		for netName, ep := range info.NetworkSettings.Networks {
			aliases[netName] = ep.Aliases
		}
	}
	return Container{
		ID:      info.ID,
		Name:    trimLeadingSlash(info.Name),
		Image:   info.Config.Image,
		Labels:  info.Config.Labels,
		Running: info.State != nil && info.State.Running,
		Aliases: aliases,
	}, nil
}

func (c *Client) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	if len(spec.Command) > 0 {
		cfg.Cmd = spec.Command
	}

	hostCfg := &container.HostConfig{}
	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort, err := nat.NewPort(proto, p.ContainerPort)
			if err != nil {
				return "", fmt.Errorf("port %s/%s: %w", p.ContainerPort, proto, err)
			}
			cfg.ExposedPorts[containerPort] = struct{}{}
			hostCfg.PortBindings[containerPort] = append(hostCfg.PortBindings[containerPort], nat.PortBinding{HostPort: p.HostPort})
		}
	}
	for _, m := range spec.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s%s", m.HostPath, m.ContainerPath, roFlag(m.ReadOnly)))
	}
	switch spec.Restart {
	case RestartUnlessStopped:
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	case RestartOnFailure:
		if spec.RestartMax > 0 {
			hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: spec.RestartMax}
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	opts := container.StopOptions{}
	if timeoutSeconds > 0 {
		opts.Timeout = &timeoutSeconds
	}
	if err := c.cli.ContainerStop(ctx, id, opts); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (c *Client) ConnectNetwork(ctx context.Context, netName, containerID string, aliases []string) error {
	err := c.cli.NetworkConnect(ctx, netName, containerID, &network.EndpointSettings{Aliases: aliases})
	if err != nil {
		return fmt.Errorf("connect %s to network %s: %w", containerID, netName, err)
	}
	return nil
}

func (c *Client) DisconnectNetwork(ctx context.Context, netName, containerID string) error {
	if err := c.cli.NetworkDisconnect(ctx, netName, containerID, false); err != nil {
		return fmt.Errorf("disconnect %s from network %s: %w", containerID, netName, err)
	}
	return nil
}

func (c *Client) SaveImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	rc, err := c.cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return nil, fmt.Errorf("save image %s: %w", ref, err)
	}
	return rc, nil
}

func (c *Client) LoadImage(ctx context.Context, r io.Reader) error {
	resp, err := c.cli.ImageLoad(ctx, r, true)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain load response: %w", err)
	}
	return nil
}

// PullImage pulls ref from its registry, authenticating with encodedAuth
// (the X-Registry-Auth value produced by registryauth.Credentials.EncodedAuth)
// when non-empty. This is how an external/registry service (§3) is brought
// onto the target server: moor does not reimplement registry auth, it
// resolves the operator's docker/cli config and hands the Engine API the
// same header the Docker CLI itself would send.
func (c *Client) PullImage(ctx context.Context, ref, encodedAuth string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("drain pull response for %s: %w", ref, err)
	}
	return nil
}

func (c *Client) ImageDigest(ctx context.Context, ref string) (string, bool, error) {
	info, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if len(info.RepoDigests) > 0 {
		return info.RepoDigests[0], true, nil
	}
	return info.ID, true, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func roFlag(ro bool) string {
	if ro {
		return ":ro"
	}
	return ""
}
