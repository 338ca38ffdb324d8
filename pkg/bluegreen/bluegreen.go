// Package bluegreen implements the deployment engine of spec.md §4.1: it
// brings one ingress service on one server from its current state to its
// desired state with no externally visible downtime, or leaves the system
// untouched on failure. The health gate must run "from inside the edge-proxy
// container" (spec.md §4.1 step 4) since only the proxy container shares the
// project network with the new replicas before they're cut over; this
// package reaches it the same way pkg/proxyclient reaches the admin API:
// docker exec + curl over the existing SSH connection, rather than adding a
// second transport.
package bluegreen

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/fingerprint"
	"github.com/moorhq/moor/pkg/labels"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/projectcfg"
	"github.com/moorhq/moor/pkg/proxyclient"
)

// Status is the outcome of one Deploy call.
type Status string

const (
	Deployed Status = "deployed"
	Skipped  Status = "skipped"
	Failed   Status = "failed"
)

// Outcome reports what Deploy did, for the summary spec.md §7 requires.
type Outcome struct {
	Status Status
	Reason string
	Color  string
}

// Execer runs one command on the target host and returns its output.
type Execer interface {
	Run(cmd string) (string, error)
}

// Defaults match the fixed constants spec.md §9's Open Questions leaves as
// the source's hardcoded values, made constructor-configurable here instead
// of hardcoded again.
const (
	DefaultHealthAttempts = 30
	DefaultHealthInterval = time.Second
	DefaultDrainTimeout   = 30 * time.Second
)

// Engine drives blue-green deployments for one project against one server
// reachable through Exec and the Docker engine Docker.
type Engine struct {
	Docker         dockerengine.Engine
	Exec           Execer
	Proxy          *proxyclient.Client
	Log            *logx.Logger
	ProxyContainer string

	HealthAttempts int
	HealthInterval time.Duration
	DrainTimeout   time.Duration
}

func (e *Engine) healthAttempts() int {
	if e.HealthAttempts > 0 {
		return e.HealthAttempts
	}
	return DefaultHealthAttempts
}

func (e *Engine) healthInterval() time.Duration {
	if e.HealthInterval > 0 {
		return e.HealthInterval
	}
	return DefaultHealthInterval
}

func (e *Engine) drainTimeout() time.Duration {
	if e.DrainTimeout > 0 {
		return e.DrainTimeout
	}
	return DefaultDrainTimeout
}

// Input bundles everything Deploy needs beyond the engine's own state.
type Input struct {
	Project  *projectcfg.Project
	Service  *projectcfg.Service
	Desired  fingerprint.Fingerprint
	Env      []string // fully resolved KEY=VALUE pairs (plain + secrets)
	ImageRef string   // the image to run: built tag or external reference
}

// Deploy runs the full algorithm of spec.md §4.1 for one ingress service.
func (e *Engine) Deploy(ctx context.Context, in Input) (Outcome, error) {
	if !in.Service.IsIngress() {
		return e.deployStopStart(ctx, in)
	}

	networkName := in.Project.NetworkName()
	existing, err := e.Docker.ListContainers(ctx, map[string]string{
		labels.Project: in.Project.Name,
		labels.App:     in.Service.Name,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("list existing containers for %s: %w", in.Service.Name, err)
	}

	activeColor, hasActive := determineActiveColor(existing, networkName, in.Service.Name, in.Project.Name)
	newColor := labels.ColorBlue
	if hasActive {
		newColor = labels.OppositeColor(activeColor)
	}

	n := in.Service.ReplicaCount()
	e.Log.Printf("deploying %s: %d replica(s), color %s -> %s", in.Service.Name, n, colorOrNone(hasActive, activeColor), newColor)

	created, err := e.createReplicas(ctx, in, networkName, newColor, n)
	if err != nil {
		e.rollback(ctx, created)
		return Outcome{}, fmt.Errorf("create replicas: %w", err)
	}

	if err := e.healthGate(ctx, in, newColor, created); err != nil {
		e.Log.Printf("health gate failed for %s: %v; rolling back", in.Service.Name, err)
		e.rollback(ctx, created)
		return Outcome{Status: Failed, Reason: err.Error(), Color: activeColor}, nil
	}

	if err := e.cutover(ctx, networkName, in.Project.Name, in.Service.Name, created); err != nil {
		e.Log.Printf("cutover failed for %s: %v; rolling back", in.Service.Name, err)
		e.rollback(ctx, created)
		return Outcome{}, fmt.Errorf("cutover: %w", err)
	}

	oldContainers := sameColorContainers(existing, activeColor)
	e.drain(ctx, oldContainers)

	if in.Service.IsIngress() {
		target := fmt.Sprintf("%s-%s:%d", in.Project.Name, in.Service.Name, in.Service.Ingress.Port)
		for _, host := range in.Service.Ingress.Hosts {
			if err := e.Proxy.UpsertHost(proxyclient.HostUpsert{
				Host:       host,
				Target:     target,
				Project:    in.Project.Name,
				HealthPath: in.Service.Ingress.HealthPathOrDefault(),
				SSL:        in.Service.Ingress.SSLEnabled(),
			}); err != nil {
				return Outcome{}, fmt.Errorf("update proxy route for %s: %w", host, err)
			}
		}
	}

	return Outcome{Status: Deployed, Reason: "deployed", Color: newColor}, nil
}

// determineActiveColor implements spec.md §4.1 step 1.
func determineActiveColor(containers []dockerengine.Container, networkName, serviceName, projectName string) (color string, ok bool) {
	if len(containers) == 0 {
		return "", false
	}

	for _, c := range containers {
		if c.Labels[labels.Active] == "true" {
			if col, ok := c.Labels[labels.Color]; ok {
				return col, true
			}
		}
	}

	primaryAlias := fmt.Sprintf("%s-%s", projectName, serviceName)
	for _, c := range containers {
		for _, alias := range c.Aliases[networkName] {
			if alias == primaryAlias || alias == serviceName {
				if col, ok := c.Labels[labels.Color]; ok {
					return col, true
				}
			}
		}
	}

	for _, c := range containers {
		if c.Running {
			if col, ok := c.Labels[labels.Color]; ok {
				return col, true
			}
		}
	}

	if col, ok := containers[0].Labels[labels.Color]; ok {
		return col, true
	}
	return "", false
}

func colorOrNone(has bool, color string) string {
	if !has {
		return "(none)"
	}
	return color
}

func sameColorContainers(containers []dockerengine.Container, color string) []dockerengine.Container {
	if color == "" {
		return nil
	}
	var out []dockerengine.Container
	for _, c := range containers {
		if c.Labels[labels.Color] == color {
			out = append(out, c)
		}
	}
	return out
}

type created struct {
	id      string
	replica int
}

// createReplicas implements spec.md §4.1 step 3: new containers joined only
// with temporary aliases, indexed per replica so the health gate (step 4)
// can address each one individually.
func (e *Engine) createReplicas(ctx context.Context, in Input, networkName, newColor string, n int) ([]created, error) {
	var out []created
	labelSet := labels.NewSet(in.Project.Name, labels.TypeApp, in.Service.Name, 0, in.Desired.ConfigHash, in.Desired.SecretsHash).WithColor(newColor, false)
	if in.Desired.Built {
		labelSet = labelSet.WithBuiltImage(string(in.Desired.LocalImageHash), string(in.Desired.ServerImageHash))
	} else {
		labelSet = labelSet.WithExternalImage(in.Desired.ImageReference)
	}

	for i := 1; i <= n; i++ {
		replicaLabels := labels.Set{}
		for k, v := range labelSet {
			replicaLabels[k] = v
		}
		replicaLabels[labels.Replica] = strconv.Itoa(i)

		name := fmt.Sprintf("%s-%s-%s-%d", in.Project.Name, in.Service.Name, newColor, i)
		aliases := []string{
			fmt.Sprintf("%s-%s-temp-%d", in.Service.Name, newColor, i),
			fmt.Sprintf("%s-%s-%s-temp-%d", in.Project.Name, in.Service.Name, newColor, i),
		}

		spec := dockerengine.Spec{
			Name:       name,
			Image:      in.ImageRef,
			Labels:     replicaLabels,
			Env:        in.Env,
			Command:    in.Service.Command,
			Network:    networkName,
			Aliases:    aliases,
			Restart:    dockerengine.RestartUnlessStopped,
			Volumes:    toMounts(in.Service.Volumes),
			Ports:      toPortBindings(in.Service.Ports),
		}
		id, err := e.Docker.CreateContainer(ctx, spec)
		if err != nil {
			return out, fmt.Errorf("create %s: %w", name, err)
		}
		if err := e.Docker.StartContainer(ctx, id); err != nil {
			return out, fmt.Errorf("start %s: %w", name, err)
		}
		out = append(out, created{id: id, replica: i})
	}
	return out, nil
}

func toMounts(vols []projectcfg.Volume) []dockerengine.Mount {
	out := make([]dockerengine.Mount, 0, len(vols))
	for _, v := range vols {
		out = append(out, dockerengine.Mount{HostPath: v.HostPath, ContainerPath: v.ContainerPath, ReadOnly: v.ReadOnly})
	}
	return out
}

func toPortBindings(ports []projectcfg.PortMapping) []dockerengine.PortBinding {
	out := make([]dockerengine.PortBinding, 0, len(ports))
	for _, p := range ports {
		out = append(out, dockerengine.PortBinding{
			HostPort:      fmt.Sprintf("%d", p.Host),
			ContainerPort: fmt.Sprintf("%d", p.Container),
			Protocol:      p.Protocol,
		})
	}
	return out
}

// healthGate implements spec.md §4.1 step 4: probe every new replica from
// inside the proxy container, up to healthAttempts tries at healthInterval,
// independently per replica.
func (e *Engine) healthGate(ctx context.Context, in Input, newColor string, created []created) error {
	port := in.Service.Ingress.Port
	healthPath := in.Service.Ingress.HealthPathOrDefault()

	var errs []error
	for _, c := range created {
		target := fmt.Sprintf("%s-%s-temp-%d", in.Service.Name, newColor, c.replica)
		if err := e.probeUntilHealthy(ctx, target, port, healthPath); err != nil {
			errs = append(errs, fmt.Errorf("replica %d: %w", c.replica, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d replicas failed health gate: %v", len(errs), len(created), errs)
	}
	return nil
}

func (e *Engine) probeUntilHealthy(ctx context.Context, host string, port int, path string) error {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	cmd := fmt.Sprintf("docker exec %s curl -sf -o /dev/null -w '%%{http_code}' %s", e.ProxyContainer, url)

	var lastErr error
	for attempt := 1; attempt <= e.healthAttempts(); attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		out, err := e.Exec.Run(cmd)
		if err == nil && out == "200" {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("unexpected status %q", out)
		}
		time.Sleep(e.healthInterval())
	}
	return fmt.Errorf("health probe never returned 200 after %d attempts: %w", e.healthAttempts(), lastErr)
}

// cutover implements spec.md §4.1 step 5: disconnect then reconnect each new
// container with the primary aliases, sequentially.
func (e *Engine) cutover(ctx context.Context, networkName, project, service string, created []created) error {
	primary := []string{service, fmt.Sprintf("%s-%s", project, service)}
	for _, c := range created {
		if err := e.Docker.DisconnectNetwork(ctx, networkName, c.id); err != nil {
			return fmt.Errorf("disconnect %s: %w", c.id, err)
		}
		if err := e.Docker.ConnectNetwork(ctx, networkName, c.id, primary); err != nil {
			return fmt.Errorf("reconnect %s with primary aliases: %w", c.id, err)
		}
	}
	return nil
}

// rollback implements the failure path of spec.md §4.1: remove every
// new-color container just created, leaving the active color untouched.
func (e *Engine) rollback(ctx context.Context, created []created) {
	for _, c := range created {
		if err := e.Docker.RemoveContainer(ctx, c.id); err != nil {
			e.Log.Printf("rollback: failed to remove %s: %v", c.id, err)
		}
	}
}

// drain implements spec.md §4.1 step 7: graceful termination with a
// timeout, then removal.
func (e *Engine) drain(ctx context.Context, old []dockerengine.Container) {
	timeout := int(e.drainTimeout().Seconds())
	for _, c := range old {
		if err := e.Docker.StopContainer(ctx, c.ID, timeout); err != nil {
			e.Log.Printf("drain: stop %s: %v", c.ID, err)
		}
		if err := e.Docker.RemoveContainer(ctx, c.ID); err != nil {
			e.Log.Printf("drain: remove %s: %v", c.ID, err)
		}
	}
}

// deployStopStart implements spec.md §4.1's stop-start variant for services
// without an ingress block: no alias dance, no proxy-path probing.
func (e *Engine) deployStopStart(ctx context.Context, in Input) (Outcome, error) {
	name := fmt.Sprintf("%s-%s", in.Project.Name, in.Service.Name)

	existing, err := e.Docker.ListContainers(ctx, map[string]string{
		labels.Project: in.Project.Name,
		labels.Service: in.Service.Name,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("list existing containers for %s: %w", in.Service.Name, err)
	}
	for _, c := range existing {
		if err := e.Docker.StopContainer(ctx, c.ID, int(e.drainTimeout().Seconds())); err != nil {
			return Outcome{}, fmt.Errorf("stop %s: %w", c.Name, err)
		}
		if err := e.Docker.RemoveContainer(ctx, c.ID); err != nil {
			return Outcome{}, fmt.Errorf("remove %s: %w", c.Name, err)
		}
	}

	labelSet := labels.NewSet(in.Project.Name, labels.TypeService, in.Service.Name, 1, in.Desired.ConfigHash, in.Desired.SecretsHash)
	if in.Desired.Built {
		labelSet = labelSet.WithBuiltImage(string(in.Desired.LocalImageHash), string(in.Desired.ServerImageHash))
	} else {
		labelSet = labelSet.WithExternalImage(in.Desired.ImageReference)
	}

	spec := dockerengine.Spec{
		Name:    name,
		Image:   in.ImageRef,
		Labels:  labelSet,
		Env:     in.Env,
		Command: in.Service.Command,
		Network: in.Project.NetworkName(),
		Restart: dockerengine.RestartUnlessStopped,
		Volumes: toMounts(in.Service.Volumes),
		Ports:   toPortBindings(in.Service.Ports),
	}
	id, err := e.Docker.CreateContainer(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("create %s: %w", name, err)
	}
	if err := e.Docker.StartContainer(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", name, err)
	}
	return Outcome{Status: Deployed, Reason: "deployed"}, nil
}
