// Package projectcfg implements the project/service data model of spec.md §3
// and the YAML project-configuration-file loader of §6. Parsing itself is
// intentionally structural rather than a general JSON-Schema-style validator
// — spec.md §1 names "the YAML configuration loader and schema validator" as
// an external collaborator; moor implements exactly the checks the
// reconciler and blue-green engine need (reserved names, exactly-one-of
// image/build, ingress implies a numeric port) and no more.
package projectcfg

import "fmt"

// ReservedNames are service names the reconciler and CLI already use for
// their own subcommands/routes; a Service may not use one.
var ReservedNames = map[string]bool{
	"init":   true,
	"status": true,
	"proxy":  true,
}

// BuildDescriptor is a local build, exclusive with Image.
type BuildDescriptor struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

// Ingress is the external-hostname/upstream-port block of spec.md §3.
type Ingress struct {
	Hosts      []string `yaml:"hosts"`
	Port       int      `yaml:"app_port"`
	HealthPath string   `yaml:"health_path,omitempty"`
	SSL        *bool    `yaml:"ssl,omitempty"`
}

// HealthPathOrDefault returns the configured health path or "/up".
func (i Ingress) HealthPathOrDefault() string {
	if i.HealthPath == "" {
		return "/up"
	}
	return i.HealthPath
}

// SSLEnabled reports whether TLS termination is requested; defaults to true
// when an ingress block is present at all.
func (i Ingress) SSLEnabled() bool {
	if i.SSL == nil {
		return true
	}
	return *i.SSL
}

// PortMapping is a host:container port publish, outside of ingress routing
// (e.g. infra services exposing a port directly).
type PortMapping struct {
	Host      int    `yaml:"host"`
	Container int    `yaml:"container"`
	Protocol  string `yaml:"protocol,omitempty"` // "tcp" (default) or "udp"
}

// Volume is a bind or named-volume mount. The blue-green engine passes
// HostPath to Docker exactly as written; relative values are not rewritten
// into a project directory.
type Volume struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"read_only,omitempty"`
}

// Env is the plain K=V list plus referenced secret keys.
type Env struct {
	Plain   map[string]string `yaml:"plain,omitempty"`
	Secrets []string          `yaml:"secret,omitempty"`
}

// Service is the unit of deployment, spec.md §3.
type Service struct {
	Name string `yaml:"-"` // set from the map key during load

	Server string `yaml:"server"`

	Image *string          `yaml:"image,omitempty"`
	Build *BuildDescriptor `yaml:"build,omitempty"`

	Ingress *Ingress `yaml:"proxy,omitempty"`

	Replicas int `yaml:"replicas,omitempty"`

	Env     Env           `yaml:"env,omitempty"`
	Volumes []Volume      `yaml:"volumes,omitempty"`
	Ports   []PortMapping `yaml:"ports,omitempty"`

	Command []string `yaml:"command,omitempty"`

	RegistryCredentialsRef string `yaml:"registry,omitempty"`
}

// ReplicaCount returns the configured replica count, defaulting to 1.
func (s Service) ReplicaCount() int {
	if s.Replicas <= 0 {
		return 1
	}
	return s.Replicas
}

// IsIngress reports whether this service has public endpoints served by the
// edge proxy.
func (s Service) IsIngress() bool { return s.Ingress != nil }

// IsBuilt reports whether this service is built locally rather than
// referencing an external image.
func (s Service) IsBuilt() bool { return s.Build != nil }

// Validate checks the invariants of spec.md §3: exactly one of image/build,
// reserved names rejected, ingress implies a numeric upstream port.
func (s Service) Validate() error {
	if ReservedNames[s.Name] {
		return fmt.Errorf("service name %q is reserved", s.Name)
	}
	if (s.Image == nil) == (s.Build == nil) {
		return fmt.Errorf("service %q: exactly one of image or build must be set", s.Name)
	}
	if s.Ingress != nil {
		if s.Ingress.Port <= 0 {
			return fmt.Errorf("service %q: ingress requires a numeric app_port", s.Name)
		}
		if len(s.Ingress.Hosts) == 0 {
			return fmt.Errorf("service %q: ingress requires at least one host", s.Name)
		}
	}
	if s.Server == "" {
		return fmt.Errorf("service %q: server is required", s.Name)
	}
	return nil
}

// SSHConfig is the project-wide SSH connection default, spec.md §6.
type SSHConfig struct {
	Username string `yaml:"username,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// PortOrDefault returns the configured SSH port or 22.
func (c SSHConfig) PortOrDefault() int {
	if c.Port == 0 {
		return 22
	}
	return c.Port
}

// UsernameOrDefault returns the configured SSH username or "root".
func (c SSHConfig) UsernameOrDefault() string {
	if c.Username == "" {
		return "root"
	}
	return c.Username
}

// DockerConfig carries the default registry whose credentials are used when
// a server pulls an external image. Built images are not pushed to it.
type DockerConfig struct {
	Registry string `yaml:"registry,omitempty"`
	Username string `yaml:"username,omitempty"`
}

// ProxyConfig overrides the edge proxy's own image reference.
type ProxyConfig struct {
	Image string `yaml:"image,omitempty"`
}

// Project is the top-level parsed project file, spec.md §3/§6.
type Project struct {
	Name     string               `yaml:"name"`
	SSH      SSHConfig            `yaml:"ssh,omitempty"`
	Services map[string]*Service  `yaml:"-"` // merged from apps+services during load
	Docker   DockerConfig         `yaml:"docker,omitempty"`
	Proxy    ProxyConfig          `yaml:"proxy,omitempty"`
}

// NetworkName returns the per-project Docker network name, spec.md §3:
// "{project}-network".
func (p Project) NetworkName() string {
	return p.Name + "-network"
}

// ProjectLabel is the value of the iop.project-equivalent label every
// container owned by this project carries (pkg/labels.Project).
func (p Project) ProjectLabel() string { return p.Name }

// Validate checks the project-level invariants and every service's.
func (p Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if len(p.Services) == 0 {
		return fmt.Errorf("project %q: at least one service is required", p.Name)
	}
	for name, svc := range p.Services {
		if svc.Name != name {
			return fmt.Errorf("service key %q does not match service name %q", name, svc.Name)
		}
		if err := svc.Validate(); err != nil {
			return err
		}
	}
	return nil
}
