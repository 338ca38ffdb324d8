package projectcfg

import (
	"fmt"
	"os"

	"github.com/docker/distribution/reference"
	"gopkg.in/yaml.v3"
)

// rawProject mirrors the on-disk YAML shape before apps/services are merged
// and normalized; Apps and Services are kept as yaml.Node so Load can accept
// either the map form ({web: {...}}) or the array form ([{name: web, ...}]).
type rawProject struct {
	Name     string       `yaml:"name"`
	SSH      SSHConfig    `yaml:"ssh"`
	Apps     yaml.Node    `yaml:"apps"`
	Services yaml.Node    `yaml:"services"`
	Docker   DockerConfig `yaml:"docker"`
	Proxy    ProxyConfig  `yaml:"proxy"`
}

// Load parses the project configuration file at path (spec.md §6) and
// validates it per spec.md §3's invariants.
func Load(path string) (*Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	return Parse(b)
}

// Parse parses raw YAML bytes into a validated Project.
func Parse(b []byte) (*Project, error) {
	var raw rawProject
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse project yaml: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	p := &Project{
		Name:     raw.Name,
		SSH:      raw.SSH,
		Docker:   raw.Docker,
		Proxy:    raw.Proxy,
		Services: map[string]*Service{},
	}

	if err := mergeServices(p.Services, raw.Apps); err != nil {
		return nil, fmt.Errorf("apps: %w", err)
	}
	if err := mergeServices(p.Services, raw.Services); err != nil {
		return nil, fmt.Errorf("services: %w", err)
	}

	for name, svc := range p.Services {
		if svc.Image != nil {
			normalized, err := normalizeImageRef(*svc.Image)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", name, err)
			}
			svc.Image = &normalized
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// mergeServices decodes a yaml.Node holding either a map of name->Service or
// a sequence of Service (each carrying its own "name" field) into dst,
// rejecting duplicate or reserved names.
func mergeServices(dst map[string]*Service, node yaml.Node) error {
	switch node.Kind {
	case 0:
		// Field absent.
		return nil
	case yaml.MappingNode:
		var m map[string]*Service
		if err := node.Decode(&m); err != nil {
			return err
		}
		for name, svc := range m {
			if err := addService(dst, name, svc); err != nil {
				return err
			}
		}
		return nil
	case yaml.SequenceNode:
		var arr []*namedService
		if err := node.Decode(&arr); err != nil {
			return err
		}
		for _, ns := range arr {
			if ns.Name == "" {
				return fmt.Errorf("array-form service entry missing required 'name' field")
			}
			if err := addService(dst, ns.Name, &ns.Service); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported YAML node kind for services block")
	}
}

// namedService is the array form of a service entry: the same fields as
// Service plus an explicit "name" key.
type namedService struct {
	Name string `yaml:"name"`
	Service `yaml:",inline"`
}

func addService(dst map[string]*Service, name string, svc *Service) error {
	if ReservedNames[name] {
		return fmt.Errorf("service name %q is reserved", name)
	}
	if _, exists := dst[name]; exists {
		return fmt.Errorf("duplicate service name %q", name)
	}
	svc.Name = name
	dst[name] = svc
	return nil
}

// normalizeImageRef validates an image reference using the same parser
// Docker's own CLI uses, returning its normalized (familiar) form.
func normalizeImageRef(ref string) (string, error) {
	parsed, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return reference.FamiliarString(parsed), nil
}
