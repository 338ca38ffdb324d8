// Package registryauth resolves the credentials moor needs to have a remote
// server pull an external image: the operator's local
// ~/.docker/config.json, read with the same docker/cli config loader the
// Docker CLI itself uses rather than hand-rolling the JSON and base64
// auth-string format.
package registryauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/types"
)

// Credentials is a resolved username/password/identity-token for one
// registry host.
type Credentials struct {
	Registry      string
	Username      string
	Password      string
	IdentityToken string
}

// Empty reports whether no usable credential was found (anonymous pull).
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == "" && c.IdentityToken == ""
}

// EncodedAuth returns the X-Registry-Auth header value the Docker Engine API
// expects for image pull/push operations.
func (c Credentials) EncodedAuth() (string, error) {
	authCfg := types.AuthConfig{
		Username:      c.Username,
		Password:      c.Password,
		IdentityToken: c.IdentityToken,
		ServerAddress: c.Registry,
	}
	b, err := json.Marshal(authCfg)
	if err != nil {
		return "", fmt.Errorf("marshal auth config: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Resolve loads the operator's Docker CLI config and returns the stored
// credentials for registry (e.g. "registry.example.com" or "" for Docker
// Hub). A missing entry is not an error: it yields empty Credentials, which
// callers treat as an anonymous pull.
func Resolve(registry string) (Credentials, error) {
	cf, err := config.Load(config.Dir())
	if err != nil {
		return Credentials{}, fmt.Errorf("load docker config: %w", err)
	}

	host := registry
	if host == "" {
		host = "https://index.docker.io/v1/"
	}

	ac, err := cf.GetAuthConfig(host)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve credentials for %s: %w", host, err)
	}

	return Credentials{
		Registry:      registry,
		Username:      ac.Username,
		Password:      ac.Password,
		IdentityToken: ac.IdentityToken,
	}, nil
}
