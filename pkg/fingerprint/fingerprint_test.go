package fingerprint

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/projectcfg"
)

func imageSvc(image string) *projectcfg.Service {
	return &projectcfg.Service{
		Name:  "web",
		Image: &image,
		Env: projectcfg.Env{
			Plain:   map[string]string{"B": "2", "A": "1"},
			Secrets: []string{"API_KEY"},
		},
		Ports: []projectcfg.PortMapping{
			{Host: 8080, Container: 80},
		},
	}
}

func TestConfigHashStableUnderReordering(t *testing.T) {
	a := imageSvc("nginx:latest")
	a.Env.Plain = map[string]string{"A": "1", "B": "2"}
	a.Ports = []projectcfg.PortMapping{{Host: 8080, Container: 80}, {Host: 9090, Container: 90}}

	b := imageSvc("nginx:latest")
	b.Env.Plain = map[string]string{"B": "2", "A": "1"}
	b.Ports = []projectcfg.PortMapping{{Host: 9090, Container: 90}, {Host: 8080, Container: 80}}

	require.Equal(t, ConfigHash(a), ConfigHash(b), "hash must be invariant under map/slice reordering")
}

func TestConfigHashChangesWithImage(t *testing.T) {
	a := imageSvc("nginx:1.25")
	b := imageSvc("nginx:1.26")
	assert.NotEqual(t, ConfigHash(a), ConfigHash(b))
}

func TestConfigHashChangesWithSecretKeySet(t *testing.T) {
	a := imageSvc("nginx:latest")
	b := imageSvc("nginx:latest")
	b.Env.Secrets = []string{"API_KEY", "DB_PASSWORD"}
	assert.NotEqual(t, ConfigHash(a), ConfigHash(b))
}

func TestSecretsHashStableUnderReordering(t *testing.T) {
	a := SecretsHash(map[string]string{"X": "1", "Y": "2"})
	b := SecretsHash(map[string]string{"Y": "2", "X": "1"})
	assert.Equal(t, a, b)
}

func TestSecretsHashChangesWithValue(t *testing.T) {
	a := SecretsHash(map[string]string{"X": "1"})
	b := SecretsHash(map[string]string{"X": "2"})
	assert.NotEqual(t, a, b)
}

func TestBuiltAndExternalVariants(t *testing.T) {
	svc := imageSvc("nginx:latest")
	built := Built(svc, map[string]string{"API_KEY": "x"}, digest.Digest("sha256:aaa"), digest.Digest("sha256:bbb"))
	require.True(t, built.Built)
	assert.Equal(t, digest.Digest("sha256:aaa"), built.LocalImageHash)
	assert.Equal(t, digest.Digest("sha256:bbb"), built.ServerImageHash)

	ext := External(svc, map[string]string{"API_KEY": "x"}, "nginx:latest")
	require.False(t, ext.Built)
	assert.Equal(t, "nginx:latest", ext.ImageReference)
}
