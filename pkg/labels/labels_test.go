package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOppositeColor(t *testing.T) {
	assert.Equal(t, ColorGreen, OppositeColor(ColorBlue))
	assert.Equal(t, ColorBlue, OppositeColor(ColorGreen))
}

func TestNewSetAppVsService(t *testing.T) {
	app := NewSet("demo", TypeApp, "web", 1, "confhash", "sechash")
	assert.Equal(t, "web", app[App])
	_, ok := app[Service]
	assert.False(t, ok)

	svc := NewSet("demo", TypeService, "worker", 1, "confhash", "sechash")
	assert.Equal(t, "worker", svc[Service])
	_, ok = svc[App]
	assert.False(t, ok)
}

func TestWithColorAndImageVariants(t *testing.T) {
	s := NewSet("demo", TypeApp, "web", 2, "c", "s").WithColor(ColorBlue, true)
	assert.Equal(t, ColorBlue, s[Color])
	assert.Equal(t, "true", s[Active])

	built := s.WithBuiltImage("local123", "server456")
	assert.Equal(t, FingerprintBuilt, built[FingerprintType])
	assert.Equal(t, "local123", built[LocalImageHash])
	assert.Equal(t, "server456", built[ServerImageHash])

	ext := NewSet("demo", TypeApp, "web", 1, "c", "s").WithExternalImage("nginx:latest")
	assert.Equal(t, FingerprintExternal, ext[FingerprintType])
	assert.Equal(t, "nginx:latest", ext[ImageReference])
}

func TestServiceName(t *testing.T) {
	name, kind, ok := ServiceName(map[string]string{App: "web"})
	require.True(t, ok)
	assert.Equal(t, "web", name)
	assert.Equal(t, TypeApp, kind)

	name, kind, ok = ServiceName(map[string]string{Service: "worker"})
	require.True(t, ok)
	assert.Equal(t, "worker", name)
	assert.Equal(t, TypeService, kind)

	_, _, ok = ServiceName(map[string]string{"unrelated": "x"})
	assert.False(t, ok)
}
