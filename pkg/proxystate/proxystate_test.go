package proxystate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	snap := store.Snapshot()
	assert.Equal(t, CurrentSchemaVersion, snap.SchemaVersion)
	assert.Empty(t, snap.Routes)
}

func TestUpsertRouteReadYourWrites(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	store.UpsertRoute(Route{Host: "demo.example", Target: "demo-web:3000", Project: "demo"})
	route, ok := store.GetRoute("demo.example")
	require.True(t, ok)
	assert.Equal(t, "demo-web:3000", route.Target)
	assert.Equal(t, "", route.HealthStatus)
}

func TestDeleteRouteRemovesCertToo(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	store.UpsertRoute(Route{Host: "demo.example", Target: "demo-web:3000"})
	store.UpsertCert(CertSummary{Host: "demo.example", State: "valid"})

	store.DeleteRoute("demo.example")
	_, ok := store.GetRoute("demo.example")
	assert.False(t, ok)
	_, ok = store.GetCert("demo.example")
	assert.False(t, ok)
}

func TestSetHealthUnknownHostReturnsFalse(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.False(t, store.SetHealth("nope.example", HealthHealthy))
}

func TestFlushAndReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := Open(path)
	require.NoError(t, err)

	store.UpsertRoute(Route{Host: "demo.example", Target: "demo-web:3000", SSL: true})
	store.SetStaging(true)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	snap := reopened.Snapshot()
	assert.True(t, snap.Staging)
	route, ok := snap.Routes["demo.example"]
	require.True(t, ok)
	assert.True(t, route.SSL)
}
