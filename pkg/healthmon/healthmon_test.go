package healthmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

func newStore(t *testing.T) *proxystate.Store {
	store, err := proxystate.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func targetOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestProbeOneFlipsUnhealthyAfterThreeFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newStore(t)
	store.UpsertRoute(proxystate.Route{Host: "demo.example", Target: targetOf(srv), HealthPath: "/up"})
	m := New(store, logx.New(logx.Health))

	for i := 0; i < 2; i++ {
		route, _ := store.GetRoute("demo.example")
		m.probeOne(context.Background(), "demo.example", route)
		route, _ = store.GetRoute("demo.example")
		assert.NotEqual(t, proxystate.HealthUnhealthy, route.HealthStatus, "must not flip before three consecutive failures")
	}

	route, _ := store.GetRoute("demo.example")
	m.probeOne(context.Background(), "demo.example", route)
	route, _ = store.GetRoute("demo.example")
	assert.Equal(t, proxystate.HealthUnhealthy, route.HealthStatus)
}

func TestProbeOneRestoresOnFirstSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStore(t)
	store.UpsertRoute(proxystate.Route{Host: "demo.example", Target: targetOf(srv), HealthPath: "/up", HealthStatus: proxystate.HealthUnhealthy})
	m := New(store, logx.New(logx.Health))

	route, _ := store.GetRoute("demo.example")
	m.probeOne(context.Background(), "demo.example", route)

	route, _ = store.GetRoute("demo.example")
	assert.Equal(t, proxystate.HealthHealthy, route.HealthStatus)
}

func TestTickProbesAllRoutesConcurrently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStore(t)
	store.UpsertRoute(proxystate.Route{Host: "a.example", Target: targetOf(srv), HealthPath: "/up"})
	store.UpsertRoute(proxystate.Route{Host: "b.example", Target: targetOf(srv), HealthPath: "/up"})
	m := New(store, logx.New(logx.Health))

	m.tick(context.Background())

	a, _ := store.GetRoute("a.example")
	b, _ := store.GetRoute("b.example")
	assert.Equal(t, proxystate.HealthHealthy, a.HealthStatus)
	assert.Equal(t, proxystate.HealthHealthy, b.HealthStatus)
}
