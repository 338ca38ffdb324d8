// Package healthmon implements the edge proxy's per-route health monitor
// (spec.md §4.5): every 30s, probe each route's upstream target with a 5s
// timeout; three consecutive failures flip it unhealthy, one success
// restores it. Probes run concurrently per host through a small
// golang.org/x/sync/errgroup-bounded pool, the same concurrency idiom
// pkg/bluegreen's health gate would use if it ran locally instead of via
// docker exec.
package healthmon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

const (
	probeInterval     = 30 * time.Second
	probeTimeout      = 5 * time.Second
	failuresToFlip    = 3
	successesToRestore = 1
	maxConcurrentProbes = 8
)

// Monitor owns the per-route consecutive success/failure counters used to
// decide health-status transitions; the transitions themselves are written
// through to the state store.
type Monitor struct {
	Store  *proxystate.Store
	Log    *logx.Logger
	Client *http.Client

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	consecFail    int
	consecSuccess int
	probed        bool // spec.md §9: health starts unknown until an explicit first probe
}

// New returns a Monitor with a default HTTP client sized for the 5s probe
// timeout.
func New(store *proxystate.Store, log *logx.Logger) *Monitor {
	return &Monitor{
		Store:    store,
		Log:      log,
		Client:   &http.Client{Timeout: probeTimeout},
		counters: map[string]*counter{},
	}
}

// Run ticks every probeInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	snap := m.Store.Snapshot()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for host, route := range snap.Routes {
		host, route := host, route
		g.Go(func() error {
			m.probeOne(gctx, host, route)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error; Wait just joins the group
}

func (m *Monitor) probeOne(ctx context.Context, host string, route proxystate.Route) {
	ok := m.probe(ctx, route)

	m.mu.Lock()
	c, exists := m.counters[host]
	if !exists {
		c = &counter{}
		m.counters[host] = c
	}
	c.probed = true
	if ok {
		c.consecSuccess++
		c.consecFail = 0
	} else {
		c.consecFail++
		c.consecSuccess = 0
	}

	var newStatus string
	switch {
	case c.consecFail >= failuresToFlip:
		newStatus = proxystate.HealthUnhealthy
	case c.consecSuccess >= successesToRestore:
		newStatus = proxystate.HealthHealthy
	default:
		newStatus = route.HealthStatus
		if newStatus == "" {
			newStatus = proxystate.HealthUnknown
		}
	}
	m.mu.Unlock()

	if newStatus != route.HealthStatus {
		m.Store.SetHealth(host, newStatus)
		m.Log.Printf("route %s health: %s -> %s", host, route.HealthStatus, newStatus)
	}
}

func (m *Monitor) probe(ctx context.Context, route proxystate.Route) bool {
	url := fmt.Sprintf("http://%s%s", route.Target, route.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
