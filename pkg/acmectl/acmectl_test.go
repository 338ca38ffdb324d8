package acmectl

import (
	"container/heap"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/certstore"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

func newController(t *testing.T) *Controller {
	store, err := proxystate.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, certstore.New(t.TempDir()), logx.New(logx.ACME))
}

func drainHosts(c *Controller) []string {
	var out []string
	for c.queue.Len() > 0 {
		j := heap.Pop(&c.queue).(job)
		out = append(out, j.host)
	}
	return out
}

func TestEnqueueOrdersByPriorityThenInsertion(t *testing.T) {
	c := newController(t)
	c.Enqueue("retry.example", priorityRetry)
	c.Enqueue("acquire.example", priorityAcquire)
	c.Enqueue("renew.example", priorityRenewal)
	c.Enqueue("acquire2.example", priorityAcquire)

	assert.Equal(t, []string{"renew.example", "acquire.example", "acquire2.example", "retry.example"}, drainHosts(c))
}

func TestEnqueueDedupsAlreadyQueuedHost(t *testing.T) {
	c := newController(t)
	c.Enqueue("demo.example", priorityAcquire)
	c.Enqueue("demo.example", priorityRenewal)

	assert.Equal(t, 1, c.queue.Len())
	assert.Equal(t, priorityAcquire, c.queue[0].priority, "second enqueue for an already-queued host is a no-op")
}

func TestEnqueueSkipsHostAlreadyActive(t *testing.T) {
	c := newController(t)
	c.active["demo.example"] = true

	c.Enqueue("demo.example", priorityAcquire)

	assert.Equal(t, 0, c.queue.Len(), "a host already being processed must not be queued again")
}

func TestChallengeResponseRoundTrips(t *testing.T) {
	c := newController(t)
	_, ok := c.ChallengeResponse("tok1")
	assert.False(t, ok)

	c.setChallenge("tok1", "keyauth-value")
	v, ok := c.ChallengeResponse("tok1")
	require.True(t, ok)
	assert.Equal(t, "keyauth-value", v)

	c.clearChallenge("tok1")
	_, ok = c.ChallengeResponse("tok1")
	assert.False(t, ok)
}

func TestRequestRenewalResetsAttemptsAndEnqueues(t *testing.T) {
	c := newController(t)
	c.Store.UpsertCert(proxystate.CertSummary{Host: "demo.example", State: StateFailed, Attempts: 5})

	c.RequestRenewal("demo.example")

	cert, ok := c.Store.GetCert("demo.example")
	require.True(t, ok)
	assert.Equal(t, 0, cert.Attempts)
	assert.Equal(t, StateRenewing, cert.State)
	assert.Equal(t, 1, c.queue.Len())
}

func TestBackoffCapsAtMaxBackoff(t *testing.T) {
	assert.Less(t, backoff(1), backoff(5))
	assert.Equal(t, maxBackoff, backoff(20))
}

func TestMinInt(t *testing.T) {
	assert.Equal(t, 3, minInt(3, 5))
	assert.Equal(t, 5, minInt(9, 5))
}

func TestScanEnqueuesAcquireForNewSSLRoute(t *testing.T) {
	c := newController(t)
	c.Store.UpsertRoute(proxystate.Route{Host: "demo.example", Target: "demo-web:3000", SSL: true})

	c.scan()

	assert.Equal(t, 1, c.queue.Len())
	assert.Equal(t, priorityAcquire, c.queue[0].priority)
}

func TestScanSkipsNonSSLRoutes(t *testing.T) {
	c := newController(t)
	c.Store.UpsertRoute(proxystate.Route{Host: "demo.example", Target: "demo-web:3000", SSL: false})

	c.scan()

	assert.Equal(t, 0, c.queue.Len())
}

func TestScanEnqueuesRenewalNearExpiry(t *testing.T) {
	c := newController(t)
	c.Store.UpsertRoute(proxystate.Route{Host: "demo.example", Target: "demo-web:3000", SSL: true})
	c.Store.UpsertCert(proxystate.CertSummary{Host: "demo.example", State: StateValid, NotAfter: time.Now().Add(5 * 24 * time.Hour)})

	c.scan()

	assert.Equal(t, 1, c.queue.Len())
	assert.Equal(t, priorityRenewal, c.queue[0].priority)
}
