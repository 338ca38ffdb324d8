// Package acmectl drives the per-host certificate state machine of spec.md
// §4.3 on top of golang.org/x/crypto/acme: account setup, HTTP-01 order,
// finalize, and the renewal/retry scheduler. Concurrency is bounded with
// golang.org/x/sync/semaphore the same way the pack's preferred idiom for a
// capped worker pool does (see pkg/healthmon's errgroup use for the sibling
// pattern) rather than a fixed-size channel pool, since the
// queue itself needs priority ordering that a plain channel can't express.
package acmectl

import (
	"container/heap"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/sync/semaphore"

	"github.com/moorhq/moor/pkg/certstore"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

const (
	ProductionDirectoryURL = acme.LetsEncryptURL
	StagingDirectoryURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

const (
	renewalWindow  = 30 * 24 * time.Hour
	maxBackoff     = 10 * time.Minute
	maxAttempts    = 144
	maxWorkers     = 4
	orderDeadline  = 5 * time.Minute
	scanInterval   = time.Minute
)

// priority ordering for the job queue: renewals near expiry first, then new
// acquisitions, then retries (spec.md §4.3).
const (
	priorityRenewal = iota
	priorityAcquire
	priorityRetry
)

type job struct {
	host     string
	priority int
	seq      int // insertion order, for stable ordering within a priority
}

type jobHeap []job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Controller is the edge proxy's ACME state machine, one per process.
type Controller struct {
	Store  *proxystate.Store
	Certs  *certstore.Store
	Log    *logx.Logger

	mu        sync.Mutex
	queue     jobHeap
	queued    map[string]bool // host -> already queued, dedups repeated scans
	active    map[string]bool // host -> currently being processed by process(), at most one in flight
	seq       int
	notEmpty  *sync.Cond
	sem       *semaphore.Weighted

	challengeMu sync.RWMutex
	challenges  map[string]string // token -> key authorization

	accountKey *ecdsa.PrivateKey
}

// New returns a Controller ready to Run.
func New(store *proxystate.Store, certs *certstore.Store, log *logx.Logger) *Controller {
	c := &Controller{
		Store:      store,
		Certs:      certs,
		Log:        log,
		queued:     map[string]bool{},
		active:     map[string]bool{},
		sem:        semaphore.NewWeighted(maxWorkers),
		challenges: map[string]string{},
	}
	c.notEmpty = sync.NewCond(&c.mu)
	return c
}

// ChallengeResponse returns the key authorization for token, consulted by
// the port-80 handler (spec.md §4.2).
func (c *Controller) ChallengeResponse(token string) (string, bool) {
	c.challengeMu.RLock()
	defer c.challengeMu.RUnlock()
	v, ok := c.challenges[token]
	return v, ok
}

func (c *Controller) setChallenge(token, keyAuth string) {
	c.challengeMu.Lock()
	c.challenges[token] = keyAuth
	c.challengeMu.Unlock()
}

func (c *Controller) clearChallenge(token string) {
	c.challengeMu.Lock()
	delete(c.challenges, token)
	c.challengeMu.Unlock()
}

// Enqueue schedules host for the given priority unless it's already queued
// or currently being processed — at most one in-flight ACME operation per
// host (spec.md §4.3).
func (c *Controller) Enqueue(host string, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[host] || c.active[host] {
		return
	}
	c.queued[host] = true
	c.seq++
	heap.Push(&c.queue, job{host: host, priority: priority, seq: c.seq})
	c.notEmpty.Signal()
}

// RequestRenewal resets the retry counter and re-enqueues host, the manual
// cert-renew admin command of spec.md §4.3.
func (c *Controller) RequestRenewal(host string) {
	if cert, ok := c.Store.GetCert(host); ok {
		cert.Attempts = 0
		cert.State = StateRenewing
		c.Store.UpsertCert(cert)
	}
	c.Enqueue(host, priorityRenewal)
}

// Run starts the dispatcher and the periodic scanner; it blocks until ctx is
// canceled.
func (c *Controller) Run(ctx context.Context) {
	go c.dispatch(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	c.scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scan()
		}
	}
}

// scan walks every route with SSL enabled and looks up that host's
// certificate summary, enqueuing acquisitions, renewals, and due retries.
// Certificate summaries without a route are not visited.
func (c *Controller) scan() {
	now := time.Now()
	snap := c.Store.Snapshot()

	for host, route := range snap.Routes {
		if !route.SSL {
			continue
		}
		cert, ok := snap.Certificates[host]
		if !ok || cert.State == StateNone {
			c.Enqueue(host, priorityAcquire)
			continue
		}
		switch cert.State {
		case StateValid:
			if now.Add(renewalWindow).After(cert.NotAfter) {
				c.Enqueue(host, priorityRenewal)
			}
		case StateFailed:
			if cert.Attempts < maxAttempts && !cert.NextAttempt.After(now) {
				c.Enqueue(host, priorityRetry)
			}
		case StateAcquiring, StateRenewing:
			// already in flight from a previous scan (or process crashed
			// mid-operation); re-enqueue so it makes progress again.
			c.Enqueue(host, priorityRetry)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context) {
	for {
		c.mu.Lock()
		for c.queue.Len() == 0 {
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			c.notEmpty.Wait()
		}
		j := heap.Pop(&c.queue).(job)
		delete(c.queued, j.host)
		c.active[j.host] = true
		c.mu.Unlock()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(j job) {
			defer c.sem.Release(1)
			c.process(ctx, j)
		}(j)
	}
}

// process runs one issuance or renewal attempt end to end (spec.md §4.3).
// Callers must have marked j.host active before invoking process; process
// clears it on return so at most one operation per host is ever in flight.
func (c *Controller) process(ctx context.Context, j job) {
	defer func() {
		c.mu.Lock()
		delete(c.active, j.host)
		c.mu.Unlock()
	}()

	opCtx, cancel := context.WithTimeout(ctx, orderDeadline)
	defer cancel()

	route, ok := c.Store.GetRoute(j.host)
	if !ok {
		return // route deleted between enqueue and dispatch
	}

	staging := c.Store.Snapshot().Staging
	cert, _ := c.Store.GetCert(j.host)
	cert.Host = j.host
	cert.Issuer = issuerName(staging)
	cert.State = StateAcquiring
	if j.priority == priorityRenewal {
		cert.State = StateRenewing
	}
	c.Store.UpsertCert(cert)

	bundle, notBefore, notAfter, err := c.issue(opCtx, route.Host, staging)
	if err != nil {
		c.onFailure(j.host, cert, err)
		return
	}

	if err := c.Certs.Write(route.Host, *bundle); err != nil {
		c.onFailure(j.host, cert, fmt.Errorf("persist certificate: %w", err))
		return
	}

	cert.State = StateValid
	cert.NotBefore = notBefore
	cert.NotAfter = notAfter
	cert.Attempts = 0
	cert.LastError = ""
	c.Store.UpsertCert(cert)
	c.Log.Printf("certificate for %s is now valid (expires %s)", route.Host, notAfter.Format(time.RFC3339))
}

func (c *Controller) onFailure(host string, cert proxystate.CertSummary, opErr error) {
	cert.Attempts++
	cert.LastError = opErr.Error()
	cert.NextAttempt = time.Now().Add(backoff(cert.Attempts))

	stillServing := cert.State == StateRenewing && !cert.NotAfter.IsZero() && cert.NotAfter.After(time.Now())
	if stillServing {
		cert.State = StateValid // keep serving the not-yet-expired cert until it actually lapses
	} else {
		cert.State = StateFailed
	}
	c.Store.UpsertCert(cert)
	c.Log.Error("certificate operation failed for %s: %v (attempt %d)", host, opErr, cert.Attempts)
}

func backoff(attempt int) time.Duration {
	d := time.Second * time.Duration(1<<uint(minInt(attempt, 10)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func issuerName(staging bool) string {
	if staging {
		return "staging"
	}
	return "production"
}

// issue runs steps 1-4 of spec.md §4.3's issuance algorithm.
func (c *Controller) issue(ctx context.Context, host string, staging bool) (*certstore.Bundle, time.Time, time.Time, error) {
	accountKey, err := c.Certs.LoadOrCreateAccountKey()
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("load account key: %w", err)
	}

	directory := ProductionDirectoryURL
	if staging {
		directory = StagingDirectoryURL
	}
	client := &acme.Client{Key: accountKey, DirectoryURL: directory}

	// Registering an already-registered key is idempotent under RFC 8555:
	// the directory returns the existing account rather than erroring.
	if _, err := client.Register(ctx, &acme.Account{}, acceptTOS); err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("register acme account: %w", err)
	}

	order, err := client.AuthorizeOrder(ctx, []acme.AuthzID{{Type: "dns", Value: host}})
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var chal *acme.Challenge
		for _, ch := range authz.Challenges {
			if ch.Type == "http-01" {
				chal = ch
				break
			}
		}
		if chal == nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("no http-01 challenge offered for %s", host)
		}

		keyAuth, err := client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("compute challenge response: %w", err)
		}
		c.setChallenge(chal.Token, keyAuth)
		defer c.clearChallenge(chal.Token)

		if _, err := client.Accept(ctx, chal); err != nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("accept challenge: %w", err)
		}
		if _, err := client.WaitAuthorization(ctx, authzURL); err != nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("wait for authorization: %w", err)
		}
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("generate leaf key: %w", err)
	}
	csr, err := buildCSR(leafKey, host)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("build csr: %w", err)
	}

	der, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("finalize order: %w", err)
	}
	if len(der) == 0 {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("finalize order: empty certificate chain")
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("parse issued certificate: %w", err)
	}

	leafKeyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("marshal leaf key: %w", err)
	}

	var chain []byte
	for _, c := range der[1:] {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c})...)
	}

	bundle := &certstore.Bundle{
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der[0]}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: leafKeyDER}),
		ChainPEM: chain,
	}
	return bundle, leaf.NotBefore, leaf.NotAfter, nil
}

// acceptTOS is the registration prompt callback; moor always accepts the
// CA's terms of service non-interactively, the same posture automated
// deployment tooling takes.
func acceptTOS(tosURL string) bool { return true }

func buildCSR(key *ecdsa.PrivateKey, host string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		DNSNames: []string{host},
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

// State names, mirrored here for readability at call sites.
const (
	StateNone      = "none"
	StateAcquiring = "acquiring"
	StateValid     = "valid"
	StateRenewing  = "renewing"
	StateFailed    = "failed"
)
