// Package adminapi is the edge proxy's local control plane (spec.md §4.6):
// a loopback-only HTTP server the orchestrator reaches (via pkg/proxyclient's
// docker-exec-curl transport) to upsert/delete routes, flip health status,
// force a certificate renewal, and toggle the ACME staging flag. Every
// mutation goes through pkg/proxystate and is applied to its in-memory state
// before the response is written, so the next request observes the new
// target. The write to disk is not awaited: it follows through the store's
// coalescing flush, up to proxystate.FlushCoalesceWindow later. The mux shape (method-prefixed patterns on a
// single http.ServeMux) and the websocket event fan-out are grounded on the
// teacher's pkg/catch/api.go (handleAPI/handleEvents), adapted from the
// teacher's service-lifecycle events to route/health/certificate
// transitions — the "live event stream during deploy" feature SPEC_FULL.md
// §4 adds.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moorhq/moor/pkg/acmectl"
	"github.com/moorhq/moor/pkg/certstore"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

// DefaultAddr is where the admin API binds, spec.md §6: loopback only,
// never exposed externally.
const DefaultAddr = "127.0.0.1:8080"

const defaultHealthPath = "/up"

// watchInterval is how often the event watcher diffs the state snapshot
// against the previous one; it is deliberately coarser than the state
// store's own 200ms write-coalescing window so the event stream never
// outruns what actually hit disk.
const watchInterval = 500 * time.Millisecond

// Server is the admin API's HTTP surface.
type Server struct {
	Store *proxystate.Store
	Certs *certstore.Store
	ACME  *acmectl.Controller
	Log   *logx.Logger

	bus *eventBus
}

// New returns a Server wired to the shared state store, certificate store,
// and ACME controller.
func New(store *proxystate.Store, certs *certstore.Store, acme *acmectl.Controller, log *logx.Logger) *Server {
	return &Server{Store: store, Certs: certs, ACME: acme, Log: log, bus: newEventBus()}
}

// Handler returns the admin API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/hosts", s.handleUpsertHost)
	mux.HandleFunc("DELETE /api/hosts/{host}", s.handleDeleteHost)
	mux.HandleFunc("POST /api/hosts/{host}/health", s.handleSetHealth)
	mux.HandleFunc("GET /api/hosts", s.handleStatus)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/cert/renew", s.handleCertRenew)
	mux.HandleFunc("POST /api/staging", s.handleStaging)
	mux.HandleFunc("GET /api/v0/events", s.handleEvents)
	return mux
}

// Run starts the admin API listener on DefaultAddr and the background event
// watcher, blocking until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: DefaultAddr, Handler: s.Handler()}

	go s.bus.watch(ctx, s.Store, s.Log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin api listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type hostUpsertRequest struct {
	Host       string `json:"host"`
	Target     string `json:"target"`
	Project    string `json:"project"`
	HealthPath string `json:"healthPath"`
	SSL        bool   `json:"ssl"`
}

// handleUpsertHost implements POST /api/hosts (spec.md §4.6): upsert a
// route, as a single atomic field swap per spec.md §3's Route invariant.
func (s *Server) handleUpsertHost(w http.ResponseWriter, r *http.Request) {
	var req hostUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Host == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("host and target are required"))
		return
	}
	if existing, ok := s.Store.GetRoute(req.Host); ok && existing.Project != "" && existing.Project != req.Project {
		writeError(w, http.StatusConflict, fmt.Errorf("host %s already routed by project %s", req.Host, existing.Project))
		return
	}

	healthPath := req.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}

	status := proxystate.HealthUnknown
	if existing, ok := s.Store.GetRoute(req.Host); ok {
		status = existing.HealthStatus
	}

	s.Store.UpsertRoute(proxystate.Route{
		Host:         req.Host,
		Target:       req.Target,
		Project:      req.Project,
		HealthPath:   healthPath,
		SSL:          req.SSL,
		HealthStatus: status,
	})

	if req.SSL {
		if _, ok := s.Store.GetCert(req.Host); !ok {
			s.Store.UpsertCert(proxystate.CertSummary{Host: req.Host, State: acmectl.StateNone})
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeleteHost implements DELETE /api/hosts/{host} (spec.md §4.6): the
// route and its certificate record and PEM material are all removed
// together, matching the orphan-removal scenario of spec.md §8 scenario 6.
func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	if _, ok := s.Store.GetRoute(host); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown host %s", host))
		return
	}
	s.Store.DeleteRoute(host)
	if err := s.Certs.Delete(host); err != nil {
		s.Log.Error("delete cert material for %s: %v", host, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setHealthRequest struct {
	Healthy bool `json:"healthy"`
}

// handleSetHealth implements POST /api/hosts/{host}/health (spec.md §4.6),
// primarily an ops escape hatch; the health monitor is the usual writer.
func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	var req setHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	status := proxystate.HealthUnhealthy
	if req.Healthy {
		status = proxystate.HealthHealthy
	}
	if !s.Store.SetHealth(host, status) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown host %s", host))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RouteSummary mirrors pkg/proxyclient.RouteSummary; kept as a distinct type
// here (rather than importing proxyclient from the proxy binary) since the
// admin API is the producer of this shape and proxyclient is its consumer.
type RouteSummary struct {
	Host         string `json:"host"`
	Target       string `json:"target"`
	Project      string `json:"project"`
	HealthStatus string `json:"healthStatus"`
	CertState    string `json:"certState"`
}

// StatusResponse is the body of GET /api/hosts and GET /api/status.
type StatusResponse struct {
	Routes  []RouteSummary `json:"routes"`
	Staging bool           `json:"staging"`
}

// handleStatus implements GET /api/hosts and GET /api/status (spec.md §4.6):
// a full dump of current routes and certificate summaries.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Store.Snapshot()
	resp := StatusResponse{Staging: snap.Staging}
	for _, route := range snap.Routes {
		certState := ""
		if cert, ok := snap.Certificates[route.Host]; ok {
			certState = cert.State
		}
		resp.Routes = append(resp.Routes, RouteSummary{
			Host:         route.Host,
			Target:       route.Target,
			Project:      route.Project,
			HealthStatus: route.HealthStatus,
			CertState:    certState,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type certRenewRequest struct {
	Host string `json:"host"`
}

// handleCertRenew implements POST /api/cert/renew (spec.md §4.3/§4.6): force
// a host's certificate into the renewing state and re-enqueue it,
// regardless of the current retry backoff.
func (s *Server) handleCertRenew(w http.ResponseWriter, r *http.Request) {
	var req certRenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if _, ok := s.Store.GetRoute(req.Host); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown host %s", req.Host))
		return
	}
	s.ACME.RequestRenewal(req.Host)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stagingRequest struct {
	Staging bool `json:"staging"`
}

// handleStaging implements POST /api/staging (spec.md §4.3/§4.6): flipping
// the global toggle invalidates every "valid" certificate record, because
// staging and production certificates come from different trust roots; the
// ACME controller's own scan loop picks up the now-"none" records and
// reacquires them.
func (s *Server) handleStaging(w http.ResponseWriter, r *http.Request) {
	var req stagingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.Store.SetStaging(req.Staging)
	for _, cert := range s.Store.AllCerts() {
		if cert.State == acmectl.StateValid {
			cert.State = acmectl.StateNone
			cert.Attempts = 0
			s.Store.UpsertCert(cert)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents implements the supplemented live-event stream: a websocket
// of route/health/certificate transitions, the same
// upgrade-then-fan-out shape as the teacher's handleEvents.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 16)
	id := s.bus.subscribe(ch)
	defer s.bus.unsubscribe(id)

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// eventBus fans incoming state-snapshot diffs out to every subscribed
// websocket connection; it owns no locks on the state store itself, only on
// its own subscriber list.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan<- Event
}

// EventType is one of the closed set of transitions the admin API streams.
type EventType string

const (
	EventRouteUpserted EventType = "route_upserted"
	EventRouteDeleted  EventType = "route_deleted"
	EventHealthChanged EventType = "health_changed"
	EventCertChanged   EventType = "cert_changed"
)

// Event is one line of the live event stream, e.g. "cert demo.example:
// acquiring -> valid" rendered by the CLI consumer.
type Event struct {
	Time int64     `json:"time"`
	Host string    `json:"host"`
	Type EventType `json:"type"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan<- Event{}}
}

func (b *eventBus) subscribe(ch chan<- Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	return id
}

func (b *eventBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *eventBus) publish(ev Event) {
	ev.Time = time.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// A slow consumer drops events rather than blocking the watcher;
			// GET /api/status remains the source of truth.
		}
	}
}

// watch diffs the state snapshot against its previous value every
// watchInterval and publishes the transitions it finds, until ctx is
// canceled.
func (b *eventBus) watch(ctx context.Context, store *proxystate.Store, log *logx.Logger) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	prevRoutes := map[string]proxystate.Route{}
	prevCerts := map[string]proxystate.CertSummary{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := store.Snapshot()
		for host, route := range snap.Routes {
			prev, existed := prevRoutes[host]
			if !existed {
				b.publish(Event{Host: host, Type: EventRouteUpserted, To: route.Target})
				continue
			}
			if prev.Target != route.Target {
				b.publish(Event{Host: host, Type: EventRouteUpserted, From: prev.Target, To: route.Target})
			}
			if prev.HealthStatus != route.HealthStatus {
				b.publish(Event{Host: host, Type: EventHealthChanged, From: prev.HealthStatus, To: route.HealthStatus})
			}
		}
		for host := range prevRoutes {
			if _, ok := snap.Routes[host]; !ok {
				b.publish(Event{Host: host, Type: EventRouteDeleted})
			}
		}

		for host, cert := range snap.Certificates {
			if prev, ok := prevCerts[host]; !ok || prev.State != cert.State {
				from := ""
				if ok {
					from = prev.State
				}
				b.publish(Event{Host: host, Type: EventCertChanged, From: from, To: cert.State})
			}
		}

		prevRoutes = snap.Routes
		prevCerts = snap.Certificates
	}
}
