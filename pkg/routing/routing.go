// Package routing is the edge proxy's public-facing half (spec.md §4.2):
// the port-80 ACME-challenge/redirect listener and the port-443 SNI-routed,
// health-gated reverse proxy. It is built entirely on net/http,
// net/http/httputil, and crypto/tls — the canonical stdlib path for exactly
// this job, with no third-party alternative in the example pack (see
// DESIGN.md's standard-library justifications).
package routing

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/moorhq/moor/pkg/acmectl"
	"github.com/moorhq/moor/pkg/certstore"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
)

const (
	challengePrefix       = "/.well-known/acme-challenge/"
	defaultRequestTimeout = 30 * time.Second
	shutdownDrain         = 30 * time.Second
)

// Router owns the two public listeners.
type Router struct {
	Store *proxystate.Store
	Certs *certstore.Store
	ACME  *acmectl.Controller
	Log   *logx.Logger

	RequestTimeout time.Duration

	certCacheMu sync.Mutex
	certCache   map[string]*cachedCert
}

type cachedCert struct {
	cert     *tls.Certificate
	notAfter time.Time
}

// New returns a Router wired to the shared state store, certificate store,
// and ACME controller.
func New(store *proxystate.Store, certs *certstore.Store, acme *acmectl.Controller, log *logx.Logger) *Router {
	return &Router{
		Store:     store,
		Certs:     certs,
		ACME:      acme,
		Log:       log,
		certCache: map[string]*cachedCert{},
	}
}

func (r *Router) requestTimeout() time.Duration {
	if r.RequestTimeout > 0 {
		return r.RequestTimeout
	}
	return defaultRequestTimeout
}

// Run starts both listeners and blocks until ctx is canceled, then drains
// in-flight connections for up to shutdownDrain before returning (spec.md
// §5).
func (r *Router) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    ":80",
		Handler: http.HandlerFunc(r.handleHTTP),
	}
	httpsSrv := &http.Server{
		Addr:      ":443",
		Handler:   http.HandlerFunc(r.handleHTTPS),
		TLSConfig: &tls.Config{GetCertificate: r.getCertificate},
	}

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- httpsSrv.ListenAndServeTLS("", "") }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = httpsSrv.Shutdown(shutdownCtx)
	return nil
}

// handleHTTP implements spec.md §4.2's port-80 behavior: serve ACME
// challenges, redirect everything else to https.
func (r *Router) handleHTTP(w http.ResponseWriter, req *http.Request) {
	if token, ok := strings.CutPrefix(req.URL.Path, challengePrefix); ok {
		keyAuth, ok := r.ACME.ChallengeResponse(token)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth)
		return
	}

	host := strings.ToLower(req.Host)
	if _, ok := r.Store.GetRoute(host); !ok {
		http.NotFound(w, req)
		return
	}
	target := fmt.Sprintf("https://%s%s", host, req.URL.RequestURI())
	http.Redirect(w, req, target, http.StatusMovedPermanently)
}

// getCertificate implements the SNI lookup of spec.md §4.2: no valid
// certificate means the handshake is terminated, never a fallback cert.
func (r *Router) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)

	cert, ok := r.Store.GetCert(host)
	if !ok || cert.State != acmectl.StateValid {
		return nil, fmt.Errorf("no valid certificate for %s", host)
	}

	r.certCacheMu.Lock()
	if cached, ok := r.certCache[host]; ok && cached.notAfter.Equal(cert.NotAfter) {
		r.certCacheMu.Unlock()
		return cached.cert, nil
	}
	r.certCacheMu.Unlock()

	bundle, err := r.Certs.Read(host)
	if err != nil {
		return nil, fmt.Errorf("read certificate for %s: %w", host, err)
	}
	fullChain := append(append([]byte{}, bundle.CertPEM...), bundle.ChainPEM...)
	tlsCert, err := tls.X509KeyPair(fullChain, bundle.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate for %s: %w", host, err)
	}

	r.certCacheMu.Lock()
	r.certCache[host] = &cachedCert{cert: &tlsCert, notAfter: cert.NotAfter}
	r.certCacheMu.Unlock()
	return &tlsCert, nil
}

// handleHTTPS implements spec.md §4.2's port-443 behavior: route lookup,
// health gating, then a streaming reverse proxy with forwarded headers.
func (r *Router) handleHTTPS(w http.ResponseWriter, req *http.Request) {
	host := strings.ToLower(req.TLS.ServerName)
	if host == "" {
		host = strings.ToLower(req.Host)
	}

	route, ok := r.Store.GetRoute(host)
	if !ok {
		http.NotFound(w, req)
		return
	}
	if route.HealthStatus != proxystate.HealthHealthy {
		http.Error(w, "upstream unhealthy", http.StatusServiceUnavailable)
		return
	}

	targetURL, err := url.Parse("http://" + route.Target)
	if err != nil {
		r.Log.Error("invalid upstream target %q for %s: %v", route.Target, host, err)
		http.Error(w, "invalid upstream", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-For", clientIP(req))
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Host", host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.Log.Printf("upstream error for %s: %v", host, err)
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	if isUpgrade(req) {
		// WebSocket and other protocol-upgraded connections are passed through
		// transparently (spec.md §4.2); a fixed request deadline would tear
		// down a long-lived stream.
		proxy.ServeHTTP(w, req)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.requestTimeout())
	defer cancel()
	proxy.ServeHTTP(w, req.WithContext(ctx))
}

// isUpgrade reports whether req is a protocol upgrade (e.g. WebSocket). The
// Connection header may be a comma-separated list ("keep-alive, Upgrade"),
// so this checks for the token rather than an exact match.
func isUpgrade(req *http.Request) bool {
	for _, tok := range strings.Split(req.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

func clientIP(req *http.Request) string {
	if existing := req.Header.Get("X-Forwarded-For"); existing != "" {
		return existing + ", " + req.RemoteAddr
	}
	return req.RemoteAddr
}
