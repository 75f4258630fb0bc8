package httpapi

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/fiscalgw/adapter/internal/auth"
	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/fiscalize"
	"github.com/fiscalgw/adapter/internal/store"
	"github.com/fiscalgw/adapter/internal/syncworker"
)

const shutdownGrace = 5 * time.Second

// Server wires every HTTP handler named in spec.md §4.8 plus the admin
// endpoints added by SPEC_FULL.md §4.9/§4.10. It holds no business logic of
// its own: each handler defers to fiscalize.Service, *store.Store, or
// *syncworker.Worker and only translates results into the HTTP error
// envelope.
type Server struct {
	svc     *fiscalize.Service
	buf     *store.Store
	cb      *breaker.Breaker
	worker  *syncworker.Worker
	locks   syncworker.LockFactory
	authSvc *auth.Service // nil disables admin auth (tests, single-operator dev mode)

	mux *http.ServeMux
	hub *statusHub
}

// New constructs a Server with every route registered.
func New(
	svc *fiscalize.Service, buf *store.Store, cb *breaker.Breaker,
	worker *syncworker.Worker, locks syncworker.LockFactory, authSvc *auth.Service,
) *Server {
	s := &Server{svc: svc, buf: buf, cb: cb, worker: worker, locks: locks, authSvc: authSvc}
	s.mux = http.NewServeMux()
	s.hub = newStatusHub(buf)
	s.routes()
	return s
}

func (s *Server) routes() {
	route := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, chain(h, defaultMiddleware()...))
	}

	route("POST /v1/kkt/receipt", s.handleSubmitReceipt)
	route("GET /v1/kkt/buffer/status", s.handleBufferStatus)
	route("GET /v1/kkt/buffer/status/stream", s.handleBufferStatusStream)
	route("POST /v1/kkt/buffer/sync", s.handleForceSync)
	route("POST /v1/pos/refund", s.handleRefundCheck)
	route("GET /v1/health", s.handleHealth)

	route("GET /v1/admin/dlq", s.handleListDLQ)
	s.mux.Handle("POST /v1/admin/dlq/", chain(http.HandlerFunc(s.handleResolveDLQRoute), defaultMiddleware()...))
}

// handleResolveDLQRoute extracts the DLQ entry id from
// /v1/admin/dlq/{id}/resolve; Go's net/http ServeMux (1.22+) wildcard
// patterns don't compose with our shared middleware chain cleanly for a
// single nested segment, so this one route parses the path itself.
func (s *Server) handleResolveDLQRoute(w http.ResponseWriter, r *http.Request) {
	const prefix = "/v1/admin/dlq/"
	const suffix = "/resolve"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", false)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", false)
		return
	}
	s.handleResolveDLQ(w, r, id)
}

// ServeHTTP implements http.Handler, so Server can be used directly with
// http.Server or httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServeTLS starts the API listener with the given TLS
// configuration and shuts it down when ctx is cancelled.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{Addr: addr, Handler: s, TLSConfig: tlsConfig}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServeTLS("", "")
}
