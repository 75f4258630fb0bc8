// Package httpapi implements the Adapter's HTTP API (spec.md §4.8): request
// handling, the uniform error envelope, the middleware chain, and the live
// buffer-status WebSocket stream from SPEC_FULL.md §4.10.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID assigned by requestIDMiddleware.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// Middleware is a single link in the handler chain.
type Middleware func(http.Handler) http.Handler

// chain applies middlewares in order: the first middleware is outermost,
// so chain(h, A, B) produces A(B(h)) and requests flow A -> B -> h.
func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// statusRecorder captures the status code a handler wrote, for logging.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

var requestCounter uint64

// requestIDMiddleware assigns (or propagates) a request ID, echoed in the
// X-Request-ID response header and available via RequestIDFromContext.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		atomic.AddUint64(&requestCounter, 1)
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs one line per request at completion.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := RequestIDFromContext(r.Context())
		log.Infof("[%s] %s %s -> %d (%s)", id, r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// recoveryMiddleware converts a panicking handler into a 500 response with
// error_code Internal instead of crashing the daemon.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				id, _ := RequestIDFromContext(r.Context())
				log.Errorf("[%s] panic: %v", id, rec)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// defaultMiddleware is the standard chain applied to every route.
func defaultMiddleware() []Middleware {
	return []Middleware{requestIDMiddleware, loggingMiddleware, recoveryMiddleware}
}
