package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/store"
)

type noopSink struct{}

func (noopSink) OnOpen()   {}
func (noopSink) OnClosed() {}

func newTestEmitter(t *testing.T, erpURL string) *Emitter {
	t.Helper()
	wall := clock.NewDefaultClock()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	s, err := store.Open(cfg, wall)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cb := breaker.New(breaker.DefaultConfig(), wall, noopSink{}, nil)
	hclock := hlc.New(wall)

	return New(DefaultConfig(erpURL, "POS-001"), s, cb, hclock, wall, ticker.NewForce(time.Hour), nil)
}

// A successful push reports the buffer fullness, breaker state, and clock
// drift in the documented payload shape.
func TestPushOncePostsDocumentedPayload(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEmitter(t, srv.URL)
	e.PushOnce(context.Background())

	require.Equal(t, "POS-001", got.PosID)
	require.Equal(t, "CLOSED", got.CircuitBreakerState)
	require.Equal(t, Online, e.Connectivity())
}

// Three consecutive failures flip the classification to offline.
func TestThreeFailuresFlipToOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEmitter(t, srv.URL)
	for i := 0; i < 2; i++ {
		e.PushOnce(context.Background())
		require.Equal(t, Online, e.Connectivity())
	}
	e.PushOnce(context.Background())
	require.Equal(t, Offline, e.Connectivity())
}

// Two consecutive successes after going offline flip back to online.
func TestTwoSuccessesFlipBackToOnline(t *testing.T) {
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEmitter(t, srv.URL)
	for i := 0; i < 3; i++ {
		e.PushOnce(context.Background())
	}
	require.Equal(t, Offline, e.Connectivity())

	failing = false
	e.PushOnce(context.Background())
	require.Equal(t, Offline, e.Connectivity())
	e.PushOnce(context.Background())
	require.Equal(t, Online, e.Connectivity())
}

// A single failure while online does not flip the classification
// (damping against brief network glitches, spec.md §4.7).
func TestSingleFailureDoesNotFlipOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEmitter(t, srv.URL)
	e.PushOnce(context.Background())
	require.Equal(t, Online, e.Connectivity())
}
