package syncworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
)

type noopSink struct{}

func (noopSink) OnOpen()   {}
func (noopSink) OnClosed() {}

func newTestWorker(t *testing.T, ofdURL string) (*Worker, *store.Store) {
	t.Helper()
	wall := clock.NewDefaultClock()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	s, err := store.Open(cfg, wall)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cb := breaker.New(breaker.DefaultConfig(), wall, noopSink{}, nil)
	ofdClient := ofd.New(ofd.DefaultConfig(ofdURL), http.DefaultClient)

	w := New(DefaultConfig(), s, cb, ofdClient, &LocalLockFactory{}, wall, ticker.NewForce(time.Hour), nil)
	return w, s
}

func insertPending(t *testing.T, s *store.Store, id, key string) {
	t.Helper()
	_, err := s.Insert(context.Background(), store.Receipt{
		ID: id, PosID: "POS-001", CreatedAt: time.Now().Unix(),
		HLCLocal: time.Now().Unix(), HLCCounter: 0,
		Type: store.TypeSale, Payload: []byte(`{"total":1000}`),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
}

// A successful OFD response delivers the claimed receipt in one cycle.
func TestRunCycleDeliversOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server_time":100,"ack_id":"a1"}`))
	}))
	defer srv.Close()

	w, s := newTestWorker(t, srv.URL)
	insertPending(t, s, "r1", "k1")

	w.RunCycle(context.Background())

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, got.Status)
}

// A transient failure releases the receipt back to pending and schedules
// backoff rather than leaving it stuck in syncing.
func TestRunCycleTransientFailureReturnsToPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, s := newTestWorker(t, srv.URL)
	insertPending(t, s, "r1", "k1")

	w.RunCycle(context.Background())

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

// A backed-off receipt is skipped (released without incrementing
// retry_count) until its window elapses.
func TestRunCycleSkipsReceiptDuringBackoffWindow(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, s := newTestWorker(t, srv.URL)
	insertPending(t, s, "r1", "k1")

	w.RunCycle(context.Background())
	require.Equal(t, 1, hits)

	// Second cycle immediately after: backoff window (>=2s) hasn't
	// elapsed, so the OFD must not be hit again and retry_count stays put.
	w.RunCycle(context.Background())
	require.Equal(t, 1, hits)

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

// A permanent rejection moves the receipt to DLQ without touching the
// circuit breaker (spec.md §4.3).
func TestRunCyclePermanentRejectionMovesToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w, s := newTestWorker(t, srv.URL)
	insertPending(t, s, "r1", "k1")

	w.RunCycle(context.Background())

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, breaker.Closed, w.cb.State())

	entries, err := s.ListDLQ(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, store.ReasonPermanentReject, entries[0].Reason)
}

// A second concurrent cycle that can't acquire the cluster lock is a no-op.
func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	w, s := newTestWorker(t, "http://127.0.0.1:1")
	insertPending(t, s, "r1", "k1")

	locks := w.locks.(*LocalLockFactory)
	lock, err := locks.TryLock(context.Background())
	require.NoError(t, err)
	defer lock.Unlock(context.Background())

	w.RunCycle(context.Background())

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
}

// ForceSync runs a cycle outside of the schedule.
func TestForceSyncRunsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server_time":100,"ack_id":"a1"}`))
	}))
	defer srv.Close()

	w, s := newTestWorker(t, srv.URL)
	insertPending(t, s, "r1", "k1")

	w.ForceSync(context.Background())

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, got.Status)
}

// Start reverts receipts stranded in syncing by a prior crash before the
// schedule loop begins.
func TestStartRevertsStaleSyncing(t *testing.T) {
	w, s := newTestWorker(t, "http://127.0.0.1:1")
	insertPending(t, s, "r1", "k1")
	_, err := s.ClaimByID(context.Background(), "r1")
	require.NoError(t, err)

	// Staleness is compared in whole seconds with a strict "older than", so a
	// negative timeout puts the cutoff ahead of the receipt's last event and
	// makes every syncing receipt stale immediately.
	w.cfg.StaleTimeout = -time.Second

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	got, err := s.GetReceipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
}
