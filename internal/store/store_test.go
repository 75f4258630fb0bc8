package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, Config) {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	cfg.Capacity = 3
	cfg.MaxRetries = 2

	s, err := Open(cfg, clock.NewDefaultClock())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, cfg
}

func sampleReceipt(posID, key string) Receipt {
	return Receipt{
		PosID:          posID,
		CreatedAt:      time.Now().Unix(),
		HLCLocal:       time.Now().Unix(),
		HLCCounter:     0,
		Type:           TypeSale,
		Payload:        []byte(`{"total":1000}`),
		IdempotencyKey: key,
	}
}

// P1: unique idempotency_key inserts yield exactly one durable row.
func TestInsertCreatesExactlyOneRow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-A1"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, r.Status)

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)
}

// P2/L1: a repeated idempotency_key echoes the original id, no new row.
func TestInsertDuplicateKeyReturnsOriginal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, sampleReceipt("POS-001", "k-C1"))
	require.NoError(t, err)

	dup := sampleReceipt("POS-001", "k-C1")
	dup.Payload = []byte(`{"total":9999}`)
	second, err := s.Insert(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.Equal(t, first.ID, second.ID)

	got, err := s.GetReceipt(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"total":1000}`), got.Payload)
}

// B1: inserting at exactly capacity succeeds; capacity+1 fails BufferFull.
func TestCapacityBoundary(t *testing.T) {
	s, cfg := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < cfg.Capacity; i++ {
		_, err := s.Insert(ctx, sampleReceipt("POS-001", fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	_, err := s.Insert(ctx, sampleReceipt("POS-001", "k-overflow"))
	require.ErrorIs(t, err, ErrBufferFull)
}

func TestClaimPendingOrdersByHLCAscending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r1 := sampleReceipt("POS-001", "k-1")
	r1.HLCLocal, r1.HLCCounter = 100, 2
	r2 := sampleReceipt("POS-001", "k-2")
	r2.HLCLocal, r2.HLCCounter = 100, 1

	ins1, err := s.Insert(ctx, r1)
	require.NoError(t, err)
	ins2, err := s.Insert(ctx, r2)
	require.NoError(t, err)

	claimed, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, ins2.ID, claimed[0].ID)
	require.Equal(t, ins1.ID, claimed[1].ID)
	for _, c := range claimed {
		require.Equal(t, StatusSyncing, c.Status)
	}
}

// P3/P4: synced receipts carry hlc_server and synced_at, via a legal
// transition out of syncing.
func TestMarkSyncedSetsServerTimeAndSyncedAt(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, r.ID, 555))

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status)
	require.NotNil(t, got.HLCServer)
	require.Equal(t, int64(555), *got.HLCServer)
	require.NotNil(t, got.SyncedAt)
}

func TestMarkSyncedRejectsWrongSourceState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)

	err = s.MarkSynced(ctx, r.ID, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

// B2: the sync_max_retriesth failure transitions to DLQ, not back to
// pending.
func TestIncrementRetryMovesToDLQAtMaxRetries(t *testing.T) {
	s, cfg := newTestStore(t)
	ctx := context.Background()

	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)

	for i := 0; i < cfg.MaxRetries-1; i++ {
		_, err = s.ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, s.IncrementRetry(ctx, r.ID, errors.New("transient")))

		got, err := s.GetReceipt(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
		require.Equal(t, i+1, got.RetryCount)
	}

	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, s.IncrementRetry(ctx, r.ID, errors.New("transient")))

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	dlq, err := s.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, ReasonMaxRetries, dlq[0].Reason)
}

func TestMoveToDLQPermanentReject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, s.MoveToDLQ(ctx, r.ID, ReasonPermanentReject, errors.New("400 bad schema")))

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	// R4: idempotency_key of a DLQ'd receipt is still unique — a second
	// submission with the same key must be rejected as a duplicate, not
	// treated as a fresh receipt.
	_, err = s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.ErrorIs(t, err, ErrDuplicateKey)
}

// L2: after "crash" (simulated by just never resolving a claim) and
// restart, stale syncing rows revert to pending rather than being lost.
func TestRevertStaleSyncing(t *testing.T) {
	tc := clock.NewTestClock(time.Unix(100000, 0))
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	s, err := Open(cfg, tc)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	r, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)

	tc.SetTime(time.Unix(100000+6*60, 0))

	n, err := s.RevertStaleSyncing(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestStatusReportsCountsAndFullness(t *testing.T) {
	s, cfg := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, sampleReceipt("POS-001", "k-1"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleReceipt("POS-001", "k-2"))
	require.NoError(t, err)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Pending)
	require.Equal(t, cfg.Capacity, st.Capacity)
	require.InDelta(t, 2.0/float64(cfg.Capacity), st.FullnessFraction, 0.0001)
}
