// Package syncworker implements the Sync Worker described in spec.md §4.6:
// the scheduled, lock-coordinated process that drains pending Receipts to
// the OFD, independent of and in addition to fiscalize.Service's inline
// best-effort Phase 2 attempt.
package syncworker

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

// Config bounds the Sync Worker's schedule and per-cycle batch size, per
// spec.md §6.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	StaleTimeout time.Duration // passed to RevertStaleSyncing on Start
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		BatchSize:    50,
		StaleTimeout: 5 * time.Minute,
	}
}

// Worker runs fixed-interval sync cycles, each gated by LockFactory so that
// exactly one process in the cluster executes a cycle at a time
// (SPEC_FULL.md §4.6a). It owns no Receipt-level business rule beyond
// ordering and backoff; classification of OFD outcomes lives in
// internal/ofd and internal/breaker.
type Worker struct {
	cfg    Config
	buf    *store.Store
	cb     *breaker.Breaker
	ofdC   *ofd.Client
	locks  LockFactory
	wall   clock.Clock
	ticker ticker.Ticker

	cyclesTotal prometheus.Counter

	mu          sync.Mutex
	nextAttempt map[string]time.Time

	quit     chan struct{}
	wg       sync.WaitGroup
	startOne sync.Once
	stopOne  sync.Once
}

// New constructs a Worker. t is typically ticker.New(cfg.Interval) in
// production and ticker.NewForce(cfg.Interval) in tests, per the lnd
// testable-time idiom used throughout this daemon. cyclesTotal is optional
// (nil-safe, as breaker.New's gauge parameter is) and counts completed
// cycles for internal/metrics.
func New(
	cfg Config, buf *store.Store, cb *breaker.Breaker, ofdC *ofd.Client,
	locks LockFactory, wall clock.Clock, t ticker.Ticker, cyclesTotal prometheus.Counter,
) *Worker {
	return &Worker{
		cfg: cfg, buf: buf, cb: cb, ofdC: ofdC, locks: locks, wall: wall,
		ticker:      t,
		cyclesTotal: cyclesTotal,
		nextAttempt: make(map[string]time.Time),
		quit:        make(chan struct{}),
	}
}

// Start reverts any stale syncing receipts from a prior crash (spec.md
// §4.2/§4.6) and begins the scheduled cycle loop in a background goroutine.
// Safe to call once; subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) error {
	var startErr error
	w.startOne.Do(func() {
		if _, err := w.buf.RevertStaleSyncing(ctx, w.cfg.StaleTimeout); err != nil {
			startErr = err
			return
		}
		w.ticker.Resume()
		w.wg.Add(1)
		go w.loop()
	})
	return startErr
}

// Stop halts the schedule loop and waits for any in-flight cycle to finish.
func (w *Worker) Stop() {
	w.stopOne.Do(func() {
		close(w.quit)
		w.ticker.Stop()
		w.wg.Wait()
	})
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.Ticks():
			w.RunCycle(context.Background())
		case <-w.quit:
			return
		}
	}
}

// ForceSync runs one cycle immediately, bypassing the schedule. It backs
// POST /v1/kkt/buffer/sync (spec.md §4.8).
func (w *Worker) ForceSync(ctx context.Context) {
	w.RunCycle(ctx)
}

// RunCycle executes spec.md §4.6's single cycle: acquire the cluster lock,
// skip entirely if the circuit breaker is OPEN, claim a batch in HLC order,
// attempt delivery for each respecting its backoff window, then release the
// lock. Cycle boundaries are marked with sync_started/sync_completed
// events.
func (w *Worker) RunCycle(ctx context.Context) {
	lock, err := w.locks.TryLock(ctx)
	if err != nil {
		log.Debugf("sync cycle skipped: %v", err)
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			log.Errorf("release sync lock: %v", err)
		}
	}()

	if w.cb.State() == breaker.Open {
		log.Debugf("sync cycle skipped: circuit breaker open")
		return
	}

	if err := w.buf.AppendEvent(ctx, store.EventSyncStarted, nil); err != nil {
		log.Errorf("append sync_started event: %v", err)
	}

	claimed, err := w.buf.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Errorf("claim pending batch: %v", err)
		return
	}

	var delivered, deferred, failed int
	for _, r := range claimed {
		switch w.deliverOne(ctx, r) {
		case outcomeDelivered:
			delivered++
		case outcomeDeferred:
			deferred++
		case outcomeFailed:
			failed++
		}
	}

	if err := w.buf.AppendEvent(ctx, store.EventSyncCompleted, map[string]any{
		"claimed": len(claimed), "delivered": delivered, "deferred": deferred, "failed": failed,
	}); err != nil {
		log.Errorf("append sync_completed event: %v", err)
	}

	if w.cyclesTotal != nil {
		w.cyclesTotal.Inc()
	}
}

type cycleOutcome int

const (
	outcomeDelivered cycleOutcome = iota
	outcomeDeferred
	outcomeFailed
)

// deliverOne resolves a single claimed (syncing) receipt: if its exponential
// backoff window hasn't elapsed, it's released back to pending without
// spending a retry attempt; otherwise the OFD is invoked once and the
// result is classified into the store's state transitions, per spec.md
// §4.3/§4.6.
func (w *Worker) deliverOne(ctx context.Context, r store.Receipt) cycleOutcome {
	if due := w.backoffDue(r.ID); !due {
		if err := w.buf.ReleaseClaim(ctx, r.ID); err != nil {
			log.Errorf("release claim for %s pending backoff: %v", r.ID, err)
		}
		return outcomeDeferred
	}

	if err := w.cb.Allow(ctx); err != nil {
		if err := w.buf.ReleaseClaim(ctx, r.ID); err != nil {
			log.Errorf("release claim for %s (breaker open): %v", r.ID, err)
		}
		return outcomeDeferred
	}

	res := w.ofdC.Send(ctx, r.ID, r.Payload)

	switch res.Kind {
	case ofd.KindSuccess:
		w.cb.Report(breaker.Success)
		w.clearBackoff(r.ID)
		if err := w.buf.MarkSynced(ctx, r.ID, res.ServerTime); err != nil {
			log.Errorf("mark_synced for %s: %v", r.ID, err)
			return outcomeFailed
		}
		return outcomeDelivered

	case ofd.KindTransient:
		w.cb.Report(breaker.TransientFailure)
		w.scheduleBackoff(r.ID, r.RetryCount+1)
		if err := w.buf.IncrementRetry(ctx, r.ID, res.Err); err != nil {
			log.Errorf("increment_retry for %s: %v", r.ID, err)
		}
		return outcomeFailed

	case ofd.KindPermanent:
		// Permanent failures never touch the breaker (spec.md §4.3).
		w.clearBackoff(r.ID)
		if err := w.buf.MoveToDLQ(ctx, r.ID, store.ReasonPermanentReject, res.Err); err != nil {
			log.Errorf("move_to_dlq for %s: %v", r.ID, err)
		}
		return outcomeFailed
	}
	return outcomeFailed
}

// backoffDue reports whether r's exponential backoff window has elapsed.
// Backoff is tracked in memory rather than as a new Receipt column because
// spec.md's Receipt attribute list is normative (SPEC_FULL.md §9); losing
// this map across a restart only costs one wasted immediate retry, which
// RevertStaleSyncing and the retry budget already tolerate.
func (w *Worker) backoffDue(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.nextAttempt[id]
	if !ok {
		return true
	}
	return !w.wall.Now().Before(until)
}

// scheduleBackoff sets the next eligible attempt time using exponential
// backoff bounded at 60s between attempts, per spec.md §4.6 step 4.
func (w *Worker) scheduleBackoff(id string, attempt int) {
	delay := time.Duration(1<<uint(minInt(attempt, 10))) * time.Second
	const ceiling = 60 * time.Second
	if delay > ceiling {
		delay = ceiling
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextAttempt[id] = w.wall.Now().Add(delay)
}

func (w *Worker) clearBackoff(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.nextAttempt, id)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
