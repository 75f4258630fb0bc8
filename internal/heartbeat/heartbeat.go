// Package heartbeat implements the Heartbeat Emitter from spec.md §4.7: a
// periodic status push to the ERP backend with hysteresis on the derived
// connectivity classification.
package heartbeat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/store"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Connectivity is the hysteresis-damped classification reported alongside
// the raw push outcome.
type Connectivity string

const (
	Online  Connectivity = "online"
	Offline Connectivity = "offline"
)

// offlineThreshold/onlineThreshold are spec.md §4.7's fixed hysteresis
// bounds: 3 consecutive failures flips to offline, 2 consecutive successes
// flips back to online.
const (
	offlineThreshold = 3
	onlineThreshold  = 2
)

// payload is the body of POST {erp}/api/v1/kkt/heartbeat.
type payload struct {
	PosID               string  `json:"pos_id"`
	BufferFullness      float64 `json:"buffer_fullness"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	ClockDrift          int64   `json:"clock_drift"`
}

// Config bounds the emitter's schedule and ERP endpoint.
type Config struct {
	Interval time.Duration
	ERPURL   string // full URL to POST {erp}/api/v1/kkt/heartbeat
	PosID    string
	Timeout  time.Duration
}

// DefaultConfig mirrors spec.md §4.7's default interval.
func DefaultConfig(erpURL, posID string) Config {
	return Config{Interval: 30 * time.Second, ERPURL: erpURL, PosID: posID, Timeout: 5 * time.Second}
}

// Emitter pushes {pos_id, buffer_fullness, circuit_breaker_state,
// clock_drift} to the ERP on a fixed schedule. Its own failures are
// absorbed entirely: spec.md §4.7 requires that heartbeat failures never
// affect fiscalization.
type Emitter struct {
	cfg    Config
	buf    *store.Store
	cb     *breaker.Breaker
	hlc    *hlc.Clock
	wall   clock.Clock
	client *http.Client
	ticker ticker.Ticker

	driftGauge prometheus.Gauge

	mu                  sync.Mutex
	connectivity        Connectivity
	consecutiveFailures int
	consecutiveSuccess  int

	quit     chan struct{}
	wg       sync.WaitGroup
	startOne sync.Once
	stopOne  sync.Once
}

// New constructs an Emitter. t is ticker.New(cfg.Interval) in production,
// ticker.NewForce(cfg.Interval) in tests. driftGauge is optional (nil-safe,
// matching breaker.New's gauge parameter) and reports the HLC's drift, per
// spec.md §4.1's "report drift... as a gauge" requirement, on every push
// cycle — the heartbeat interval already doubles as the drift-sampling
// period.
func New(cfg Config, buf *store.Store, cb *breaker.Breaker, hlcClock *hlc.Clock, wall clock.Clock, t ticker.Ticker, driftGauge prometheus.Gauge) *Emitter {
	return &Emitter{
		cfg: cfg, buf: buf, cb: cb, hlc: hlcClock, wall: wall,
		client:       &http.Client{Timeout: cfg.Timeout},
		ticker:       t,
		driftGauge:   driftGauge,
		connectivity: Online,
		quit:         make(chan struct{}),
	}
}

// Start begins the schedule loop in a background goroutine.
func (e *Emitter) Start() {
	e.startOne.Do(func() {
		e.ticker.Resume()
		e.wg.Add(1)
		go e.loop()
	})
}

// Stop halts the schedule loop.
func (e *Emitter) Stop() {
	e.stopOne.Do(func() {
		close(e.quit)
		e.ticker.Stop()
		e.wg.Wait()
	})
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ticker.Ticks():
			e.PushOnce(context.Background())
		case <-e.quit:
			return
		}
	}
}

// PushOnce sends a single heartbeat and updates the hysteresis state.
// Errors are logged and absorbed, never propagated — per spec.md §4.7.
func (e *Emitter) PushOnce(ctx context.Context) {
	p := e.buildPayload(ctx)

	if err := e.send(ctx, p); err != nil {
		log.Debugf("heartbeat push failed: %v", err)
		e.recordFailure()
		return
	}
	e.recordSuccess()
}

func (e *Emitter) buildPayload(ctx context.Context) payload {
	fullness := 0.0
	if status, err := e.buf.Status(ctx); err == nil {
		fullness = status.FullnessFraction
	}
	drift := e.hlc.Drift()
	if e.driftGauge != nil {
		e.driftGauge.Set(float64(drift))
	}
	return payload{
		PosID:               e.cfg.PosID,
		BufferFullness:       fullness,
		CircuitBreakerState: e.cb.State().String(),
		ClockDrift:          drift,
	}
}

func (e *Emitter) send(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal heartbeat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ERPURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveSuccess = 0
	e.consecutiveFailures++
	if e.consecutiveFailures >= offlineThreshold && e.connectivity != Offline {
		e.connectivity = Offline
		log.Warnf("terminal %s classified offline after %d consecutive heartbeat failures", e.cfg.PosID, e.consecutiveFailures)
	}
}

func (e *Emitter) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.consecutiveSuccess++
	if e.consecutiveSuccess >= onlineThreshold && e.connectivity != Online {
		e.connectivity = Online
		log.Infof("terminal %s classified online after %d consecutive heartbeat successes", e.cfg.PosID, e.consecutiveSuccess)
	}
}

// Connectivity reports the current hysteresis-damped classification.
func (e *Emitter) Connectivity() Connectivity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectivity
}
