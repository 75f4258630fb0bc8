// Package breaker implements the three-state circuit breaker in front of
// the OFD Client, per SPEC_FULL.md §4.3.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

// State is one of CLOSED/OPEN/HALF_OPEN.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// gaugeValue encodes the state as the Prometheus gauge value from
// spec.md §4.3: CLOSED=0, OPEN=1, HALF_OPEN=2.
func (s State) gaugeValue() float64 { return float64(s) }

// ErrOpen is the synthetic error returned when a call is short-circuited.
// Per spec.md §7, this never reaches the POS caller directly — Phase 2
// absorbs it and leaves the receipt pending.
var ErrOpen = fmt.Errorf("circuit breaker open")

// Config holds the thresholds from spec.md §6.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// EventSink receives breaker transitions so the caller can append a
// Buffer Event and keep its own state-change log, per spec.md §4.3.
type EventSink interface {
	OnOpen()
	OnClosed()
}

// Breaker gates calls to a single failing-capable dependency. All methods
// are safe for concurrent use; state transitions are serialized by mu
// exactly as spec.md §5 requires ("at most one transition per call").
type Breaker struct {
	cfg  Config
	wall clock.Clock
	sink EventSink

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	consecutiveOK     int
	openDeadline      time.Time
	halfOpenInFlight  bool

	gauge prometheus.Gauge
}

// New constructs a Breaker starting CLOSED.
func New(cfg Config, wall clock.Clock, sink EventSink, gauge prometheus.Gauge) *Breaker {
	b := &Breaker{cfg: cfg, wall: wall, sink: sink, gauge: gauge}
	if b.gauge != nil {
		b.gauge.Set(Closed.gaugeValue())
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked advances OPEN->HALF_OPEN if the recovery timer has
// elapsed. Callers must hold mu.
func (b *Breaker) currentStateLocked() State {
	if b.state == Open && b.wall.Now().After(b.openDeadline) {
		b.state = HalfOpen
		b.consecutiveOK = 0
		b.halfOpenInFlight = false
		log.Infof("circuit breaker recovery timeout elapsed, probing (HALF_OPEN)")
	}
	return b.state
}

// Classification is the caller's verdict on a completed call, used to
// drive the breaker's transitions. Permanent failures never reach the
// breaker (spec.md §4.3: "does NOT contribute to opening the circuit").
type Classification int

const (
	Success Classification = iota
	TransientFailure
)

// Allow reports whether a call may proceed. It returns ErrOpen when the
// breaker is OPEN, and enforces the HALF_OPEN single-flight rule
// ("calls pass through one at a time") by rejecting concurrent probes.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// Report records the outcome of a call previously allowed by Allow.
func (b *Breaker) Report(result Classification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()
	if state == HalfOpen {
		b.halfOpenInFlight = false
	}

	switch result {
	case Success:
		b.onSuccessLocked(state)
	case TransientFailure:
		b.onFailureLocked(state)
	}
}

func (b *Breaker) onSuccessLocked(state State) {
	switch state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	}
}

func (b *Breaker) onFailureLocked(state State) {
	switch state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to

	switch to {
	case Open:
		b.openDeadline = b.wall.Now().Add(b.cfg.RecoveryTimeout)
		b.consecutiveFails = 0
		if from != Open && b.sink != nil {
			b.sink.OnOpen()
		}
		log.Warnf("circuit breaker OPEN, recovery at %s", b.openDeadline)
	case Closed:
		b.consecutiveFails = 0
		b.consecutiveOK = 0
		if from != Closed && b.sink != nil {
			b.sink.OnClosed()
		}
		log.Infof("circuit breaker CLOSED")
	}

	if b.gauge != nil {
		b.gauge.Set(to.gaugeValue())
	}
}
