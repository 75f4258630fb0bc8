// Package fiscalize implements the two-phase fiscalization protocol, per
// SPEC_FULL.md §4.4: Phase 1 (local durable + print) always completes if
// the buffer has capacity; Phase 2 (remote delivery) is best-effort and
// eventually consistent.
package fiscalize

import (
	"context"
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/kkt"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

// AlertSink receives the P1/P2 operational alerts named throughout
// spec.md §4.2/§4.4 (buffer fullness thresholds, KKT unavailability). It is
// intentionally narrow: the Adapter doesn't own an alerting pipeline, only
// the decision of when to fire one.
type AlertSink interface {
	Alert(severity, code, message string)
}

const (
	SeverityP1 = "P1"
	SeverityP2 = "P2"
)

// Request is the shape-validated input to Submit, corresponding to the
// POST /v1/kkt/receipt body in spec.md §4.8.
type Request struct {
	PosID          string
	Type           store.ReceiptType
	OriginalID     string // required for refund/correction
	Payload        []byte
	IdempotencyKey string
}

// Response is returned to the POS caller.
type Response struct {
	ID     string
	Status string // "printed" for a new receipt; "buffered" or "synced" for a repeated idempotency key
}

// ErrInvalidRequest is returned when Request fails shape validation.
var ErrInvalidRequest = fmt.Errorf("invalid request")

// RefundBlockedError is returned by Submit when a refund/correction's
// antecedent has not yet synced, per spec.md §4.5. The HTTP layer maps this
// to a 409 carrying Status.
type RefundBlockedError struct {
	AntecedentID     string
	AntecedentStatus store.Status
}

func (e *RefundBlockedError) Error() string {
	return fmt.Sprintf(
		"refund blocked: antecedent %s is %s, not synced", e.AntecedentID, e.AntecedentStatus,
	)
}

// Service orchestrates Phase 1 and Phase 2 fiscalization. Per §9's
// "inject shared collaborators" directive, it and the Sync Worker both
// depend on the same *store.Store and *breaker.Breaker instances without
// referencing each other.
type Service struct {
	buf     *store.Store
	printer kkt.Driver
	clock   *hlc.Clock
	cb      *breaker.Breaker
	ofdC    *ofd.Client
	alerts  AlertSink
	wall    clock.Clock

	alertPercent int
	blockPercent int
}

// New constructs a Service. alertPercent/blockPercent are the buffer
// fullness thresholds from spec.md §6 (defaults 80/100).
func New(
	buf *store.Store, printer kkt.Driver, hlcClock *hlc.Clock, cb *breaker.Breaker,
	ofdC *ofd.Client, alerts AlertSink, wall clock.Clock, alertPercent, blockPercent int,
) *Service {
	return &Service{
		buf: buf, printer: printer, clock: hlcClock, cb: cb, ofdC: ofdC,
		alerts: alerts, wall: wall, alertPercent: alertPercent, blockPercent: blockPercent,
	}
}

// Submit executes Phase 1 synchronously and attempts Phase 2 inline,
// best-effort, per spec.md §4.4.
func (s *Service) Submit(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	existing, err := s.buf.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		log.Infof("idempotent resubmission of receipt %s (key=%s)", existing.ID, req.IdempotencyKey)
		return &Response{ID: existing.ID, Status: phaseOneStatus(existing.Status)}, nil
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if req.Type == store.TypeRefund || req.Type == store.TypeCorrection {
		if err := s.checkAntecedent(ctx, req.OriginalID); err != nil {
			return nil, err
		}
	}

	ts := s.clock.Now()
	var originalID *string
	if req.OriginalID != "" {
		originalID = &req.OriginalID
	}

	r := store.Receipt{
		ID:             uuid.NewString(),
		PosID:          req.PosID,
		CreatedAt:      s.wall.Now().Unix(),
		HLCLocal:       ts.Local,
		HLCCounter:     ts.Counter,
		Type:           req.Type,
		OriginalID:     originalID,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}

	inserted, err := s.buf.Insert(ctx, r)
	if err == store.ErrDuplicateKey {
		// A concurrent submission raced us between the lookup above
		// and Insert; the duplicate-key path is equally valid here.
		return &Response{ID: inserted.ID, Status: phaseOneStatus(inserted.Status)}, nil
	}
	if err == store.ErrBufferFull {
		s.alerts.Alert(SeverityP1, "BufferFull", "durable buffer at capacity, sales for this terminal are blocked")
		return nil, store.ErrBufferFull
	}
	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	s.maybeAlertFullness(ctx)

	status := "buffered"
	outcome, printErr := s.printer.Print(ctx, inserted.Payload)
	if printErr != nil || outcome != kkt.OK {
		s.alerts.Alert(
			SeverityP2, "KKTUnavailable",
			fmt.Sprintf("print failed for receipt %s: outcome=%v err=%v", inserted.ID, outcome, printErr),
		)
	} else {
		status = "printed"
	}

	// Phase 2 is best-effort and inline here; the Sync Worker is the
	// durable fallback path (spec.md §4.4: "may be triggered inline
	// ... and is also driven by the Sync Worker on a schedule").
	s.attemptPhaseTwo(ctx, inserted.ID, inserted.Payload)

	return &Response{ID: inserted.ID, Status: status}, nil
}

// attemptPhaseTwo performs a single best-effort delivery attempt. Errors
// are absorbed per spec.md §7 ("transient upstream errors never reach the
// POS caller"); by the time this runs, Submit has already returned a
// decision to the caller in spirit (the caller gets the HTTP response
// after this completes, but its content does not depend on this path's
// outcome).
func (s *Service) attemptPhaseTwo(ctx context.Context, id string, payload []byte) {
	if err := s.cb.Allow(ctx); err != nil {
		return
	}

	res := s.ofdC.Send(ctx, id, payload)

	switch res.Kind {
	case ofd.KindSuccess:
		s.cb.Report(breaker.Success)
		if err := s.markSyncedIfClaimable(ctx, id, res.ServerTime); err != nil {
			log.Debugf("inline phase 2 mark_synced for %s deferred to sync worker: %v", id, err)
		}
	case ofd.KindTransient:
		s.cb.Report(breaker.TransientFailure)
		// Leave it pending; the Sync Worker's claim_pending/
		// increment_retry path owns the retry budget.
	case ofd.KindPermanent:
		// Permanent failures don't touch the breaker (spec.md §4.3).
		log.Warnf("inline phase 2 permanent rejection for %s: %v", id, res.Err)
	}
}

// markSyncedIfClaimable claims exactly this receipt (if still pending) and
// marks it synced. It's a no-op if the Sync Worker already claimed it
// first — in that race the Sync Worker's own attempt owns the outcome.
func (s *Service) markSyncedIfClaimable(ctx context.Context, id string, serverTime int64) error {
	if _, err := s.buf.ClaimByID(ctx, id); err != nil {
		return err
	}
	return s.buf.MarkSynced(ctx, id, serverTime)
}

// checkAntecedent enforces spec.md §4.5: a refund/correction may not be
// accepted while its antecedent exists in the live buffer with a
// non-synced status. Absence from the live buffer is taken to mean prior
// successful delivery and archival (SPEC_FULL.md §9's accepted open
// question), so the refund is permitted.
func (s *Service) checkAntecedent(ctx context.Context, originalID string) error {
	original, err := s.buf.GetReceipt(ctx, originalID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup antecedent: %w", err)
	}
	if original.Status != store.StatusSynced {
		return &RefundBlockedError{AntecedentID: originalID, AntecedentStatus: original.Status}
	}
	return nil
}

func (s *Service) maybeAlertFullness(ctx context.Context) {
	status, err := s.buf.Status(ctx)
	if err != nil {
		return
	}
	pct := int(status.FullnessFraction * 100)
	if pct >= s.blockPercent {
		s.alerts.Alert(SeverityP1, "BufferFull", "buffer at 100% capacity")
	} else if pct >= s.alertPercent {
		s.alerts.Alert(SeverityP2, "BufferNearCapacity", fmt.Sprintf("buffer at %d%% capacity", pct))
	}
}

func phaseOneStatus(s store.Status) string {
	if s == store.StatusSynced {
		return "synced"
	}
	return "buffered"
}

func validate(req Request) error {
	if req.PosID == "" {
		return fmt.Errorf("pos_id required")
	}
	switch req.Type {
	case store.TypeSale, store.TypeRefund, store.TypeCorrection:
	default:
		return fmt.Errorf("type must be sale, refund, or correction")
	}
	if req.Type != store.TypeSale && req.OriginalID == "" {
		return fmt.Errorf("original_id required for refund/correction")
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("payload required")
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key required")
	}
	if len(req.IdempotencyKey) > 128 {
		return fmt.Errorf("idempotency key exceeds 128 bytes")
	}
	return nil
}

// RefundCheck answers POST /v1/pos/refund (spec.md §4.8): given the
// antecedent's id, reports whether a refund against it is currently
// allowed and the antecedent's sync status.
func (s *Service) RefundCheck(ctx context.Context, originalID string) (allowed bool, syncStatus string, err error) {
	original, err := s.buf.GetReceipt(ctx, originalID)
	if err == store.ErrNotFound {
		return true, "unknown", nil
	}
	if err != nil {
		return false, "", err
	}
	if original.Status == store.StatusSynced {
		return true, string(original.Status), nil
	}
	return false, string(original.Status), nil
}
