package httpapi

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fiscalgw/adapter/internal/auth"
	"github.com/fiscalgw/adapter/internal/fiscalize"
	"github.com/fiscalgw/adapter/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB: a fiscal receipt payload is small.

// receiptRequest is the POST /v1/kkt/receipt body. Payload is carried as
// raw JSON so the Adapter never needs to understand the fiscal document's
// internal shape (spec.md §1: the document body is opaque to the Adapter).
type receiptRequest struct {
	PosID      string          `json:"pos_id"`
	Type       store.ReceiptType `json:"type"`
	OriginalID string          `json:"original_fiscal_doc_id,omitempty"`
	Payload    stdjson.RawMessage `json:"payload"`
}

func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Idempotency-Key header is required", false)
		return
	}
	if len(idemKey) > 128 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Idempotency-Key exceeds 128 bytes", false)
		return
	}

	var body receiptRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}

	req := fiscalize.Request{
		PosID:          body.PosID,
		Type:           body.Type,
		OriginalID:     body.OriginalID,
		Payload:        body.Payload,
		IdempotencyKey: idemKey,
	}

	resp, err := s.svc.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": resp.ID, "status": resp.Status})

	case errors.Is(err, fiscalize.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)

	case errors.Is(err, store.ErrBufferFull):
		writeError(w, http.StatusServiceUnavailable, CodeBufferFull, "durable buffer at capacity", false)

	default:
		var blocked *fiscalize.RefundBlockedError
		if errors.As(err, &blocked) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error_code": CodeRefundBlocked,
				"message":    err.Error(),
				"retryable":  false,
				"antecedent_status": blocked.AntecedentStatus,
			})
			return
		}
		log.Errorf("submit receipt: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
	}
}

// bufferStatusResponse is the composite buffer status body: the Durable
// Buffer's counts with the circuit breaker state joined in.
type bufferStatusResponse struct {
	store.BufferStatus
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

func (s *Server) handleBufferStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.buf.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusOK, bufferStatusResponse{BufferStatus: status, CircuitBreakerState: s.cb.State().String()})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.CapSyncForce) {
		return
	}

	lock, err := s.locks.TryLock(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, CodeLockContention, "a sync cycle already holds the lock", true)
		return
	}
	lock.Unlock(r.Context())

	go s.worker.ForceSync(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRefundCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OriginalFiscalDocID string `json:"original_fiscal_doc_id"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}

	allowed, status, err := s.svc.RefundCheck(r.Context(), body.OriginalFiscalDocID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	if !allowed {
		writeJSON(w, http.StatusConflict, map[string]any{"allowed": allowed, "sync_status": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed, "sync_status": status})
}

// handleHealth reports composite readiness. It MUST stay cheap (spec.md
// §4.8): no database writes, only the read-only queries of the buffer's
// status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	bufStatus, err := s.buf.Status(r.Context())
	health := map[string]any{
		"buffer":          err == nil,
		"circuit_breaker": s.cb.State().String(),
	}
	status := http.StatusOK
	if err != nil {
		health["buffer_error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["buffer_fullness"] = bufStatus.FullnessFraction
	}
	writeJSON(w, status, health)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if !s.requireCapability(w, r, auth.CapDLQRead) {
		return
	}
	entries, err := s.buf.ListDLQ(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleResolveDLQ(w http.ResponseWriter, r *http.Request, id string) {
	if !s.requireCapability(w, r, auth.CapDLQResolve) {
		return
	}
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}
	if err := s.buf.ResolveDLQ(r.Context(), id, body.ResolvedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "dlq entry not found", false)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// requireCapability verifies the Macaroon header against s.authSvc,
// writing a 401 Unauthorized envelope and returning false on failure. If
// s.authSvc is nil, admin auth is disabled (e.g. in tests) and every
// request is allowed.
func (s *Server) requireCapability(w http.ResponseWriter, r *http.Request, required auth.Capability) bool {
	if s.authSvc == nil {
		return true
	}
	token := r.Header.Get("Macaroon")
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Macaroon header required", false)
		return false
	}
	if err := s.authSvc.VerifyToken(r.Context(), []byte(token), required); err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error(), false)
		return false
	}
	return true
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBodyBytes)
	return json.NewDecoder(limited).Decode(dst)
}
