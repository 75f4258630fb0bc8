package httpapi

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorCode is the closed enum from spec.md §7, used for HTTP caller
// control flow.
type ErrorCode string

const (
	CodeBufferFull       ErrorCode = "BufferFull"
	CodeDuplicateKey     ErrorCode = "DuplicateKey"
	CodeInvalidRequest   ErrorCode = "InvalidRequest"
	CodeRefundBlocked    ErrorCode = "RefundBlocked"
	CodeKKTUnavailable   ErrorCode = "KKTUnavailable"
	CodeLockContention   ErrorCode = "LockContention"
	CodeUnauthorized     ErrorCode = "Unauthorized"
	CodeNotFound         ErrorCode = "NotFound"
	CodeInternal         ErrorCode = "Internal"
)

// errorEnvelope is the uniform error response body from spec.md §7.
type errorEnvelope struct {
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{ErrorCode: code, Message: message, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
