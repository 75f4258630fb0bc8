package store

import "fmt"

// Status is a Receipt's lifecycle state. The legal transitions are the DAG
// from spec.md §3/R2: pending->syncing, syncing->{pending, synced, failed}.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// ReceiptType is the fiscal document class.
type ReceiptType string

const (
	TypeSale       ReceiptType = "sale"
	TypeRefund     ReceiptType = "refund"
	TypeCorrection ReceiptType = "correction"
)

// DLQReason classifies why a Receipt was moved to the dead-letter queue.
type DLQReason string

const (
	ReasonMaxRetries     DLQReason = "max_retries"
	ReasonPermanentReject DLQReason = "permanent_reject"
	ReasonSchemaInvalid  DLQReason = "schema_invalid"
)

// EventType enumerates the closed set of Buffer Event kinds from spec.md §3.
type EventType string

const (
	EventReceiptAdded  EventType = "receipt_added"
	EventReceiptSynced EventType = "receipt_synced"
	EventReceiptFailed EventType = "receipt_failed"
	EventCircuitOpened EventType = "circuit_opened"
	EventCircuitClosed EventType = "circuit_closed"
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
)

// Receipt is the central persisted entity described in spec.md §3.
type Receipt struct {
	ID             string
	PosID          string
	CreatedAt      int64
	HLCLocal       int64
	HLCCounter     uint32
	HLCServer      *int64
	Type           ReceiptType
	OriginalID     *string
	Payload        []byte
	IdempotencyKey string
	Status         Status
	RetryCount     int
	LastError      *string
	SyncedAt       *int64
}

// DLQEntry is a dead-lettered Receipt, per spec.md §3.
type DLQEntry struct {
	ID                string
	OriginalReceiptID string
	FailedAt          int64
	Reason            DLQReason
	Payload           []byte
	RetryAttempts     int
	LastError         *string
	ResolvedAt        *int64
	ResolvedBy        *string
}

// BufferEvent is an append-only observability record, per spec.md §3.
type BufferEvent struct {
	ID        int64
	EventType EventType
	Timestamp int64
	ReceiptID *string
	Metadata  string
}

// BufferStatus holds the buffer counts of the composite view returned by
// GET /v1/kkt/buffer/status, which also carries the circuit breaker state.
type BufferStatus struct {
	Pending          int
	Syncing          int
	Synced           int
	Failed           int
	DLQSize          int
	Capacity         int
	FullnessFraction float64
	LastSyncAt       *int64
}

// Sentinel errors surfaced by Buffer operations; the HTTP layer maps these
// to the error envelope's closed error_code enum from spec.md §7.
var (
	// ErrBufferFull is returned by Insert when pending+syncing has
	// reached the configured capacity.
	ErrBufferFull = fmt.Errorf("buffer full")

	// ErrDuplicateKey is returned by Insert when idempotency_key already
	// exists; it is not a failure for the caller (R4/P2) — the existing
	// receipt is returned alongside it.
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key")

	// ErrNotFound is returned when a receipt id does not exist, and by
	// ResolveDLQ when no unresolved DLQ entry has the given id. A receipt
	// in the wrong source state yields ErrInvalidTransition instead.
	ErrNotFound = fmt.Errorf("receipt not found")

	// ErrInvalidTransition is returned when a caller attempts a status
	// transition outside the DAG in R2.
	ErrInvalidTransition = fmt.Errorf("invalid receipt status transition")
)
