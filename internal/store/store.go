// Package store implements the Adapter's Durable Buffer: a WAL-journaled,
// synchronous-commit embedded SQL relation holding Receipts, dead-letter
// entries, and the lifecycle event log, per SPEC_FULL.md §3 and §4.2.
//
// The engine is modernc.org/sqlite, a cgo-free SQLite implementation, opened
// with foreign-key enforcement and full synchronous commit so that every
// state change below survives a power loss at any instant (P10).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	_ "modernc.org/sqlite"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) { log = logger }

// Config bounds the Durable Buffer's capacity and retry policy, matching
// spec.md §6's recognized configuration options.
type Config struct {
	// Path is the sqlite database file path. ":memory:" is accepted for
	// tests but loses durability guarantees entirely.
	Path string

	Capacity       int
	MaxRetries     int
	AlertPercent   int
	BlockPercent   int
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		Capacity:     200,
		MaxRetries:   20,
		AlertPercent: 80,
		BlockPercent: 100,
	}
}

// Store is the Durable Buffer. All exported methods are safe for concurrent
// use; serialization beyond what SQLite's own transactional engine provides
// is not required because every mutating operation is a single transaction.
type Store struct {
	db     *sql.DB
	cfg    Config
	wall   clock.Clock

	mu      sync.Mutex // guards onEvent
	onEvent []func(BufferEvent)
}

// Open opens (creating if necessary) the sqlite database at cfg.Path,
// applies pending migrations, and returns a ready Store. wall is the clock
// used for created_at/failed_at/synced_at timestamps; pass a
// clock.TestClock in tests.
func Open(cfg Config, wall clock.Clock) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		cfg.Path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A WAL-journaled SQLite file supports exactly one writer; avoid the
	// connection pool handing out concurrent writer connections that
	// would otherwise serialize behind SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	// Migration failure is a genuinely unexpected condition (corrupt file,
	// schema drift from a newer binary) rather than an ordinary control-flow
	// error, so it's wrapped with a captured stack per SPEC_FULL.md §7.
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, goerrors.WrapPrefix(err, "migrate", 0)
	}

	return &Store{db: db, cfg: cfg, wall: wall}, nil
}

// OnEvent registers an additional callback invoked (outside the writing
// transaction) after every Buffer Event is durably appended. Metrics and
// the WebSocket status stream each subscribe independently through this
// hook; callbacks must not block.
func (s *Store) OnEvent(fn func(BufferEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert durably creates a Receipt with status=pending and its matching
// receipt_added event in one transaction (Phase 1 step 4). If
// idempotency_key already exists (on a live Receipt or a DLQ entry), it
// returns the pre-existing Receipt and ErrDuplicateKey instead of
// inserting — the caller MUST treat this as success and echo the existing
// id (P2/L1).
func (s *Store) Insert(ctx context.Context, r Receipt) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if existing, err := findByIdempotencyKeyTx(ctx, tx, r.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, ErrDuplicateKey
	}

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipts WHERE status IN ('pending','syncing')`,
	).Scan(&live)
	if err != nil {
		return nil, err
	}
	if live >= s.cfg.Capacity {
		return nil, ErrBufferFull
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = StatusPending

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (
			id, pos_id, created_at, hlc_local, hlc_counter, hlc_server,
			type, original_id, payload, idempotency_key, status,
			retry_count, last_error, synced_at
		) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, 0, NULL, NULL)`,
		r.ID, r.PosID, r.CreatedAt, r.HLCLocal, r.HLCCounter,
		string(r.Type), r.OriginalID, r.Payload, r.IdempotencyKey, string(r.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	ev, err := appendEventTx(ctx, tx, s.wall, EventReceiptAdded, &r.ID, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify(ev)
	return &r, nil
}

// ClaimPending selects up to limit pending receipts ordered by HLC
// ascending and atomically transitions them to syncing, per spec.md §4.2.
// Callers (the Sync Worker) must resolve every claimed receipt to synced or
// failed within a bounded time; RevertStaleSyncing reclaims abandoned
// claims.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM receipts
		WHERE status = ?
		ORDER BY hlc_local ASC, hlc_counter ASC
		LIMIT ?`, string(StatusPending), limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	claimed := make([]Receipt, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE receipts SET status = ? WHERE id = ? AND status = ?`,
			string(StatusSyncing), id, string(StatusPending),
		); err != nil {
			return nil, err
		}
		r, err := getReceiptTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimByID atomically transitions a single receipt pending->syncing, for
// callers (inline Phase 2) that want to resolve one specific receipt rather
// than the next batch in HLC order. Returns ErrInvalidTransition if the
// receipt is not currently pending (e.g. the Sync Worker already claimed
// it, or it was resolved already).
func (s *Store) ClaimByID(ctx context.Context, id string) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE receipts SET status = ? WHERE id = ? AND status = ?`,
		string(StatusSyncing), id, string(StatusPending),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInvalidTransition
	}

	r, err := getReceiptTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

// ReleaseClaim reverts a claimed receipt syncing->pending without counting
// it as a retry attempt. The Sync Worker uses this to give back a receipt
// whose exponential backoff window (spec.md §4.6) hasn't elapsed yet,
// rather than spending one of its retry_count attempts on a cycle that
// never actually called the OFD.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET status = ? WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusSyncing),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkSynced transitions a claimed receipt syncing->synced, records
// synced_at and hlc_server in the same transaction as its receipt_synced
// event (R3: hlc_server is set only on this transition).
func (s *Store) MarkSynced(ctx context.Context, id string, hlcServer int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.wall.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE receipts
		SET status = ?, hlc_server = ?, synced_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusSynced), hlcServer, now, id, string(StatusSyncing),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}

	ev, err := appendEventTx(ctx, tx, s.wall, EventReceiptSynced, &id, nil)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

// IncrementRetry transitions a claimed receipt syncing->pending after a
// transient OFD failure, incrementing retry_count and recording last_error.
// If the new retry_count reaches cfg.MaxRetries, the receipt is moved to
// DLQ instead (B2), within the same transaction.
func (s *Store) IncrementRetry(ctx context.Context, id string, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := getReceiptTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusSyncing {
		return ErrInvalidTransition
	}

	errMsg := cause.Error()
	newCount := r.RetryCount + 1

	if newCount >= s.cfg.MaxRetries {
		ev, err := moveToDLQTx(ctx, tx, s.wall, id, r.Payload, ReasonMaxRetries, newCount, errMsg)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.notify(ev)
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE receipts
		SET status = ?, retry_count = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), newCount, errMsg, id, string(StatusSyncing),
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// MoveToDLQ transitions a claimed receipt syncing->failed and inserts its
// DLQ row in the same transaction, per spec.md §4.2/§3.
func (s *Store) MoveToDLQ(ctx context.Context, id string, reason DLQReason, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := getReceiptTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusSyncing {
		return ErrInvalidTransition
	}

	ev, err := moveToDLQTx(ctx, tx, s.wall, id, r.Payload, reason, r.RetryCount, cause.Error())
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

func moveToDLQTx(
	ctx context.Context, tx *sql.Tx, wall clock.Clock, id string, payload []byte,
	reason DLQReason, retryAttempts int, errMsg string,
) (BufferEvent, error) {
	now := wall.Now().Unix()

	if _, err := tx.ExecContext(ctx, `
		UPDATE receipts SET status = ?, last_error = ? WHERE id = ?`,
		string(StatusFailed), errMsg, id,
	); err != nil {
		return BufferEvent{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dlq_entries (
			id, original_receipt_id, failed_at, reason, payload,
			retry_attempts, last_error, resolved_at, resolved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		id, id, now, string(reason), payload, retryAttempts, errMsg,
	); err != nil {
		return BufferEvent{}, fmt.Errorf("insert dlq entry: %w", err)
	}

	return appendEventTx(ctx, tx, wall, EventReceiptFailed, &id, nil)
}

// RevertStaleSyncing reverts to pending every syncing receipt whose most
// recent buffer event (or, lacking one, its creation time) is older than
// olderThan, compared in whole seconds. Call this once on Sync Worker startup
// (spec.md §4.2/§4.6: a crash mid-cycle leaves at most batch_size receipts
// stranded in syncing).
func (s *Store) RevertStaleSyncing(ctx context.Context, olderThan time.Duration) (int, error) {
	// A receipt's syncing entry time isn't tracked separately from its
	// creation time in the schema; we treat any pending->syncing
	// transition as bounded by the buffer_events log, using the most
	// recent event of any kind for that receipt as a liveness signal.
	cutoff := s.wall.Now().Add(-olderThan).Unix()

	res, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET status = ?
		WHERE status = ? AND id IN (
			SELECT r.id FROM receipts r
			LEFT JOIN (
				SELECT receipt_id, MAX(timestamp) AS last_ts
				FROM buffer_events
				GROUP BY receipt_id
			) e ON e.receipt_id = r.id
			WHERE COALESCE(e.last_ts, r.created_at) < ?
		)`,
		string(StatusPending), string(StatusSyncing), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Infof("reverted %d stale syncing receipt(s) to pending", n)
	}
	return int(n), nil
}

// GetReceipt fetches a Receipt by id, or ErrNotFound.
func (s *Store) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	return getReceiptDB(ctx, s.db, id)
}

// FindByIdempotencyKey looks up a Receipt by idempotency key, regardless of
// its current status. A dead-lettered Receipt's row is retained in
// receipts (status=failed) for audit, so this single UNIQUE index already
// covers "live receipts and DLQ entries combined" from R4.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Receipt, error) {
	return findByIdempotencyKeyDB(ctx, s.db, key)
}

// Status returns the composite buffer status used by GET
// /v1/kkt/buffer/status, per spec.md §4.2/§4.8.
func (s *Store) Status(ctx context.Context) (BufferStatus, error) {
	var out BufferStatus
	out.Capacity = s.cfg.Capacity

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM receipts GROUP BY status`)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return out, err
		}
		switch Status(status) {
		case StatusPending:
			out.Pending = count
		case StatusSyncing:
			out.Syncing = count
		case StatusSynced:
			out.Synced = count
		case StatusFailed:
			out.Failed = count
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_entries WHERE resolved_at IS NULL`).
		Scan(&out.DLQSize); err != nil {
		return out, err
	}

	if out.Capacity > 0 {
		out.FullnessFraction = float64(out.Pending+out.Syncing) / float64(out.Capacity)
	}

	var lastSync sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(synced_at) FROM receipts WHERE status = ?`, string(StatusSynced),
	).Scan(&lastSync); err != nil {
		return out, err
	}
	if lastSync.Valid {
		out.LastSyncAt = &lastSync.Int64
	}

	return out, nil
}

// ListDLQ returns unresolved-first DLQ entries for operator inspection.
func (s *Store) ListDLQ(ctx context.Context) ([]DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_receipt_id, failed_at, reason, payload,
		       retry_attempts, last_error, resolved_at, resolved_by
		FROM dlq_entries
		ORDER BY resolved_at IS NOT NULL, failed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var lastError, resolvedBy sql.NullString
		var resolvedAt sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.OriginalReceiptID, &e.FailedAt, &e.Reason, &e.Payload,
			&e.RetryAttempts, &lastError, &resolvedAt, &resolvedBy,
		); err != nil {
			return nil, err
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Int64
		}
		if resolvedBy.Valid {
			e.ResolvedBy = &resolvedBy.String
		}
		out = append(out, e)
	}
	return out, nil
}

// ResolveDLQ marks a DLQ entry as operator-resolved. Per SPEC_FULL.md §9's
// open-question decision, this is a manual annotation only: DLQ entries are
// never automatically replayed back into the live buffer.
func (s *Store) ResolveDLQ(ctx context.Context, id, resolvedBy string) error {
	now := s.wall.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`, now, resolvedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) notify(ev BufferEvent) {
	s.mu.Lock()
	subscribers := s.onEvent
	s.mu.Unlock()
	for _, fn := range subscribers {
		fn(ev)
	}
}

func appendEventTx(
	ctx context.Context, tx *sql.Tx, wall clock.Clock, et EventType,
	receiptID *string, metadata map[string]any,
) (BufferEvent, error) {
	meta := "{}"
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return BufferEvent{}, err
		}
		meta = string(b)
	}

	now := wall.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO buffer_events (event_type, timestamp, receipt_id, metadata)
		VALUES (?, ?, ?, ?)`, string(et), now, receiptID, meta)
	if err != nil {
		return BufferEvent{}, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return BufferEvent{}, err
	}

	return BufferEvent{
		ID: id, EventType: et, Timestamp: now, ReceiptID: receiptID, Metadata: meta,
	}, nil
}

// AppendEvent durably appends a Buffer Event outside of any Receipt
// transition — used by the Circuit Breaker (circuit_opened/circuit_closed)
// and the Sync Worker (sync_started/sync_completed).
func (s *Store) AppendEvent(ctx context.Context, et EventType, metadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ev, err := appendEventTx(ctx, tx, s.wall, et, nil, metadata)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

func getReceiptTx(ctx context.Context, tx *sql.Tx, id string) (*Receipt, error) {
	return scanReceipt(tx.QueryRowContext(ctx, receiptSelectSQL+" WHERE id = ?", id))
}

func getReceiptDB(ctx context.Context, db *sql.DB, id string) (*Receipt, error) {
	return scanReceipt(db.QueryRowContext(ctx, receiptSelectSQL+" WHERE id = ?", id))
}

func findByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*Receipt, error) {
	r, err := scanReceipt(tx.QueryRowContext(ctx, receiptSelectSQL+" WHERE idempotency_key = ?", key))
	if err == ErrNotFound {
		return nil, nil
	}
	return r, err
}

func findByIdempotencyKeyDB(ctx context.Context, db *sql.DB, key string) (*Receipt, error) {
	return scanReceipt(db.QueryRowContext(ctx, receiptSelectSQL+" WHERE idempotency_key = ?", key))
}

const receiptSelectSQL = `
	SELECT id, pos_id, created_at, hlc_local, hlc_counter, hlc_server,
	       type, original_id, payload, idempotency_key, status,
	       retry_count, last_error, synced_at
	FROM receipts`

func scanReceipt(row *sql.Row) (*Receipt, error) {
	var r Receipt
	var hlcServer, syncedAt sql.NullInt64
	var originalID, lastError sql.NullString
	var typ, status string

	err := row.Scan(
		&r.ID, &r.PosID, &r.CreatedAt, &r.HLCLocal, &r.HLCCounter, &hlcServer,
		&typ, &originalID, &r.Payload, &r.IdempotencyKey, &status,
		&r.RetryCount, &lastError, &syncedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Type = ReceiptType(typ)
	r.Status = Status(status)
	if hlcServer.Valid {
		r.HLCServer = &hlcServer.Int64
	}
	if syncedAt.Valid {
		r.SyncedAt = &syncedAt.Int64
	}
	if originalID.Valid {
		r.OriginalID = &originalID.String
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}

	return &r, nil
}
