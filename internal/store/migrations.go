package store

import (
	"database/sql"
	"fmt"
)

// migration mirrors the teacher lineage's numbered bucket-migration
// discipline (channeldb's migration_NN packages), re-expressed as SQL
// schema versions tracked in schema_migrations instead of a bucket-version
// key, since the Durable Buffer is a relational store rather than a KV one.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE schema_migrations (version INTEGER NOT NULL PRIMARY KEY)`,
			`CREATE TABLE receipts (
				id              TEXT PRIMARY KEY,
				pos_id          TEXT NOT NULL,
				created_at      INTEGER NOT NULL,
				hlc_local       INTEGER NOT NULL,
				hlc_counter     INTEGER NOT NULL,
				hlc_server      INTEGER,
				type            TEXT NOT NULL,
				original_id     TEXT,
				payload         BLOB NOT NULL,
				idempotency_key TEXT NOT NULL UNIQUE,
				status          TEXT NOT NULL,
				retry_count     INTEGER NOT NULL DEFAULT 0,
				last_error      TEXT,
				synced_at       INTEGER
			)`,
			`CREATE INDEX idx_receipts_status ON receipts(status)`,
			`CREATE INDEX idx_receipts_pos_hlc ON receipts(pos_id, hlc_local, hlc_counter)`,
			`CREATE UNIQUE INDEX idx_receipts_idempotency ON receipts(idempotency_key)`,
			`CREATE TABLE dlq_entries (
				id                  TEXT PRIMARY KEY,
				original_receipt_id TEXT NOT NULL REFERENCES receipts(id),
				failed_at           INTEGER NOT NULL,
				reason              TEXT NOT NULL,
				payload             BLOB NOT NULL,
				retry_attempts      INTEGER NOT NULL,
				last_error          TEXT,
				resolved_at         INTEGER,
				resolved_by         TEXT
			)`,
			`CREATE TABLE buffer_events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				timestamp  INTEGER NOT NULL,
				receipt_id TEXT,
				metadata   TEXT
			)`,
			`CREATE INDEX idx_buffer_events_receipt ON buffer_events(receipt_id)`,
		},
	},
}

// applyMigrations runs every migration whose version exceeds the highest
// applied version recorded in schema_migrations, each inside its own
// transaction. On power loss mid-migration, the partially-applied
// transaction is rolled back by SQLite's journal on next open (P10/L2).
func applyMigrations(db *sql.DB) error {
	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(version) VALUES (?)`, m.version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// currentSchemaVersion returns 0 if schema_migrations does not exist yet
// (fresh database).
func currentSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`,
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
