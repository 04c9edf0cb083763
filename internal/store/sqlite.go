// Package store provides SQLite-backed persistence for the relay.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS action_records (
	id                 TEXT PRIMARY KEY,
	action_type        TEXT NOT NULL,
	platform           TEXT NOT NULL DEFAULT '',
	target             TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending',
	requested_at       INTEGER NOT NULL DEFAULT 0,
	completed_at       INTEGER NOT NULL DEFAULT 0,
	verification_score INTEGER NOT NULL DEFAULT 0,
	record_json        TEXT NOT NULL DEFAULT '{}',
	record_path        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_requested ON action_records(requested_at);
CREATE INDEX IF NOT EXISTS idx_actions_platform_type ON action_records(platform, action_type);

CREATE TABLE IF NOT EXISTS history_records (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	platform   TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	verified   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_kind_ts ON history_records(kind, timestamp);

CREATE TABLE IF NOT EXISTS session_states (
	platform     TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	username     TEXT NOT NULL DEFAULT '',
	last_check   INTEGER NOT NULL DEFAULT 0,
	last_refresh INTEGER NOT NULL DEFAULT 0,
	last_login   INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_log (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_log_completed ON task_log(completed_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration. The parent directory is created if needed.
func NewDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
