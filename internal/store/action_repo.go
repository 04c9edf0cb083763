package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogersf/relay/internal/domain"
)

// ActionRepo handles persistence for finalized ActionRecord entries.
type ActionRepo struct{}

// Save inserts or replaces an action record. The full record is kept as JSON
// alongside indexed columns used by reports.
func (r *ActionRepo) Save(ctx context.Context, db *sql.DB, rec domain.ActionRecord, recordPath string) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode action record: %w", err)
	}

	const q = `INSERT OR REPLACE INTO action_records (id, action_type, platform, target, status, requested_at, completed_at, verification_score, record_json, record_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		rec.ID,
		string(rec.ActionType),
		rec.Platform,
		rec.Target,
		string(rec.Status),
		rec.RequestedAt,
		rec.CompletedAt,
		rec.VerificationScore,
		string(raw),
		recordPath,
	)
	if err != nil {
		return fmt.Errorf("save action record: %w", err)
	}
	return nil
}

// GetByID retrieves an action record by its ID.
func (r *ActionRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.ActionRecord, error) {
	const q = `SELECT record_json FROM action_records WHERE id = ?`

	var raw string
	if err := db.QueryRowContext(ctx, q, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrActionNotFound
		}
		return nil, fmt.Errorf("get action record: %w", err)
	}

	var rec domain.ActionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode action record: %w", err)
	}
	return &rec, nil
}

// ListSince returns action records requested at or after sinceMs, oldest first.
func (r *ActionRepo) ListSince(ctx context.Context, db *sql.DB, sinceMs int64) ([]domain.ActionRecord, error) {
	const q = `SELECT record_json FROM action_records
WHERE requested_at >= ?
ORDER BY requested_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()

	var records []domain.ActionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		var rec domain.ActionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode action record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
