package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogersf/relay/internal/domain"
)

// HistoryRepo persists rate/dedup history so policies survive restarts.
type HistoryRepo struct {
	DB *sql.DB
}

// NewHistoryRepo creates a HistoryRepo bound to db.
func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{DB: db}
}

// SaveHistory inserts or replaces a history record.
func (r *HistoryRepo) SaveHistory(ctx context.Context, rec domain.HistoryRecord) error {
	const q = `INSERT OR REPLACE INTO history_records (id, kind, platform, target_id, recipient, text, dedupe_key, timestamp, verified)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.DB.ExecContext(ctx, q,
		rec.ID,
		rec.Kind,
		rec.Platform,
		rec.TargetID,
		rec.Recipient,
		rec.Text,
		rec.DedupeKey,
		rec.Timestamp,
		boolToInt(rec.Verified),
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// DeleteHistory removes a history record by ID. Missing IDs are not an error.
func (r *HistoryRepo) DeleteHistory(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM history_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// LoadHistory returns records of the given kind with timestamp >= sinceMs,
// oldest first.
func (r *HistoryRepo) LoadHistory(ctx context.Context, kind string, sinceMs int64) ([]domain.HistoryRecord, error) {
	const q = `SELECT id, kind, platform, target_id, recipient, text, dedupe_key, timestamp, verified
FROM history_records
WHERE kind = ? AND timestamp >= ?
ORDER BY timestamp ASC, id ASC`

	rows, err := r.DB.QueryContext(ctx, q, kind, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var records []domain.HistoryRecord
	for rows.Next() {
		var h domain.HistoryRecord
		var verified int
		if err := rows.Scan(&h.ID, &h.Kind, &h.Platform, &h.TargetID, &h.Recipient,
			&h.Text, &h.DedupeKey, &h.Timestamp, &verified); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Verified = verified != 0
		records = append(records, h)
	}
	return records, rows.Err()
}

// PruneHistory deletes records of kind older than beforeMs.
func (r *HistoryRepo) PruneHistory(ctx context.Context, kind string, beforeMs int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM history_records WHERE kind = ? AND timestamp < ?`, kind, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
