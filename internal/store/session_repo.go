package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogersf/relay/internal/domain"
)

// SessionRepo persists per-platform session state.
type SessionRepo struct {
	DB *sql.DB
}

// NewSessionRepo creates a SessionRepo bound to db.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{DB: db}
}

// SaveSession upserts the state for one platform.
func (r *SessionRepo) SaveSession(ctx context.Context, s domain.SessionState) error {
	const q = `INSERT INTO session_states (platform, status, username, last_check, last_refresh, last_login, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform) DO UPDATE SET
	status = excluded.status,
	username = excluded.username,
	last_check = excluded.last_check,
	last_refresh = excluded.last_refresh,
	last_login = excluded.last_login,
	error = excluded.error`
	_, err := r.DB.ExecContext(ctx, q,
		s.Platform,
		string(s.Status),
		s.Username,
		s.LastCheck,
		s.LastRefresh,
		s.LastLogin,
		s.Error,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSessions returns every persisted session ordered by platform.
func (r *SessionRepo) LoadSessions(ctx context.Context) ([]domain.SessionState, error) {
	const q = `SELECT platform, status, username, last_check, last_refresh, last_login, error
FROM session_states ORDER BY platform ASC`

	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionState
	for rows.Next() {
		var s domain.SessionState
		var status string
		if err := rows.Scan(&s.Platform, &status, &s.Username, &s.LastCheck,
			&s.LastRefresh, &s.LastLogin, &s.Error); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = domain.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
