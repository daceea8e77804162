package storage

import (
	"context"
	"fmt"

	"openclaw_proxy/internal/models"
)

// SessionRepository reads and maintains browser_sessions rows
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new browser session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// ActiveCount returns how many sessions of the customer have no end time yet
func (r *SessionRepository) ActiveCount(ctx context.Context, customerID string) (int, error) {
	query := `SELECT COUNT(*) FROM browser_sessions WHERE customer_id = $1 AND ended_at IS NULL`

	var count int
	if err := r.db.conn.GetContext(ctx, &count, query, customerID); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Recent returns the newest sessions of the customer
func (r *SessionRepository) Recent(ctx context.Context, customerID string, limit int) ([]models.BrowserSession, error) {
	query := `
		SELECT id, customer_id, box_id, started_at, ended_at, duration_ms
		FROM browser_sessions
		WHERE customer_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	sessions := []models.BrowserSession{}
	if err := r.db.conn.SelectContext(ctx, &sessions, query, customerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	return sessions, nil
}

// MonthToDateDuration returns the summed duration of sessions started this calendar month
func (r *SessionRepository) MonthToDateDuration(ctx context.Context, customerID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(duration_ms), 0)
		FROM browser_sessions
		WHERE customer_id = $1
		  AND started_at >= date_trunc('month', now())
	`

	var totalMS int64
	if err := r.db.conn.GetContext(ctx, &totalMS, query, customerID); err != nil {
		return 0, fmt.Errorf("failed to sum session duration: %w", err)
	}
	return totalMS, nil
}

// CloseOpen ends every open session row of the customer
func (r *SessionRepository) CloseOpen(ctx context.Context, customerID string) (int64, error) {
	query := `
		UPDATE browser_sessions
		SET ended_at = now(),
		    duration_ms = EXTRACT(EPOCH FROM (now() - started_at))::integer * 1000
		WHERE customer_id = $1 AND ended_at IS NULL
	`

	res, err := r.db.conn.ExecContext(ctx, query, customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return res.RowsAffected()
}
