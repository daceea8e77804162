package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"openclaw_proxy/internal/models"
)

// UsageRepository handles usage_monthly, usage_events and the metering flush
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// CurrentSnapshot returns the current-period usage of a customer joined with
// its active subscription tier. Customers without both yield ErrUsageRecordNotFound.
func (r *UsageRepository) CurrentSnapshot(ctx context.Context, customerID string) (*models.UsageSnapshot, error) {
	query := `
		SELECT um.tokens_used, um.tokens_limit, s.tier
		FROM usage_monthly um
		JOIN subscriptions s ON s.customer_id = um.customer_id
		WHERE um.customer_id = $1
		  AND um.period_start <= now()
		  AND um.period_end > now()
		  AND s.status = 'active'
		LIMIT 1
	`

	var snap models.UsageSnapshot
	err := r.db.conn.GetContext(ctx, &snap, query, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage snapshot: %w", err)
	}

	return &snap, nil
}

// CurrentPeriod returns the usage_monthly row covering now
func (r *UsageRepository) CurrentPeriod(ctx context.Context, customerID string) (*models.MonthlyUsage, error) {
	query := `
		SELECT customer_id, tokens_used, tokens_limit, period_start, period_end
		FROM usage_monthly
		WHERE customer_id = $1
		  AND period_start <= now()
		  AND period_end > now()
		ORDER BY period_start DESC
		LIMIT 1
	`

	var usage models.MonthlyUsage
	err := r.db.conn.GetContext(ctx, &usage, query, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	return &usage, nil
}

// FlushUsage writes one metering batch in a single transaction and returns the
// tokens added per customer. Replayed rows are absorbed by the ON CONFLICT
// clauses, and only newly inserted token rows count toward the monthly totals.
func (r *UsageRepository) FlushUsage(ctx context.Context, batch *models.UsageBatch) (map[string]int64, error) {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range batch.SessionStarts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO browser_sessions (id, customer_id, box_id, started_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, s.SessionID, s.CustomerID, nullString(s.BoxID), s.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert session start: %w", err)
		}
	}

	// An end whose start has not been flushed yet still produces a complete row;
	// the late start is then ignored by ON CONFLICT above.
	for _, e := range batch.SessionEnds {
		startedAt := e.EndedAt.Add(-msToDuration(e.DurationMS))
		_, err := tx.ExecContext(ctx, `
			INSERT INTO browser_sessions (id, customer_id, box_id, started_at, ended_at, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET ended_at = EXCLUDED.ended_at, duration_ms = EXCLUDED.duration_ms
		`, e.SessionID, e.CustomerID, nullString(e.BoxID), startedAt, e.EndedAt, e.DurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to record session end: %w", err)
		}
	}

	totals := make(map[string]int64)
	for _, u := range batch.TokenUsage {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO usage_events (customer_id, box_id, model, prompt_tokens, completion_tokens, request_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING
		`, u.CustomerID, u.BoxID, u.Model, u.PromptTokens, u.CompletionTokens, u.RequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert usage event: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			continue
		}
		totals[u.CustomerID] += int64(u.PromptTokens + u.CompletionTokens)
	}

	// Fixed order keeps concurrent flushes from deadlocking on usage_monthly rows.
	customers := make([]string, 0, len(totals))
	for c := range totals {
		customers = append(customers, c)
	}
	sort.Strings(customers)

	for _, customerID := range customers {
		_, err := tx.ExecContext(ctx, `
			UPDATE usage_monthly
			SET tokens_used = tokens_used + $1
			WHERE customer_id = $2
			  AND period_start <= now()
			  AND period_end > now()
		`, totals[customerID], customerID)
		if err != nil {
			return nil, fmt.Errorf("failed to update monthly usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return totals, nil
}
