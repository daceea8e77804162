package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// BrowserSession is one row of browser_sessions.
type BrowserSession struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	CustomerID string         `db:"customer_id" json:"-"`
	BoxID      sql.NullString `db:"box_id" json:"-"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	EndedAt    *time.Time     `db:"ended_at" json:"ended_at"`
	DurationMS *int64         `db:"duration_ms" json:"duration_ms"`
}

// MonthlyUsage is the running token total of a customer for one billing period.
type MonthlyUsage struct {
	CustomerID  string    `db:"customer_id"`
	TokensUsed  int64     `db:"tokens_used"`
	TokensLimit int64     `db:"tokens_limit"`
	PeriodStart time.Time `db:"period_start"`
	PeriodEnd   time.Time `db:"period_end"`
}

// Remaining returns how many tokens are left in the period, never negative.
func (m *MonthlyUsage) Remaining() int64 {
	if m.TokensUsed >= m.TokensLimit {
		return 0
	}
	return m.TokensLimit - m.TokensUsed
}

// UsageSnapshot is what the monthly gate reads: usage joined with the active subscription tier.
type UsageSnapshot struct {
	Used  int64  `db:"tokens_used" json:"used"`
	Limit int64  `db:"tokens_limit" json:"limit"`
	Tier  string `db:"tier" json:"tier"`
}

// TokenUsageRow is one row of usage_events.
type TokenUsageRow struct {
	CustomerID       string         `db:"customer_id"`
	BoxID            sql.NullString `db:"box_id"`
	Model            string         `db:"model"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	RequestID        string         `db:"request_id"`
}

// SessionStartRow opens a browser_sessions row.
type SessionStartRow struct {
	SessionID  uuid.UUID
	CustomerID string
	BoxID      string
	StartedAt  time.Time
}

// SessionEndRow closes a browser_sessions row.
type SessionEndRow struct {
	SessionID  uuid.UUID
	CustomerID string
	BoxID      string
	EndedAt    time.Time
	DurationMS int64
}

// UsageBatch is everything one metering flush writes in a single transaction.
// Rows keep the order in which their events were read from the stream.
type UsageBatch struct {
	SessionStarts []SessionStartRow
	SessionEnds   []SessionEndRow
	TokenUsage    []TokenUsageRow
}

// IsEmpty reports whether the batch has nothing to write.
func (b *UsageBatch) IsEmpty() bool {
	return len(b.SessionStarts) == 0 && len(b.SessionEnds) == 0 && len(b.TokenUsage) == 0
}
