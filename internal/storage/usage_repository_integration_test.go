package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclaw_proxy/internal/models"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS proxy_tokens (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	box_id TEXT,
	token_hash TEXT NOT NULL,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS browser_sessions (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	box_id TEXT,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at TIMESTAMPTZ,
	duration_ms BIGINT
);
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	customer_id TEXT NOT NULL,
	box_id TEXT,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	request_id TEXT UNIQUE
);
CREATE TABLE IF NOT EXISTS usage_monthly (
	customer_id TEXT NOT NULL,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	tokens_limit BIGINT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	customer_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	status TEXT NOT NULL
);
`

// skipIfNoDatabase skips the test if DATABASE_URL is not set
func skipIfNoDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
}

// setupTestDB connects to the test database and makes sure the tables exist
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultDBConfig()
	cfg.DSN = os.Getenv("DATABASE_URL")

	db, err := NewDB(cfg)
	require.NoError(t, err)

	_, err = db.Conn().Exec(testSchema)
	require.NoError(t, err)

	return db
}

func cleanupCustomer(t *testing.T, db *DB, customerID string) {
	for _, table := range []string{"proxy_tokens", "browser_sessions", "usage_events", "usage_monthly", "subscriptions"} {
		_, _ = db.Conn().Exec("DELETE FROM "+table+" WHERE customer_id = $1", customerID)
	}
}

func seedPeriod(t *testing.T, db *DB, customerID string, used, limit int64, status string) {
	_, err := db.Conn().Exec(`
		INSERT INTO usage_monthly (customer_id, tokens_used, tokens_limit, period_start, period_end)
		VALUES ($1, $2, $3, now() - interval '1 day', now() + interval '29 days')
	`, customerID, used, limit)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO subscriptions (customer_id, tier, status) VALUES ($1, 'pro', $2)`, customerID, status)
	require.NoError(t, err)
}

func TestFlushUsage_DuplicateSessionStartIsIgnored(t *testing.T) {
	skipIfNoDatabase(t)

	db := setupTestDB(t)
	defer db.Close()

	customerID := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, customerID)

	repo := NewUsageRepository(db)
	ctx := context.Background()
	start := models.SessionStartRow{SessionID: uuid.New(), CustomerID: customerID, StartedAt: time.Now()}

	_, err := repo.FlushUsage(ctx, &models.UsageBatch{SessionStarts: []models.SessionStartRow{start}})
	require.NoError(t, err)
	_, err = repo.FlushUsage(ctx, &models.UsageBatch{SessionStarts: []models.SessionStartRow{start, start}})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().Get(&count, "SELECT COUNT(*) FROM browser_sessions WHERE id = $1", start.SessionID))
	assert.Equal(t, 1, count)
}

func TestFlushUsage_SessionEndInLaterBatch(t *testing.T) {
	skipIfNoDatabase(t)

	db := setupTestDB(t)
	defer db.Close()

	customerID := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, customerID)

	repo := NewUsageRepository(db)
	sessions := NewSessionRepository(db)
	ctx := context.Background()
	id := uuid.New()
	startedAt := time.Now().Add(-3 * time.Second)

	_, err := repo.FlushUsage(ctx, &models.UsageBatch{
		SessionStarts: []models.SessionStartRow{{SessionID: id, CustomerID: customerID, StartedAt: startedAt}},
	})
	require.NoError(t, err)

	active, err := sessions.ActiveCount(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	_, err = repo.FlushUsage(ctx, &models.UsageBatch{
		SessionEnds: []models.SessionEndRow{{SessionID: id, CustomerID: customerID, EndedAt: time.Now(), DurationMS: 3000}},
	})
	require.NoError(t, err)

	recent, err := sessions.Recent(ctx, customerID, 20)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].DurationMS)
	assert.Equal(t, int64(3000), *recent[0].DurationMS)
	assert.NotNil(t, recent[0].EndedAt)

	active, err = sessions.ActiveCount(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestFlushUsage_TokenTotalsAreNotDoubleCounted(t *testing.T) {
	skipIfNoDatabase(t)

	db := setupTestDB(t)
	defer db.Close()

	customerID := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, customerID)
	seedPeriod(t, db, customerID, 0, 1000, "active")

	repo := NewUsageRepository(db)
	ctx := context.Background()
	batch := &models.UsageBatch{TokenUsage: []models.TokenUsageRow{{
		CustomerID: customerID, Model: "k2p5", PromptTokens: 10, CompletionTokens: 5, RequestID: "chatcmpl-" + uuid.NewString(),
	}}}

	totals, err := repo.FlushUsage(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(15), totals[customerID])

	// Redelivery of the same event
	totals, err = repo.FlushUsage(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals[customerID])

	usage, err := repo.CurrentPeriod(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), usage.TokensUsed)
}

func TestCurrentSnapshot_RequiresActiveSubscription(t *testing.T) {
	skipIfNoDatabase(t)

	db := setupTestDB(t)
	defer db.Close()

	repo := NewUsageRepository(db)
	ctx := context.Background()

	active := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, active)
	seedPeriod(t, db, active, 100, 1000, "active")

	snap, err := repo.CurrentSnapshot(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Used)
	assert.Equal(t, int64(1000), snap.Limit)
	assert.Equal(t, "pro", snap.Tier)

	cancelled := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, cancelled)
	seedPeriod(t, db, cancelled, 0, 1000, "cancelled")

	_, err = repo.CurrentSnapshot(ctx, cancelled)
	assert.ErrorIs(t, err, ErrUsageRecordNotFound)
}

func TestCredentialRepository_RevokeIsTerminal(t *testing.T) {
	skipIfNoDatabase(t)

	db := setupTestDB(t)
	defer db.Close()

	customerID := "test-" + uuid.NewString()
	defer cleanupCustomer(t, db, customerID)

	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred, err := repo.Create(ctx, customerID, "box-1", "$2a$10$notarealhash")
	require.NoError(t, err)

	listed, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.True(t, containsCredential(listed, cred.ID))

	owner, err := repo.Revoke(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, customerID, owner)

	_, err = repo.Revoke(ctx, cred.ID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	listed, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.False(t, containsCredential(listed, cred.ID))
}

func containsCredential(creds []models.Credential, id uuid.UUID) bool {
	for _, c := range creds {
		if c.ID == id {
			return true
		}
	}
	return false
}
