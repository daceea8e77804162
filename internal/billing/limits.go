package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/storage"
	"openclaw_proxy/internal/utils"
)

const (
	// KeyPrefix namespaces cached usage snapshots
	KeyPrefix = "limit:"

	// DefaultCacheTTL is how long a snapshot is trusted before re-reading Postgres
	DefaultCacheTTL = 60 * time.Second

	// TierUnknown marks customers without an active subscription in the current period
	TierUnknown = "unknown"

	// warningRatio is the share of the limit from which responses carry a warning
	warningRatio = 0.9

	patchRetries = 3
)

// LimitResult is the outcome of a monthly usage check
type LimitResult struct {
	Allowed bool   `json:"allowed"`
	Warning bool   `json:"warning"`
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
	Tier    string `json:"tier"`
}

// Checker enforces monthly token budgets
type Checker interface {
	CheckLimits(ctx context.Context, customerID string) (*LimitResult, error)
}

// SnapshotStore reads the current-period usage of a customer.
// *storage.UsageRepository satisfies it.
type SnapshotStore interface {
	CurrentSnapshot(ctx context.Context, customerID string) (*models.UsageSnapshot, error)
}

// NoopChecker allows every customer. Used when budgets are not enforced.
type NoopChecker struct{}

func (NoopChecker) CheckLimits(ctx context.Context, customerID string) (*LimitResult, error) {
	return &LimitResult{Allowed: true, Tier: TierUnknown}, nil
}

// LimitChecker evaluates monthly budgets from a Redis-cached snapshot of usage_monthly
type LimitChecker struct {
	redis  *redis.Client
	store  SnapshotStore
	ttl    time.Duration
	logger *utils.Logger
}

// NewLimitChecker creates a new checker caching snapshots for ttl
func NewLimitChecker(client *redis.Client, store SnapshotStore, ttl time.Duration) *LimitChecker {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LimitChecker{
		redis:  client,
		store:  store,
		ttl:    ttl,
		logger: utils.NewLogger("billing"),
	}
}

// CheckLimits reports whether customerID may spend more tokens this period.
// A customer without a usage row is denied and the denial is not cached.
func (c *LimitChecker) CheckLimits(ctx context.Context, customerID string) (*LimitResult, error) {
	key := KeyPrefix + customerID

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var snap models.UsageSnapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			return evaluate(&snap), nil
		}
		c.logger.Warn("Discarding malformed usage snapshot", "customer_id", customerID)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("Usage snapshot read failed, falling back to database", "error", err)
	}

	snap, err := c.store.CurrentSnapshot(ctx, customerID)
	if errors.Is(err, storage.ErrUsageRecordNotFound) {
		return &LimitResult{Allowed: false, Tier: TierUnknown}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage snapshot: %w", err)
	}

	data, err := json.Marshal(snap)
	if err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to cache usage snapshot", "customer_id", customerID, "error", err)
		}
	}

	return evaluate(snap), nil
}

// PatchUsed adds delta to a cached snapshot without touching its TTL, so the
// next check sees a just-flushed total. Absent snapshots are left absent.
func (c *LimitChecker) PatchUsed(ctx context.Context, customerID string, delta int64) error {
	key := KeyPrefix + customerID

	patch := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var snap models.UsageSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			// A malformed entry is dropped and reloaded on the next check
			return tx.Del(ctx, key).Err()
		}
		snap.Used += delta

		data, err := json.Marshal(&snap)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < patchRetries; i++ {
		err := c.redis.Watch(ctx, patch, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to patch usage snapshot: %w", err)
		}
		return nil
	}

	// Still contended: drop the snapshot so the next check reloads it
	if err := c.Invalidate(ctx, customerID); err != nil {
		return fmt.Errorf("failed to invalidate usage snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot of customerID
func (c *LimitChecker) Invalidate(ctx context.Context, customerID string) error {
	return c.redis.Del(ctx, KeyPrefix+customerID).Err()
}

func evaluate(snap *models.UsageSnapshot) *LimitResult {
	threshold := int64(float64(snap.Limit) * warningRatio)
	return &LimitResult{
		Allowed: snap.Used < snap.Limit,
		Warning: snap.Used >= threshold,
		Used:    snap.Used,
		Limit:   snap.Limit,
		Tier:    snap.Tier,
	}
}
