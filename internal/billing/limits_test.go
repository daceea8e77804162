package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/storage"
)

type fakeSnapshotStore struct {
	snapshots map[string]*models.UsageSnapshot
	err       error
	calls     int
}

func (f *fakeSnapshotStore) CurrentSnapshot(ctx context.Context, customerID string) (*models.UsageSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.snapshots[customerID]
	if !ok {
		return nil, storage.ErrUsageRecordNotFound
	}
	copied := *snap
	return &copied, nil
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func TestCheckLimits_Thresholds(t *testing.T) {
	tests := []struct {
		name        string
		used, limit int64
		allowed     bool
		warning     bool
	}{
		{"fresh", 0, 1000, true, false},
		{"just below warning", 899, 1000, true, false},
		{"at warning", 900, 1000, true, true},
		{"last token", 999, 1000, true, true},
		{"exhausted", 1000, 1000, false, true},
		{"over", 1200, 1000, false, true},
		{"odd limit floors", 8, 9, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := setupTestRedis(t)
			store := &fakeSnapshotStore{snapshots: map[string]*models.UsageSnapshot{
				"cust": {Used: tt.used, Limit: tt.limit, Tier: "pro"},
			}}

			res, err := NewLimitChecker(client, store, 0).CheckLimits(context.Background(), "cust")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.warning, res.Warning)
			assert.Equal(t, tt.used, res.Used)
			assert.Equal(t, "pro", res.Tier)
		})
	}
}

func TestCheckLimits_CachesSnapshot(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := &fakeSnapshotStore{snapshots: map[string]*models.UsageSnapshot{
		"cust": {Used: 10, Limit: 100, Tier: "starter"},
	}}
	checker := NewLimitChecker(client, store, 0)
	ctx := context.Background()

	_, err := checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)
	_, err = checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, DefaultCacheTTL, mr.TTL("limit:cust"))

	raw, err := mr.Get("limit:cust")
	require.NoError(t, err)
	var cached map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, float64(10), cached["used"])
	assert.Equal(t, float64(100), cached["limit"])
	assert.Equal(t, "starter", cached["tier"])
}

func TestCheckLimits_NoRecordFailsClosed(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := &fakeSnapshotStore{snapshots: map[string]*models.UsageSnapshot{}}
	checker := NewLimitChecker(client, store, 0)

	res, err := checker.CheckLimits(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, TierUnknown, res.Tier)
	assert.False(t, mr.Exists("limit:ghost"))

	// Not cached: a subscription created afterwards is seen on the next call
	store.snapshots["ghost"] = &models.UsageSnapshot{Used: 0, Limit: 50, Tier: "pro"}
	res, err = checker.CheckLimits(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckLimits_StoreError(t *testing.T) {
	_, client := setupTestRedis(t)
	store := &fakeSnapshotStore{err: errors.New("connection refused")}

	_, err := NewLimitChecker(client, store, 0).CheckLimits(context.Background(), "cust")
	assert.Error(t, err)
}

func TestCheckLimits_ExhaustedUntilRefreshed(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := &fakeSnapshotStore{snapshots: map[string]*models.UsageSnapshot{
		"cust": {Used: 100, Limit: 100, Tier: "pro"},
	}}
	checker := NewLimitChecker(client, store, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := checker.CheckLimits(ctx, "cust")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	// The period rolls over in the database; the cached snapshot still denies
	store.snapshots["cust"] = &models.UsageSnapshot{Used: 0, Limit: 100, Tier: "pro"}
	res, err := checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(DefaultCacheTTL + time.Second)

	res, err = checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPatchUsed(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := &fakeSnapshotStore{snapshots: map[string]*models.UsageSnapshot{
		"cust": {Used: 80, Limit: 100, Tier: "pro"},
	}}
	checker := NewLimitChecker(client, store, 0)
	ctx := context.Background()

	res, err := checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	mr.FastForward(20 * time.Second)
	require.NoError(t, checker.PatchUsed(ctx, "cust", 25))

	// TTL is kept, not reset
	assert.Equal(t, 40*time.Second, mr.TTL("limit:cust"))

	res, err = checker.CheckLimits(ctx, "cust")
	require.NoError(t, err)
	assert.Equal(t, int64(105), res.Used)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, store.calls)
}

func TestPatchUsed_AbsentSnapshotStaysAbsent(t *testing.T) {
	mr, client := setupTestRedis(t)
	checker := NewLimitChecker(client, &fakeSnapshotStore{}, 0)

	require.NoError(t, checker.PatchUsed(context.Background(), "cust", 10))
	assert.False(t, mr.Exists("limit:cust"))
}

func TestNoopChecker(t *testing.T) {
	res, err := NoopChecker{}.CheckLimits(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Warning)
}
