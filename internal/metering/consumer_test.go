package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/queue"
)

// fakeStore mimics the idempotent flush: duplicate session ids and request ids are ignored
type fakeStore struct {
	mu       sync.Mutex
	failures int
	flushes  int
	sessions map[uuid.UUID]*models.SessionEndRow
	requests map[string]bool
	totals   map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*models.SessionEndRow),
		requests: make(map[string]bool),
		totals:   make(map[string]int64),
	}
}

func (f *fakeStore) FlushUsage(ctx context.Context, batch *models.UsageBatch) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return nil, errors.New("deadlock detected")
	}
	f.flushes++

	for _, s := range batch.SessionStarts {
		if _, ok := f.sessions[s.SessionID]; !ok {
			f.sessions[s.SessionID] = &models.SessionEndRow{SessionID: s.SessionID, CustomerID: s.CustomerID}
		}
	}
	for _, e := range batch.SessionEnds {
		end := e
		f.sessions[e.SessionID] = &end
	}

	added := make(map[string]int64)
	for _, u := range batch.TokenUsage {
		if f.requests[u.RequestID] {
			continue
		}
		f.requests[u.RequestID] = true
		added[u.CustomerID] += int64(u.PromptTokens + u.CompletionTokens)
		f.totals[u.CustomerID] += int64(u.PromptTokens + u.CompletionTokens)
	}
	return added, nil
}

func (f *fakeStore) snapshot() (int, int, map[string]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals := make(map[string]int64, len(f.totals))
	for k, v := range f.totals {
		totals[k] = v
	}
	return f.flushes, len(f.sessions), totals
}

func (f *fakeStore) session(id uuid.UUID) *models.SessionEndRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

type recordingPatcher struct {
	mu      sync.Mutex
	patches map[string]int64
}

func (p *recordingPatcher) PatchUsed(ctx context.Context, customerID string, delta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.patches == nil {
		p.patches = make(map[string]int64)
	}
	p.patches[customerID] += delta
	return nil
}

func (p *recordingPatcher) get(customerID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patches[customerID]
}

func newTestConsumer(stream queue.Stream, store UsageStore, patcher LimitPatcher, batchSize int) *Consumer {
	c := NewConsumer(stream, store, patcher, ConsumerConfig{BatchSize: batchSize, FlushInterval: 20 * time.Millisecond}, nil, "test-worker")
	c.backoff = 10 * time.Millisecond
	return c
}

func appendEvent(t *testing.T, stream queue.Stream, e Event) {
	_, err := stream.Append(context.Background(), e.stamp(time.Now()).Fields())
	require.NoError(t, err)
}

func TestConsumer_FlushesAndAcks(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()
	patcher := &recordingPatcher{}

	c := newTestConsumer(stream, store, patcher, 100)
	c.Start(context.Background())
	defer c.Stop()

	id := uuid.New()
	appendEvent(t, stream, SessionStart{CustomerID: "c1", SessionID: id})
	appendEvent(t, stream, SessionEnd{CustomerID: "c1", SessionID: id, Duration: 2 * time.Second})
	appendEvent(t, stream, TokenUsage{CustomerID: "c2", Model: "k2p5", PromptTokens: 10, CompletionTokens: 5, RequestID: "r1"})

	require.Eventually(t, func() bool {
		pending, _ := stream.Pending(context.Background())
		_, sessions, totals := store.snapshot()
		return pending == 0 && sessions == 1 && totals["c2"] == 15
	}, 2*time.Second, 10*time.Millisecond)

	end := store.session(id)
	require.NotNil(t, end)
	assert.Equal(t, int64(2000), end.DurationMS)

	assert.Eventually(t, func() bool { return patcher.get("c2") == 15 }, time.Second, 10*time.Millisecond)
}

func TestConsumer_FlushesAtBatchSize(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()

	c := NewConsumer(stream, store, nil, ConsumerConfig{BatchSize: 3, FlushInterval: time.Hour}, nil, "")
	c.Start(context.Background())
	defer c.Stop()

	for i := 0; i < 3; i++ {
		appendEvent(t, stream, TokenUsage{CustomerID: "c1", Model: "m", PromptTokens: 1, RequestID: uuid.NewString()})
	}

	require.Eventually(t, func() bool {
		_, _, totals := store.snapshot()
		return totals["c1"] == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_FailedFlushIsRedelivered(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()
	store.failures = 2

	c := newTestConsumer(stream, store, nil, 100)
	c.Start(context.Background())
	defer c.Stop()

	id := uuid.New()
	appendEvent(t, stream, SessionStart{CustomerID: "c1", SessionID: id})
	appendEvent(t, stream, TokenUsage{CustomerID: "c1", Model: "m", PromptTokens: 4, CompletionTokens: 6, RequestID: "r1"})

	require.Eventually(t, func() bool {
		pending, _ := stream.Pending(context.Background())
		flushes, sessions, totals := store.snapshot()
		return pending == 0 && flushes >= 1 && sessions == 1 && totals["c1"] == 10
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumer_DuplicateStartYieldsOneSession(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()

	c := newTestConsumer(stream, store, nil, 100)
	c.Start(context.Background())
	defer c.Stop()

	start := SessionStart{CustomerID: "c1", SessionID: uuid.New()}
	appendEvent(t, stream, start)
	appendEvent(t, stream, start)

	require.Eventually(t, func() bool {
		pending, _ := stream.Pending(context.Background())
		n, _ := stream.Len(context.Background())
		return n == 2 && pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, sessions, _ := store.snapshot()
	assert.Equal(t, 1, sessions)
}

func TestConsumer_UndecodableEntriesAreAcked(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()

	c := newTestConsumer(stream, store, nil, 100)
	c.Start(context.Background())
	defer c.Stop()

	_, err := stream.Append(context.Background(), map[string]interface{}{"garbage": "yes"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, _ := stream.Pending(context.Background())
		n, _ := stream.Len(context.Background())
		return n == 1 && pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_StopFlushesPartialBatch(t *testing.T) {
	stream := queue.NewMemoryStream(nil)
	store := newFakeStore()

	c := NewConsumer(stream, store, nil, ConsumerConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, "")
	c.Start(context.Background())

	appendEvent(t, stream, TokenUsage{CustomerID: "c1", Model: "m", PromptTokens: 2, RequestID: "r1"})

	require.Eventually(t, func() bool {
		pending, _ := stream.Pending(context.Background())
		return pending == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())

	_, _, totals := store.snapshot()
	assert.Equal(t, int64(2), totals["c1"])
	pending, err := stream.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestConsumer_RedisStream(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stream, err := queue.NewRedisStream(client, queue.DefaultConfig("browser-usage:events", "browser-consumers", "browser-worker"))
	require.NoError(t, err)

	store := newFakeStore()
	c := newTestConsumer(stream, store, nil, 100)
	c.Start(context.Background())
	defer c.Stop()

	id := uuid.New()
	e := NewEmitter(stream, nil)
	e.Emit(SessionStart{CustomerID: "c1", SessionID: id})
	e.Emit(SessionEnd{CustomerID: "c1", SessionID: id, Duration: 1500 * time.Millisecond})
	e.Close()

	require.Eventually(t, func() bool {
		row := store.session(id)
		return row != nil && row.DurationMS == 1500
	}, 3*time.Second, 20*time.Millisecond)
}
