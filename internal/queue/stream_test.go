package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamFactories runs each behaviour test against both backends
func streamFactories(t *testing.T) map[string]func() Stream {
	return map[string]func() Stream{
		"memory": func() Stream {
			return NewMemoryStream(DefaultConfig("test:events", "test-consumers", "test-worker"))
		},
		"redis": func() Stream {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				client.Close()
				mr.Close()
			})

			s, err := NewRedisStream(client, DefaultConfig("test:events", "test-consumers", "test-worker"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStream_AppendReadAck(t *testing.T) {
	for name, factory := range streamFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.EnsureGroup(ctx))
			require.NoError(t, s.EnsureGroup(ctx), "EnsureGroup must be idempotent")

			for _, customer := range []string{"a", "b", "c"} {
				_, err := s.Append(ctx, map[string]interface{}{"customer_id": customer, "duration_ms": 42})
				require.NoError(t, err)
			}

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			msgs, err := s.ReadGroup(ctx, StartNew, 10, 10*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "a", msgs[0].Values["customer_id"])
			assert.Equal(t, "c", msgs[2].Values["customer_id"])
			assert.Equal(t, "42", msgs[0].Values["duration_ms"])

			pending, err := s.Pending(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), pending)

			require.NoError(t, s.Ack(ctx, msgs[0].ID, msgs[1].ID, msgs[2].ID))

			pending, err = s.Pending(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), pending)

			// Nothing new: the read times out empty
			msgs, err = s.ReadGroup(ctx, StartNew, 10, 10*time.Millisecond)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestStream_CountLimitsDelivery(t *testing.T) {
	for name, factory := range streamFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			require.NoError(t, s.EnsureGroup(ctx))

			for i := 0; i < 5; i++ {
				_, err := s.Append(ctx, map[string]interface{}{"i": i})
				require.NoError(t, err)
			}

			first, err := s.ReadGroup(ctx, StartNew, 2, 10*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, first, 2)
			assert.Equal(t, "0", first[0].Values["i"])

			rest, err := s.ReadGroup(ctx, StartNew, 10, 10*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, rest, 3)
			assert.Equal(t, "2", rest[0].Values["i"])
		})
	}
}

func TestStream_UnackedEntriesAreRedelivered(t *testing.T) {
	for name, factory := range streamFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			require.NoError(t, s.EnsureGroup(ctx))

			for i := 0; i < 3; i++ {
				_, err := s.Append(ctx, map[string]interface{}{"i": i})
				require.NoError(t, err)
			}

			delivered, err := s.ReadGroup(ctx, StartNew, 10, 10*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, delivered, 3)

			// Only the first is processed successfully
			require.NoError(t, s.Ack(ctx, delivered[0].ID))

			redelivered, err := s.ReadGroup(ctx, StartPending, 10, 0)
			require.NoError(t, err)
			require.Len(t, redelivered, 2)
			assert.Equal(t, delivered[1].ID, redelivered[0].ID)
			assert.Equal(t, delivered[2].ID, redelivered[1].ID)

			// Paging through the pending list by id
			after, err := s.ReadGroup(ctx, redelivered[1].ID, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, after)
		})
	}
}

func TestStream_BlockingReadWakesOnAppend(t *testing.T) {
	for name, factory := range streamFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			require.NoError(t, s.EnsureGroup(ctx))

			go func() {
				time.Sleep(30 * time.Millisecond)
				_, _ = s.Append(context.Background(), map[string]interface{}{"late": "yes"})
			}()

			msgs, err := s.ReadGroup(ctx, StartNew, 10, 2*time.Second)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "yes", msgs[0].Values["late"])
		})
	}
}

func TestMemoryStream_ReadBeforeGroup(t *testing.T) {
	s := NewMemoryStream(nil)
	_, err := s.ReadGroup(context.Background(), StartNew, 1, 0)
	assert.ErrorIs(t, err, ErrGroupMissing)
}

func TestMemoryStream_CloseUnblocksReaders(t *testing.T) {
	s := NewMemoryStream(nil)
	require.NoError(t, s.EnsureGroup(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadGroup(context.Background(), StartNew, 1, time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not released by Close")
	}

	_, err := s.Append(context.Background(), map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestMemoryStream_ContextCancelUnblocksReaders(t *testing.T) {
	s := NewMemoryStream(nil)
	require.NoError(t, s.EnsureGroup(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.ReadGroup(ctx, StartNew, 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
