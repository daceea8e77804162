package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream implements Stream using Redis Streams
type RedisStream struct {
	client *redis.Client
	config *Config
}

// NewRedisStream creates a Redis-backed stream. The client should not impose a
// read timeout shorter than the block duration used with ReadGroup.
func NewRedisStream(client *redis.Client, config *Config) (*RedisStream, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &RedisStream{
		client: client,
		config: config,
	}, nil
}

// Append adds an entry to the stream
func (s *RedisStream) Append(ctx context.Context, values map[string]interface{}) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the group reading from the start of the stream
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ReadGroup claims entries for this consumer
func (s *RedisStream) ReadGroup(ctx context.Context, start string, count int, block time.Duration) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  []string{s.config.Stream, start},
		Count:    int64(count),
		Block:    -1,
	}
	if start == StartNew && block > 0 {
		args.Block = block
	}

	streams, err := s.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupMissing
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, m := range stream.Messages {
			messages = append(messages, Message{ID: m.ID, Values: stringValues(m.Values)})
		}
	}

	return messages, nil
}

// Ack acknowledges processed entries
func (s *RedisStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.config.Stream, s.config.Group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack stream entries: %w", err)
	}
	return nil
}

// Len returns the stream length
func (s *RedisStream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.config.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get stream length: %w", err)
	}
	return n, nil
}

// Pending returns the size of the group's pending entries list
func (s *RedisStream) Pending(ctx context.Context) (int64, error) {
	res, err := s.client.XPending(ctx, s.config.Stream, s.config.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending entries: %w", err)
	}
	return res.Count, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (s *RedisStream) Close() error {
	return nil
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
