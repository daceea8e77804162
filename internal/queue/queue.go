package queue

import (
	"context"
	"time"
)

// Package queue provides the durable, ordered, append-only log usage events
// travel through, with consumer-group semantics and two backends:
//
// 1. Redis Streams (XADD / XREADGROUP / XACK):
//    - Persistent across restarts
//    - Each entry is claimed by exactly one member of the consumer group
//    - Unacknowledged entries stay pending and are re-read after a failure
//
// 2. Memory stream (in-process log):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//    - Same claim / ack / redelivery behaviour for standalone runs and tests
//
// Flow:
//
//	┌─────────────┐  Append   ┌──────────────┐  ReadGroup  ┌──────────────┐
//	│   Relay     │ ────────► │    Stream    │ ──────────► │   Consumer   │
//	│  (emitter)  │           │  (pending)   │ ◄────────── │   (batches)  │
//	└─────────────┘           └──────────────┘  Ack after  └──────┬───────┘
//	                                             commit           │
//	                                                              ▼
//	                                                       ┌──────────────┐
//	                                                       │   Postgres   │
//	                                                       └──────────────┘

const (
	// StartNew reads entries never delivered to any group member
	StartNew = ">"

	// StartPending reads this consumer's delivered but unacknowledged entries
	StartPending = "0"
)

// Message is one stream entry
type Message struct {
	ID     string
	Values map[string]string
}

// Stream defines the interface of a consumer-group log
type Stream interface {
	// Append adds an entry and returns its id
	Append(ctx context.Context, values map[string]interface{}) (string, error)

	// EnsureGroup creates the consumer group (and the stream) if missing
	EnsureGroup(ctx context.Context) error

	// ReadGroup claims up to count entries after start for this consumer.
	// With StartNew it blocks up to block when nothing is available;
	// any other start returns this consumer's pending entries after that id.
	ReadGroup(ctx context.Context, start string, count int, block time.Duration) ([]Message, error)

	// Ack removes entries from the group's pending set
	Ack(ctx context.Context, ids ...string) error

	// Len returns the number of entries in the stream
	Len(ctx context.Context) (int64, error)

	// Pending returns the number of delivered but unacknowledged entries
	Pending(ctx context.Context) (int64, error)

	// Close shuts down the stream
	Close() error
}

// Config holds stream configuration
type Config struct {
	// Stream is the stream key
	Stream string

	// Group is the consumer group name
	Group string

	// Consumer is this process's name within the group
	Consumer string

	// UseRedis indicates whether to use Redis Streams or the in-memory log
	UseRedis bool
}

// DefaultConfig returns default stream configuration
func DefaultConfig(stream, group, consumer string) *Config {
	return &Config{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		UseRedis: true,
	}
}
