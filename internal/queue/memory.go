package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	id     string
	seq    uint64
	values map[string]string
}

// MemoryStream implements Stream as an in-process log with a single consumer group
type MemoryStream struct {
	mu          sync.Mutex
	config      *Config
	entries     []memoryEntry
	seq         uint64
	groupExists bool
	delivered   int               // index of the next never-delivered entry
	pending     map[string]uint64 // entry id -> seq, delivered but not acked
	notify      chan struct{}
	closed      bool
}

// NewMemoryStream creates a new in-memory stream
func NewMemoryStream(config *Config) *MemoryStream {
	if config == nil {
		config = DefaultConfig("memory", "memory-consumers", "memory-worker")
		config.UseRedis = false
	}

	return &MemoryStream{
		config:  config,
		pending: make(map[string]uint64),
		notify:  make(chan struct{}),
	}
}

// Append adds an entry to the log
func (s *MemoryStream) Append(ctx context.Context, values map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStreamClosed
	}

	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, memoryEntry{id: id, seq: s.seq, values: stringValues(values)})

	// Wake blocked readers
	close(s.notify)
	s.notify = make(chan struct{})

	return id, nil
}

// EnsureGroup creates the consumer group; it starts at the beginning of the log
func (s *MemoryStream) EnsureGroup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	s.groupExists = true
	return nil
}

// ReadGroup claims entries for this consumer
func (s *MemoryStream) ReadGroup(ctx context.Context, start string, count int, block time.Duration) ([]Message, error) {
	if start != StartNew {
		return s.readPending(start, count)
	}

	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if !s.groupExists {
			s.mu.Unlock()
			return nil, ErrGroupMissing
		}

		if s.delivered < len(s.entries) {
			end := len(s.entries)
			if count > 0 && s.delivered+count < end {
				end = s.delivered + count
			}
			messages := make([]Message, 0, end-s.delivered)
			for _, e := range s.entries[s.delivered:end] {
				s.pending[e.id] = e.seq
				messages = append(messages, Message{ID: e.id, Values: copyValues(e.values)})
			}
			s.delivered = end
			s.mu.Unlock()
			return messages, nil
		}

		wait := s.notify
		s.mu.Unlock()

		if timer == nil {
			return nil, nil
		}

		select {
		case <-wait:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemoryStream) readPending(start string, count int) ([]Message, error) {
	after, err := parseSeq(start)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if !s.groupExists {
		return nil, ErrGroupMissing
	}

	var messages []Message
	for _, e := range s.entries[:s.delivered] {
		if e.seq <= after {
			continue
		}
		if _, ok := s.pending[e.id]; !ok {
			continue
		}
		messages = append(messages, Message{ID: e.id, Values: copyValues(e.values)})
		if count > 0 && len(messages) >= count {
			break
		}
	}

	return messages, nil
}

// Ack removes entries from the pending set
func (s *MemoryStream) Ack(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	for _, id := range ids {
		delete(s.pending, id)
	}
	return nil
}

// Len returns the number of entries in the log
func (s *MemoryStream) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// Pending returns the number of delivered but unacknowledged entries
func (s *MemoryStream) Pending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

// Close shuts down the stream and wakes blocked readers
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	return nil
}

func parseSeq(id string) (uint64, error) {
	ms, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q", id)
	}
	return seq, nil
}

func copyValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
