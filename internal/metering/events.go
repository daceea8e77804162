package metering

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType tags the variants of Event on the wire
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventTokenUsage   EventType = "token_usage"
)

var (
	// ErrUnknownEvent is returned for entries whose kind cannot be determined
	ErrUnknownEvent = errors.New("unknown usage event")

	// ErrMalformedEvent is returned for entries missing a required field
	ErrMalformedEvent = errors.New("malformed usage event")
)

// Event is an immutable usage fact. The concrete type is one of
// SessionStart, SessionEnd or TokenUsage.
type Event interface {
	Type() EventType
	Customer() string
	// Fields returns the flat key/value form appended to the stream
	Fields() map[string]interface{}
	stamp(t time.Time) Event
}

// SessionStart records that a tunnel session was admitted
type SessionStart struct {
	CustomerID string
	BoxID      string
	SessionID  uuid.UUID
	Timestamp  time.Time
}

// SessionEnd records that a tunnel session was torn down
type SessionEnd struct {
	CustomerID string
	BoxID      string
	SessionID  uuid.UUID
	Duration   time.Duration
	Timestamp  time.Time
}

// TokenUsage records the tokens consumed by one chat completion
type TokenUsage struct {
	CustomerID       string
	BoxID            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	RequestID        string
	Timestamp        time.Time
}

func (e SessionStart) Type() EventType { return EventSessionStart }
func (e SessionEnd) Type() EventType   { return EventSessionEnd }
func (e TokenUsage) Type() EventType   { return EventTokenUsage }

func (e SessionStart) Customer() string { return e.CustomerID }
func (e SessionEnd) Customer() string   { return e.CustomerID }
func (e TokenUsage) Customer() string   { return e.CustomerID }

// Total returns prompt plus completion tokens
func (e TokenUsage) Total() int {
	return e.PromptTokens + e.CompletionTokens
}

func (e SessionStart) stamp(t time.Time) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = t
	}
	return e
}

func (e SessionEnd) stamp(t time.Time) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = t
	}
	return e
}

func (e TokenUsage) stamp(t time.Time) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = t
	}
	return e
}

func (e SessionStart) Fields() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  string(EventSessionStart),
		"customer_id": e.CustomerID,
		"box_id":      e.BoxID,
		"session_id":  e.SessionID.String(),
		"timestamp":   formatTimestamp(e.Timestamp),
	}
}

func (e SessionEnd) Fields() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  string(EventSessionEnd),
		"customer_id": e.CustomerID,
		"box_id":      e.BoxID,
		"session_id":  e.SessionID.String(),
		"duration_ms": strconv.FormatInt(e.Duration.Milliseconds(), 10),
		"timestamp":   formatTimestamp(e.Timestamp),
	}
}

func (e TokenUsage) Fields() map[string]interface{} {
	return map[string]interface{}{
		"event_type":        string(EventTokenUsage),
		"customer_id":       e.CustomerID,
		"box_id":            e.BoxID,
		"model":             e.Model,
		"prompt_tokens":     strconv.Itoa(e.PromptTokens),
		"completion_tokens": strconv.Itoa(e.CompletionTokens),
		"request_id":        e.RequestID,
		"timestamp":         formatTimestamp(e.Timestamp),
	}
}

// ParseEvent turns a stream entry back into its Event variant. Entries written
// without event_type but carrying a model are token usage.
func ParseEvent(values map[string]string) (Event, error) {
	customerID := values["customer_id"]
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer_id", ErrMalformedEvent)
	}

	ts, err := parseTimestamp(values["timestamp"])
	if err != nil {
		return nil, err
	}

	kind := EventType(values["event_type"])
	if kind == "" && values["model"] != "" {
		kind = EventTokenUsage
	}

	switch kind {
	case EventSessionStart:
		id, err := uuid.Parse(values["session_id"])
		if err != nil {
			return nil, fmt.Errorf("%w: session_id: %v", ErrMalformedEvent, err)
		}
		return SessionStart{CustomerID: customerID, BoxID: values["box_id"], SessionID: id, Timestamp: ts}, nil

	case EventSessionEnd:
		id, err := uuid.Parse(values["session_id"])
		if err != nil {
			return nil, fmt.Errorf("%w: session_id: %v", ErrMalformedEvent, err)
		}
		ms, err := strconv.ParseInt(values["duration_ms"], 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("%w: duration_ms %q", ErrMalformedEvent, values["duration_ms"])
		}
		return SessionEnd{
			CustomerID: customerID,
			BoxID:      values["box_id"],
			SessionID:  id,
			Duration:   time.Duration(ms) * time.Millisecond,
			Timestamp:  ts,
		}, nil

	case EventTokenUsage:
		prompt, err := parseCount(values, "prompt_tokens")
		if err != nil {
			return nil, err
		}
		completion, err := parseCount(values, "completion_tokens")
		if err != nil {
			return nil, err
		}
		return TokenUsage{
			CustomerID:       customerID,
			BoxID:            values["box_id"],
			Model:            values["model"],
			PromptTokens:     prompt,
			CompletionTokens: completion,
			RequestID:        values["request_id"],
			Timestamp:        ts,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
}

func parseCount(values map[string]string, key string) (int, error) {
	raw := values[key]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedEvent, key, raw)
	}
	return n, nil
}

// Timestamps travel as Unix milliseconds
func formatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedEvent, raw)
	}
	return t.UTC(), nil
}
