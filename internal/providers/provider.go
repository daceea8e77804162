package providers

import (
	"context"
	"encoding/json"
	"errors"
)

// Roles of canonical messages
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Content block types
const (
	BlockText     = "text"
	BlockImage    = "image"
	BlockToolCall = "toolCall"
)

// ContentBlock is one ordered piece of a message
type ContentBlock struct {
	Type string

	// BlockText
	Text string

	// BlockImage
	URL string

	// BlockToolCall
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is a canonical conversation turn. Tool results carry the id of the
// call they answer.
type Message struct {
	Role       string
	Content    []ContentBlock
	ToolCallID string
}

// Tool is a function the model may call
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Context is the provider-neutral chat request
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
}

// StopReason says why the model stopped producing output
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonError   StopReason = "error"
)

// Usage counts tokens for one completion
type Usage struct {
	Input  int
	Output int
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.Input + u.Output
}

// AssistantMessage is the completed model output carried by the done event
type AssistantMessage struct {
	Content    []ContentBlock
	Usage      Usage
	Model      string
	StopReason StopReason
}

// EventType identifies a streaming event
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolCallStart EventType = "toolcall_start"
	EventToolCallDelta EventType = "toolcall_delta"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// ToolCall identifies the call opened by a toolcall_start event
type ToolCall struct {
	ID   string
	Name string
}

// Event is one step of a streamed completion. ContentIndex is the position of
// the block the event belongs to in the assistant message being built.
type Event struct {
	Type         EventType
	ContentIndex int
	Delta        string
	ToolCall     *ToolCall
	Message      *AssistantMessage
	Err          error
}

// EventStream yields events until a done or error event, then io.EOF.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// Provider invokes an upstream model
type Provider interface {
	// Stream starts a completion. An error here means nothing was produced.
	Stream(ctx context.Context, c *Context) (EventStream, error)

	// Model returns the model id reported when the upstream omits one
	Model() string

	Close() error
}

// ErrUpstreamStatus is wrapped by Stream when the upstream rejects the request
var ErrUpstreamStatus = errors.New("upstream returned an error status")
