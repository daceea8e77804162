package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"openclaw_proxy/internal/providers"
)

// ChatCompletion is the non-streaming response body
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
}

type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type CompletionMessage struct {
	Role      string        `json:"role"`
	Content   *string       `json:"content"`
	ToolCalls []ToolCallOut `json:"tool_calls,omitempty"`
}

// ToolCallOut is a tool call in a response. Index is set only in stream chunks.
type ToolCallOut struct {
	Index    *int        `json:"index,omitempty"`
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Function FunctionOut `json:"function"`
}

type FunctionOut struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one server-sent event frame
type ChatCompletionChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ChunkChoice    `json:"choices"`
	Usage   *CompletionUsage `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []ToolCallOut `json:"tool_calls,omitempty"`
}

// ErrIncompleteStream is returned when the upstream ends without a done event
var ErrIncompleteStream = errors.New("upstream stream ended without completion")

// NewRequestID returns "chatcmpl-" followed by 24 hex characters
func NewRequestID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// FinishReason maps a stop reason onto the OpenAI finish_reason vocabulary
func FinishReason(reason providers.StopReason) string {
	switch reason {
	case providers.StopReasonToolUse:
		return "tool_calls"
	case providers.StopReasonLength:
		return "length"
	default:
		return "stop"
	}
}

func usageOf(u providers.Usage) CompletionUsage {
	return CompletionUsage{PromptTokens: u.Input, CompletionTokens: u.Output, TotalTokens: u.Total()}
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// Completion folds a whole event stream into one response
type Completion struct {
	text      strings.Builder
	toolCalls map[int]*pendingToolCall
	done      *providers.AssistantMessage
}

// Collect reads stream to the end. An error event or a stream without a done
// event is an error.
func Collect(stream providers.EventStream) (*Completion, error) {
	c := &Completion{toolCalls: make(map[int]*pendingToolCall)}

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case providers.EventTextDelta:
			c.text.WriteString(ev.Delta)
		case providers.EventToolCallStart:
			tc := c.toolCall(ev.ContentIndex)
			if ev.ToolCall != nil {
				tc.id = ev.ToolCall.ID
				tc.name = ev.ToolCall.Name
			}
		case providers.EventToolCallDelta:
			c.toolCall(ev.ContentIndex).args.WriteString(ev.Delta)
		case providers.EventDone:
			c.done = ev.Message
		case providers.EventError:
			return nil, upstreamErr(ev.Err)
		}
	}

	if c.done == nil {
		return nil, ErrIncompleteStream
	}
	return c, nil
}

func (c *Completion) toolCall(contentIndex int) *pendingToolCall {
	tc, ok := c.toolCalls[contentIndex]
	if !ok {
		tc = &pendingToolCall{}
		c.toolCalls[contentIndex] = tc
	}
	return tc
}

// Response renders the folded completion
func (c *Completion) Response(id, fallbackModel string, created int64) *ChatCompletion {
	model := c.done.Model
	if model == "" {
		model = fallbackModel
	}

	msg := CompletionMessage{Role: "assistant"}

	indexes := make([]int, 0, len(c.toolCalls))
	for ci := range c.toolCalls {
		indexes = append(indexes, ci)
	}
	sort.Ints(indexes)

	for _, ci := range indexes {
		tc := c.toolCalls[ci]
		msg.ToolCalls = append(msg.ToolCalls, ToolCallOut{
			ID:       tc.id,
			Type:     "function",
			Function: FunctionOut{Name: tc.name, Arguments: normalizeArguments(tc.args.String())},
		})
	}

	if text := c.text.String(); text != "" || len(msg.ToolCalls) == 0 {
		msg.Content = &text
	}

	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReason(c.done.StopReason),
		}},
		Usage: usageOf(c.done.Usage),
	}
}

// Usage returns the token counts reported by the done event
func (c *Completion) Usage() providers.Usage {
	return c.done.Usage
}

// normalizeArguments re-serializes streamed argument text, falling back to {}
func normalizeArguments(raw string) string {
	args := parseArguments(json.RawMessage(raw))
	out, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func upstreamErr(err error) error {
	if err == nil {
		return errors.New("upstream error")
	}
	return fmt.Errorf("upstream error: %w", err)
}
