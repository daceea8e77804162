package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIDefaultBaseURL = "https://api.moonshot.ai/v1"
	openAITimeout        = 5 * time.Minute
	maxErrorBody         = 4096
)

// OpenAIConfig configures an OpenAI-compatible upstream
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAICompatibleProvider streams completions from any endpoint speaking the
// OpenAI chat completions API, converting its chunks into Events.
type OpenAICompatibleProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAICompatibleProvider creates a new provider instance
func NewOpenAICompatibleProvider(config OpenAIConfig) (*OpenAICompatibleProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required for OpenAI-compatible provider")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model is required for OpenAI-compatible provider")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = openAITimeout
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAICompatibleProvider{
		apiKey:  config.APIKey,
		model:   config.Model,
		baseURL: baseURL,
		client:  client,
	}, nil
}

// Model returns the configured model id
func (p *OpenAICompatibleProvider) Model() string {
	return p.model
}

// Stream sends a streaming chat completion request
func (p *OpenAICompatibleProvider) Stream(ctx context.Context, c *Context) (EventStream, error) {
	body, err := json.Marshal(p.buildRequest(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status=%d, body=%s", ErrUpstreamStatus, resp.StatusCode, string(respBody))
	}

	return newOpenAIStream(resp.Body, p.model), nil
}

// Close cleans up resources
func (p *OpenAICompatibleProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Tools         []openAITool         `json:"tools,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (p *OpenAICompatibleProvider) buildRequest(c *Context) openAIRequest {
	req := openAIRequest{
		Model:         p.model,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	}

	if c.SystemPrompt != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: c.SystemPrompt})
	}

	for _, m := range c.Messages {
		switch m.Role {
		case RoleToolResult:
			req.Messages = append(req.Messages, openAIMessage{
				Role:       "tool",
				Content:    joinText(m.Content),
				ToolCallID: m.ToolCallID,
			})
		case RoleAssistant:
			msg := openAIMessage{Role: "assistant"}
			if text := joinText(m.Content); text != "" {
				msg.Content = text
			}
			for _, b := range m.Content {
				if b.Type != BlockToolCall {
					continue
				}
				args, err := json.Marshal(b.Arguments)
				if err != nil || b.Arguments == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: b.Name, Arguments: string(args)},
				})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: userContent(m.Content)})
		}
	}

	for _, t := range c.Tools {
		req.Tools = append(req.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	return req
}

// userContent keeps plain-text turns as a string and sends anything else as parts
func userContent(blocks []ContentBlock) any {
	if len(blocks) == 1 && blocks[0].Type == BlockText {
		return blocks[0].Text
	}

	parts := make([]openAIPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, openAIPart{Type: "text", Text: b.Text})
		case BlockImage:
			parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: b.URL}})
		}
	}
	return parts
}

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

type openAIChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// openAIStream folds chunks into an AssistantMessage while queueing the
// events each chunk produces
type openAIStream struct {
	reader   *StreamReader
	model    string
	queue    []Event
	finished bool

	message   AssistantMessage
	textIndex int
	toolIndex map[int]int
	args      map[int]*strings.Builder
}

func newOpenAIStream(body io.ReadCloser, model string) *openAIStream {
	return &openAIStream{
		reader:    NewStreamReader(body),
		model:     model,
		textIndex: -1,
		toolIndex: make(map[int]int),
		args:      make(map[int]*strings.Builder),
		message:   AssistantMessage{Model: model, StopReason: StopReasonStop},
	}
}

func (s *openAIStream) Recv() (Event, error) {
	for len(s.queue) == 0 {
		if s.finished {
			return Event{}, io.EOF
		}
		s.advance()
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *openAIStream) Close() error {
	return s.reader.Close()
}

func (s *openAIStream) advance() {
	ev, err := s.reader.Read()
	if errors.Is(err, io.EOF) || (ev != nil && ev.Done) {
		s.finish()
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("failed to read stream: %w", err))
		return
	}

	var chunk openAIChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		s.fail(fmt.Errorf("malformed stream chunk: %w", err))
		return
	}
	s.apply(&chunk)
}

func (s *openAIStream) apply(chunk *openAIChunk) {
	if chunk.Error != nil {
		s.fail(errors.New(chunk.Error.Message))
		return
	}
	if chunk.Model != "" {
		s.message.Model = chunk.Model
	}
	if chunk.Usage != nil {
		s.message.Usage = Usage{Input: chunk.Usage.PromptTokens, Output: chunk.Usage.CompletionTokens}
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if s.textIndex < 0 {
				s.message.Content = append(s.message.Content, ContentBlock{Type: BlockText})
				s.textIndex = len(s.message.Content) - 1
			}
			s.message.Content[s.textIndex].Text += choice.Delta.Content
			s.queue = append(s.queue, Event{Type: EventTextDelta, ContentIndex: s.textIndex, Delta: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			upstreamIndex := 0
			if tc.Index != nil {
				upstreamIndex = *tc.Index
			}

			ci, ok := s.toolIndex[upstreamIndex]
			if !ok {
				s.message.Content = append(s.message.Content, ContentBlock{Type: BlockToolCall, ID: tc.ID, Name: tc.Function.Name})
				ci = len(s.message.Content) - 1
				s.toolIndex[upstreamIndex] = ci
				s.args[ci] = &strings.Builder{}
				s.textIndex = -1
				s.queue = append(s.queue, Event{
					Type:         EventToolCallStart,
					ContentIndex: ci,
					ToolCall:     &ToolCall{ID: tc.ID, Name: tc.Function.Name},
				})
			}

			if tc.Function.Arguments != "" {
				s.args[ci].WriteString(tc.Function.Arguments)
				s.queue = append(s.queue, Event{Type: EventToolCallDelta, ContentIndex: ci, Delta: tc.Function.Arguments})
			}
		}

		if choice.FinishReason != nil {
			s.message.StopReason = stopReasonFor(*choice.FinishReason)
		}
	}
}

func (s *openAIStream) finish() {
	for ci, raw := range s.args {
		args := map[string]any{}
		if raw.Len() > 0 {
			if err := json.Unmarshal([]byte(raw.String()), &args); err != nil {
				args = map[string]any{}
			}
		}
		s.message.Content[ci].Arguments = args
	}

	msg := s.message
	s.queue = append(s.queue, Event{Type: EventDone, Message: &msg})
	s.finished = true
}

func (s *openAIStream) fail(err error) {
	s.queue = append(s.queue, Event{Type: EventError, Err: err})
	s.finished = true
}

func stopReasonFor(finishReason string) StopReason {
	switch finishReason {
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "length":
		return StopReasonLength
	default:
		return StopReasonStop
	}
}
