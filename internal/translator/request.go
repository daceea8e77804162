package translator

import (
	"encoding/json"
	"strings"

	"openclaw_proxy/internal/providers"
	"openclaw_proxy/internal/utils"
)

// ChatRequest is the subset of an OpenAI chat completions request we translate
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Tools    []ChatTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatMessage keeps content raw since it may be a string, a list of parts or null
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall.Arguments is normally a JSON-encoded string, but some
// clients send the object itself
type ChatFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ParseRequest decodes a request body. Only a malformed top-level document is
// an error; malformed nested values degrade during translation.
func ParseRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, utils.NewProtocolError("Invalid JSON body", err)
	}
	return &req, nil
}

// ToContext translates an OpenAI request into the provider-neutral form
func ToContext(req *ChatRequest) *providers.Context {
	c := &providers.Context{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text := contentText(m.Content)
			if c.SystemPrompt == "" {
				c.SystemPrompt = text
			} else {
				c.SystemPrompt += "\n" + text
			}

		case "tool":
			c.Messages = append(c.Messages, providers.Message{
				Role:       providers.RoleToolResult,
				ToolCallID: m.ToolCallID,
				Content:    contentBlocks(m.Content),
			})

		case "assistant":
			blocks := contentBlocks(m.Content)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, providers.ContentBlock{
					Type:      providers.BlockToolCall,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: parseArguments(tc.Function.Arguments),
				})
			}
			c.Messages = append(c.Messages, providers.Message{Role: providers.RoleAssistant, Content: blocks})

		default:
			c.Messages = append(c.Messages, providers.Message{Role: providers.RoleUser, Content: contentBlocks(m.Content)})
		}
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		c.Tools = append(c.Tools, providers.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return c
}

func decodeContent(raw json.RawMessage) (string, []contentPart, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, true
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		return "", parts, false
	}

	return "", nil, false
}

func contentText(raw json.RawMessage) string {
	s, parts, isString := decodeContent(raw)
	if isString {
		return s
	}

	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func contentBlocks(raw json.RawMessage) []providers.ContentBlock {
	s, parts, isString := decodeContent(raw)
	if isString {
		return []providers.ContentBlock{{Type: providers.BlockText, Text: s}}
	}

	blocks := make([]providers.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, providers.ContentBlock{Type: providers.BlockText, Text: p.Text})
		case "image_url":
			url := ""
			if p.ImageURL != nil {
				url = p.ImageURL.URL
			}
			blocks = append(blocks, providers.ContentBlock{Type: providers.BlockImage, URL: url})
		}
	}
	return blocks
}

// parseArguments never fails: anything that is not a JSON object becomes {}
func parseArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}

	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
