// Package translator serves OpenAI chat completions on top of a
// providers.Provider, in buffered or server-sent event form.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"openclaw_proxy/internal/providers"
	"openclaw_proxy/internal/utils"
)

const upstreamFailed = "Upstream API error"

// Result describes a served completion for metering
type Result struct {
	RequestID string
	Model     string
	Usage     providers.Usage
}

// Translator adapts chat completion requests to a provider
type Translator struct {
	provider providers.Provider
	now      func() time.Time
	logger   *utils.Logger
}

func New(provider providers.Provider) *Translator {
	return &Translator{
		provider: provider,
		now:      time.Now,
		logger:   utils.NewLogger("translator"),
	}
}

// Serve answers req on w. Usage is zero unless the upstream completed.
func (t *Translator) Serve(w http.ResponseWriter, r *http.Request, req *ChatRequest) Result {
	result := Result{RequestID: NewRequestID(), Model: t.provider.Model()}

	stream, err := t.provider.Stream(r.Context(), ToContext(req))
	if err != nil {
		t.logger.Error("Upstream request failed", "request_id", result.RequestID, "error", err)
		utils.RespondWithAPIError(w, utils.NewUpstreamError(upstreamFailed, err))
		return result
	}
	defer stream.Close()

	if req.Stream {
		t.serveStream(w, stream, &result)
	} else {
		t.serveBuffered(w, stream, &result)
	}
	return result
}

func (t *Translator) serveBuffered(w http.ResponseWriter, stream providers.EventStream, result *Result) {
	completion, err := Collect(stream)
	if err != nil {
		t.logger.Error("Upstream completion failed", "request_id", result.RequestID, "error", err)
		utils.RespondWithAPIError(w, utils.NewUpstreamError(upstreamFailed, err))
		return
	}

	resp := completion.Response(result.RequestID, result.Model, t.now().Unix())
	result.Model = resp.Model
	result.Usage = completion.Usage()

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// chunkStream is the per-response state of a server-sent event stream.
// toolIndex maps a content index to its slot in the response's tool_calls.
type chunkStream struct {
	w         io.Writer
	flusher   http.Flusher
	id        string
	model     string
	created   int64
	toolIndex map[int]int
}

func (s *chunkStream) slot(contentIndex int) int {
	idx, ok := s.toolIndex[contentIndex]
	if !ok {
		idx = len(s.toolIndex)
		s.toolIndex[contentIndex] = idx
	}
	return idx
}

func (s *chunkStream) send(delta ChunkDelta, finish *string, usage *CompletionUsage) error {
	chunk := ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *chunkStream) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *chunkStream) terminate(finish string, usage *CompletionUsage) error {
	if err := s.send(ChunkDelta{}, &finish, usage); err != nil {
		return err
	}
	return s.write("data: [DONE]\n\n")
}

func (t *Translator) serveStream(w http.ResponseWriter, stream providers.EventStream, result *Result) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	cs := &chunkStream{
		w:         w,
		flusher:   flusher,
		id:        result.RequestID,
		model:     result.Model,
		created:   t.now().Unix(),
		toolIndex: make(map[int]int),
	}

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			err = ErrIncompleteStream
		}
		if err != nil {
			t.endWithError(cs, result, err)
			return
		}

		var sendErr error
		switch ev.Type {
		case providers.EventTextDelta:
			sendErr = cs.send(ChunkDelta{Content: ev.Delta}, nil, nil)

		case providers.EventToolCallStart:
			idx := cs.slot(ev.ContentIndex)
			call := ToolCallOut{Index: &idx, Type: "function"}
			if ev.ToolCall != nil {
				call.ID = ev.ToolCall.ID
				call.Function.Name = ev.ToolCall.Name
			}
			sendErr = cs.send(ChunkDelta{ToolCalls: []ToolCallOut{call}}, nil, nil)

		case providers.EventToolCallDelta:
			idx := cs.slot(ev.ContentIndex)
			sendErr = cs.send(ChunkDelta{ToolCalls: []ToolCallOut{{Index: &idx, Function: FunctionOut{Arguments: ev.Delta}}}}, nil, nil)

		case providers.EventDone:
			finish := string(providers.StopReasonStop)
			if ev.Message != nil {
				if ev.Message.Model != "" {
					result.Model = ev.Message.Model
					cs.model = ev.Message.Model
				}
				result.Usage = ev.Message.Usage
				finish = FinishReason(ev.Message.StopReason)
			}
			usage := usageOf(result.Usage)
			if err := cs.terminate(finish, &usage); err != nil {
				t.logger.Warn("Failed to write final frame", "request_id", result.RequestID, "error", err)
			}
			return

		case providers.EventError:
			t.endWithError(cs, result, upstreamErr(ev.Err))
			return
		}

		if sendErr != nil {
			t.logger.Warn("Client went away mid-stream", "request_id", result.RequestID, "error", sendErr)
			return
		}
	}
}

// endWithError closes the stream well-formed after headers are already sent
func (t *Translator) endWithError(cs *chunkStream, result *Result, err error) {
	t.logger.Error("Upstream stream error", "request_id", result.RequestID, "error", err)
	if werr := cs.terminate(string(providers.StopReasonStop), nil); werr != nil {
		t.logger.Warn("Failed to write final frame", "request_id", result.RequestID, "error", werr)
	}
}
