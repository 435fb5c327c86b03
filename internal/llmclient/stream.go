package llmclient

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"essayd/pkg/types"
)

// Stream is one in-flight streamed chat completion. Consume Events() until
// it closes, then check Err(); Response() returns the aggregate rebuilt from
// everything received so far.
type Stream struct {
	events chan types.StreamEvent
	body   *http.Response
	acc    StreamAccumulator

	mu  sync.Mutex
	err error
}

// ChatStream opens a streamed completion. The connection is established
// before returning, so transport and HTTP errors surface here; parse errors
// during the stream surface through Err().
func (c *Client) ChatStream(ctx context.Context, req types.ChatRequest) (*Stream, error) {
	payload, err := c.buildPayload(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		requestsTotal.WithLabelValues("stream", "error").Inc()
		return nil, err
	}

	s := &Stream{
		events: make(chan types.StreamEvent, 16),
		body:   resp,
	}
	go s.consume(ctx, resp)
	return s, nil
}

// Events yields stream events in arrival order. The channel closes when the
// server signals completion, the stream fails, or ctx is canceled.
func (s *Stream) Events() <-chan types.StreamEvent { return s.events }

// Err reports why the stream ended. Valid once Events() has closed; nil
// means the stream completed normally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Response rebuilds the aggregate completion from the events seen so far.
func (s *Stream) Response() types.ChatResponse { return s.acc.Response() }

// Close abandons the stream. Safe to call at any time.
func (s *Stream) Close() {
	_ = s.body.Body.Close()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) consume(ctx context.Context, resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()

	emit := func(ev types.StreamEvent) bool {
		s.acc.Add(ev)
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			s.fail(ctx.Err())
			return false
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			emit(types.StreamEvent{Channel: types.StreamMeta, Done: true})
			requestsTotal.WithLabelValues("stream", "ok").Inc()
			return
		}
		evs, err := decodeStreamData(data)
		if err != nil {
			s.fail(err)
			requestsTotal.WithLabelValues("stream", "error").Inc()
			return
		}
		for _, ev := range evs {
			if !emit(ev) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.fail(&TransportError{Err: err})
		requestsTotal.WithLabelValues("stream", "error").Inc()
		return
	}
	// Stream ended without [DONE]; treat the body EOF as completion.
	requestsTotal.WithLabelValues("stream", "ok").Inc()
}

type wireStreamChunk struct {
	Model   string       `json:"model"`
	Usage   *types.Usage `json:"usage"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// decodeStreamData maps one SSE data payload onto stream events. A chunk may
// produce several events (reasoning and content deltas plus metadata).
// Malformed JSON is a hard error, not a skip.
func decodeStreamData(data string) ([]types.StreamEvent, error) {
	var chunk wireStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, &DecodeError{Msg: "malformed stream chunk", Text: data}
	}

	var evs []types.StreamEvent
	finish := ""
	for _, ch := range chunk.Choices {
		if ch.Delta.ReasoningContent != "" {
			evs = append(evs, types.StreamEvent{Channel: types.StreamReasoning, Text: ch.Delta.ReasoningContent})
		}
		if ch.Delta.Content != "" {
			evs = append(evs, types.StreamEvent{Channel: types.StreamContent, Text: ch.Delta.Content})
		}
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
	}
	if chunk.Model != "" || chunk.Usage != nil || finish != "" {
		evs = append(evs, types.StreamEvent{
			Channel:      types.StreamMeta,
			Model:        chunk.Model,
			Usage:        chunk.Usage,
			FinishReason: finish,
		})
	}
	return evs, nil
}

// StreamAccumulator folds stream events back into an aggregate response.
// Metadata fields keep the last non-empty value seen.
type StreamAccumulator struct {
	mu           sync.Mutex
	content      strings.Builder
	reasoning    strings.Builder
	finishReason string
	model        string
	usage        *types.Usage
}

func (a *StreamAccumulator) Add(ev types.StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev.Channel {
	case types.StreamContent:
		a.content.WriteString(ev.Text)
	case types.StreamReasoning:
		a.reasoning.WriteString(ev.Text)
	case types.StreamMeta:
		if ev.FinishReason != "" {
			a.finishReason = ev.FinishReason
		}
		if ev.Model != "" {
			a.model = ev.Model
		}
		if ev.Usage != nil {
			a.usage = ev.Usage
		}
	}
}

func (a *StreamAccumulator) Response() types.ChatResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.ChatResponse{
		Content:          strings.TrimSpace(a.content.String()),
		ReasoningContent: strings.TrimSpace(a.reasoning.String()),
		FinishReason:     a.finishReason,
		Model:            a.model,
		Usage:            a.usage,
	}
}

// AggregateStreamEvents rebuilds a response from an already-collected event
// slice. Streaming a request and aggregating its events must match the
// non-streamed response for the same completion.
func AggregateStreamEvents(events []types.StreamEvent) types.ChatResponse {
	var acc StreamAccumulator
	for _, ev := range events {
		acc.Add(ev)
	}
	return acc.Response()
}
