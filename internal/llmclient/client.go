package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"essayd/internal/config"
	"essayd/pkg/types"
)

const thinkToggleSuffix = "/think"

// Client talks to one OpenAI-compatible chat endpoint for one model alias.
// The zero value is not usable; construct with New. Clients are safe for
// concurrent use, and WithReasoningMode derives cheap per-mode copies.
type Client struct {
	chatURL    string
	modelName  string
	family     string
	mode       types.ReasoningMode
	defaults   config.RequestConfig
	timeout    time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// New builds a client for the chat-completions endpoint under baseURL.
// family decides reasoning-suffix handling: families ending in "/think"
// require an explicit mode on every request.
func New(baseURL, modelName, family string, defaults config.RequestConfig, log zerolog.Logger) *Client {
	timeout := time.Duration(defaults.TimeoutSec) * time.Second
	return &Client{
		chatURL:   strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		modelName: modelName,
		family:    family,
		mode:      types.ReasoningDefault,
		defaults:  defaults,
		timeout:   timeout,
		// Per-request deadlines come from the context; a client-level
		// timeout would cap streamed responses mid-flight.
		httpClient: &http.Client{Timeout: 0},
		log:        log.With().Str("component", "llmclient").Str("model", modelName).Logger(),
	}
}

// WithReasoningMode returns a copy of the client locked to mode.
func (c *Client) WithReasoningMode(mode types.ReasoningMode) (*Client, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown reasoning mode %q", mode)
	}
	cp := *c
	cp.mode = mode
	return &cp, nil
}

// ReasoningMode reports the mode the client is locked to.
func (c *Client) ReasoningMode() types.ReasoningMode { return c.mode }

func (c *Client) familyHasToggle() bool {
	return strings.HasSuffix(c.family, thinkToggleSuffix)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	CachePrompt    bool           `json:"cache_prompt"`
	TopP           *float64       `json:"top_p,omitempty"`
	TopK           *int           `json:"top_k,omitempty"`
	RepeatPenalty  *float64       `json:"repeat_penalty,omitempty"`
	Seed           *int           `json:"seed,omitempty"`
	Stop           []string       `json:"stop,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
}

// buildPayload merges request knobs over config defaults and applies the
// reasoning-mode suffix. This is the only place user text is rewritten.
func (c *Client) buildPayload(req types.ChatRequest, stream bool) (chatPayload, error) {
	user := req.User
	if c.familyHasToggle() {
		switch c.mode {
		case types.ReasoningThink:
			user += " /think"
		case types.ReasoningNoThink:
			user += " /no_think"
		default:
			return chatPayload{}, ErrDefaultReasoningMode
		}
	}

	p := chatPayload{
		Model:         c.modelName,
		MaxTokens:     c.defaults.MaxTokens,
		Temperature:   c.defaults.Temperature,
		CachePrompt:   true,
		TopP:          c.defaults.TopP,
		TopK:          c.defaults.TopK,
		RepeatPenalty: c.defaults.RepeatPenalty,
		Seed:          c.defaults.Seed,
		Stop:          c.defaults.Stop,
		Stream:        stream,
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = req.TopP
	}
	if req.TopK != nil {
		p.TopK = req.TopK
	}
	if req.RepeatPenalty != nil {
		p.RepeatPenalty = req.RepeatPenalty
	}
	if req.Seed != nil {
		p.Seed = req.Seed
	}
	if len(req.Stop) > 0 {
		p.Stop = req.Stop
	}
	if req.ResponseFormat != nil {
		p.ResponseFormat = req.ResponseFormat
	}
	if req.System != "" {
		p.Messages = append(p.Messages, chatMessage{Role: "system", Content: req.System})
	}
	p.Messages = append(p.Messages, chatMessage{Role: "user", Content: user})
	return p, nil
}

// cancelBody releases the per-request deadline when the body is closed, so
// streamed responses keep their timeout alive for their whole lifetime.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat payload: %w", err)
	}
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{URL: c.chatURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(slurp))}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Chat sends one blocking chat completion and returns the parsed response.
// A reply whose choices are missing or misshapen degrades to empty content;
// a body that is not JSON at all is a hard decode error.
func (c *Client) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	payload, err := c.buildPayload(req, false)
	if err != nil {
		return types.ChatResponse{}, err
	}

	start := time.Now()
	resp, err := c.post(ctx, payload)
	if err != nil {
		requestsTotal.WithLabelValues("chat", "error").Inc()
		return types.ChatResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues("chat", "error").Inc()
		return types.ChatResponse{}, &TransportError{URL: c.chatURL, Err: err}
	}
	out, err := parseChatResponse(body)
	if err != nil {
		requestsTotal.WithLabelValues("chat", "error").Inc()
		return types.ChatResponse{}, err
	}
	requestsTotal.WithLabelValues("chat", "ok").Inc()
	requestSeconds.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	c.log.Debug().Dur("elapsed", time.Since(start)).Str("finish_reason", out.FinishReason).Msg("chat completion")
	return out, nil
}

type wireChatResponse struct {
	Model   string          `json:"model"`
	Usage   *types.Usage    `json:"usage"`
	Choices json.RawMessage `json:"choices"`
}

type wireChoice struct {
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
	} `json:"message"`
}

// parseChatResponse decodes a non-streamed completion body. Metadata fields
// survive even when the choices array is unusable.
func parseChatResponse(body []byte) (types.ChatResponse, error) {
	var w wireChatResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return types.ChatResponse{}, &DecodeError{Msg: "inference server returned a non-JSON body", Text: string(body)}
	}
	out := types.ChatResponse{Model: w.Model, Usage: w.Usage}

	var choices []wireChoice
	if len(w.Choices) == 0 || json.Unmarshal(w.Choices, &choices) != nil || len(choices) == 0 {
		// Missing or misshapen choices degrade to an empty completion.
		return out, nil
	}
	out.Content = strings.TrimSpace(choices[0].Message.Content)
	out.ReasoningContent = strings.TrimSpace(choices[0].Message.ReasoningContent)
	out.FinishReason = choices[0].FinishReason
	return out, nil
}
