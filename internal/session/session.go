// Package session hosts the worker-side runtime: one supervised inference
// server plus the chat client bound to the currently selected model.
package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"

	"essayd/internal/config"
	"essayd/internal/llmclient"
	"essayd/internal/registry"
	"essayd/internal/supervisor"
	"essayd/internal/worker"
	"essayd/pkg/types"
)

// Session implements worker.Runtime. It is driven by the worker serve loop,
// which serializes all calls, so no internal locking is needed.
type Session struct {
	cfg       config.Config
	log       zerolog.Logger
	id        string
	startedAt time.Time

	selectedKey string
	sup         *supervisor.Supervisor
	client      *llmclient.Client
}

func New(cfg config.Config, log zerolog.Logger) *Session {
	return &Session{
		cfg:         cfg,
		log:         log.With().Str("component", "session").Logger(),
		id:          uuid.NewString(),
		startedAt:   time.Now(),
		selectedKey: registry.LoadSelectedKey(cfg.DataDir),
	}
}

func (s *Session) Health(context.Context) (map[string]any, error) {
	return map[string]any{
		"ok":         true,
		"session_id": s.id,
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
	}, nil
}

func (s *Session) ListModels(context.Context) (map[string]any, error) {
	recommended := registry.Recommend(0, 0).Key
	selected := s.currentKey()
	rows := make([]any, 0, len(registry.Catalog()))
	for _, spec := range registry.Catalog() {
		rows = append(rows, map[string]any{
			"key":          spec.Key,
			"display_name": spec.DisplayName,
			"family":       spec.Family,
			"installed":    registry.Installed(spec, s.cfg.ModelsDir),
			"selected":     spec.Key == selected,
			"recommended":  spec.Key == recommended,
		})
	}
	return map[string]any{"models": rows}, nil
}

type startParams struct {
	ModelKey string `json:"model_key"`
}

func (s *Session) StartLLM(ctx context.Context, params map[string]any) (map[string]any, error) {
	p, err := decodeParams[startParams](params)
	if err != nil {
		return nil, err
	}
	if p.ModelKey != "" {
		if err := s.selectModel(p.ModelKey); err != nil {
			return nil, err
		}
	}
	if err := s.ensureRuntime(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"started":   true,
		"model_key": s.selectedKey,
		"endpoint":  s.sup.BaseURL(),
	}, nil
}

func (s *Session) StopLLM(context.Context) (map[string]any, error) {
	wasRunning := s.sup != nil && s.sup.IsRunning()
	if s.sup != nil {
		if err := s.sup.Stop(); err != nil {
			return nil, worker.NewStageError("llm_server_stop", err)
		}
	}
	return map[string]any{"stopped": wasRunning}, nil
}

type switchParams struct {
	ModelKey string `json:"model_key"`
}

// SwitchLLM changes the selected model, restarting the server only when one
// was already running.
func (s *Session) SwitchLLM(ctx context.Context, params map[string]any) (map[string]any, error) {
	p, err := decodeParams[switchParams](params)
	if err != nil {
		return nil, err
	}
	if p.ModelKey == "" {
		return nil, worker.Validationf("model_key is required")
	}
	wasRunning := s.sup != nil && s.sup.IsRunning()
	if s.sup != nil {
		if err := s.sup.Stop(); err != nil {
			return nil, worker.NewStageError("llm_server_stop", err)
		}
		s.sup = nil
		s.client = nil
	}
	if err := s.selectModel(p.ModelKey); err != nil {
		return nil, err
	}
	if wasRunning {
		if err := s.ensureRuntime(ctx); err != nil {
			return nil, err
		}
	}
	return map[string]any{"model_key": s.selectedKey, "was_running": wasRunning}, nil
}

func (s *Session) Status(context.Context) (map[string]any, error) {
	running := s.sup != nil && s.sup.IsRunning()
	out := map[string]any{
		"selected_llm_key": s.currentKey(),
		"running":          running,
	}
	if running {
		out["endpoint"] = s.sup.BaseURL()
		out["state"] = s.sup.State().String()
	}
	return out, nil
}

type chatParams struct {
	System        string         `json:"system"`
	User          string         `json:"user"`
	ReasoningMode string         `json:"reasoning_mode"`
	MaxTokens     *int           `json:"max_tokens"`
	Temperature   *float64       `json:"temperature"`
	TopP          *float64       `json:"top_p"`
	TopK          *int           `json:"top_k"`
	RepeatPenalty *float64       `json:"repeat_penalty"`
	Seed          *int           `json:"seed"`
	Stop          []string       `json:"stop"`
	Schema        map[string]any `json:"json_schema"`
}

func (p chatParams) request() types.ChatRequest {
	return types.ChatRequest{
		System:        p.System,
		User:          p.User,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		RepeatPenalty: p.RepeatPenalty,
		Seed:          p.Seed,
		Stop:          p.Stop,
	}
}

func (s *Session) Chat(ctx context.Context, params map[string]any) (map[string]any, error) {
	p, err := decodeParams[chatParams](params)
	if err != nil {
		return nil, err
	}
	if p.User == "" {
		return nil, worker.Validationf("user text must not be empty")
	}
	if err := s.ensureRuntime(ctx); err != nil {
		return nil, err
	}
	client, err := s.clientForMode(p.ReasoningMode)
	if err != nil {
		return nil, err
	}

	if p.Schema != nil {
		value, err := client.JSONSchemaChat(ctx, p.request(), p.Schema)
		if err != nil {
			return nil, worker.NewStageError("llm_chat", err)
		}
		return map[string]any{"value": value}, nil
	}
	resp, err := client.Chat(ctx, p.request())
	if err != nil {
		return nil, worker.NewStageError("llm_chat", err)
	}
	return responseMap(resp), nil
}

type chatManyParams struct {
	Requests      []chatParams   `json:"requests"`
	MaxParallel   int            `json:"max_parallel"`
	ReasoningMode string         `json:"reasoning_mode"`
	Schema        map[string]any `json:"json_schema"`
}

func (s *Session) ChatMany(ctx context.Context, params map[string]any) (map[string]any, error) {
	p, err := decodeParams[chatManyParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Requests) == 0 {
		return nil, worker.Validationf("requests must not be empty")
	}
	for i, r := range p.Requests {
		if r.User == "" {
			return nil, worker.Validationf("request %d: user text must not be empty", i)
		}
	}
	if err := s.ensureRuntime(ctx); err != nil {
		return nil, err
	}
	client, err := s.clientForMode(p.ReasoningMode)
	if err != nil {
		return nil, err
	}
	parallel := p.MaxParallel
	if parallel <= 0 {
		parallel = s.cfg.Request.MaxParallel
	}

	rows := make([]any, len(p.Requests))
	if p.Schema != nil {
		reqs := make([]llmclient.SchemaChatRequest, len(p.Requests))
		for i, r := range p.Requests {
			reqs[i] = llmclient.SchemaChatRequest{Request: r.request(), Schema: p.Schema}
		}
		for i, res := range client.JSONSchemaChatMany(ctx, reqs, parallel) {
			if res.Err != nil {
				rows[i] = map[string]any{"ok": false, "error": res.Err.Error()}
				continue
			}
			rows[i] = map[string]any{"ok": true, "value": res.Value}
		}
		return map[string]any{"results": rows}, nil
	}

	reqs := make([]types.ChatRequest, len(p.Requests))
	for i, r := range p.Requests {
		reqs[i] = r.request()
	}
	for i, res := range client.ChatMany(ctx, reqs, parallel) {
		if res.Err != nil {
			rows[i] = map[string]any{"ok": false, "error": res.Err.Error()}
			continue
		}
		row := responseMap(res.Response)
		row["ok"] = true
		rows[i] = row
	}
	return map[string]any{"results": rows}, nil
}

// Metrics renders the process-wide Prometheus registry in text exposition
// format, letting the parent scrape through the stdio channel.
func (s *Session) Metrics(context.Context) (map[string]any, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return nil, fmt.Errorf("encode metrics: %w", err)
		}
	}
	return map[string]any{"text": buf.String()}, nil
}

func (s *Session) Close() error {
	if s.sup != nil {
		return s.sup.Stop()
	}
	return nil
}

// currentKey resolves the effective model key without touching disk state.
func (s *Session) currentKey() string {
	if s.selectedKey != "" {
		return s.selectedKey
	}
	return registry.Recommend(0, 0).Key
}

func (s *Session) selectModel(key string) error {
	if _, ok := registry.Find(key); !ok {
		return worker.Validationf("unknown model key %q", key)
	}
	if err := registry.SaveSelectedKey(s.cfg.DataDir, key); err != nil {
		s.log.Warn().Err(err).Msg("persist model selection")
	}
	s.selectedKey = key
	return nil
}

// ensureRuntime lazily starts the inference server for the selected model
// and builds the chat client bound to it.
func (s *Session) ensureRuntime(ctx context.Context) error {
	if s.sup != nil && s.sup.IsRunning() && s.client != nil {
		return nil
	}
	key := s.currentKey()
	spec, ok := registry.Find(key)
	if !ok {
		// A stale persisted key falls back to the recommendation.
		spec = registry.Recommend(0, 0)
		key = spec.Key
	}
	s.selectedKey = key

	weights, err := registry.WeightsPath(spec, s.cfg.ModelsDir)
	if err != nil {
		return worker.NewStageError("llm_server_start", err)
	}
	projector, err := registry.ProjectorPath(spec, s.cfg.ModelsDir)
	if err != nil {
		return worker.NewStageError("llm_server_start", err)
	}

	srv := s.cfg.Server
	launch := supervisor.LaunchSpec{
		ServerPath:    srv.ServerPath,
		Host:          srv.Host,
		Port:          srv.Port,
		CtxSize:       srv.CtxSize,
		Threads:       srv.Threads,
		GPULayers:     srv.GPULayers,
		BatchSize:     srv.BatchSize,
		Parallel:      srv.Parallel,
		Seed:          srv.Seed,
		RopeFreqBase:  srv.RopeFreqBase,
		RopeFreqScale: srv.RopeFreqScale,
		Jinja:         srv.Jinja,
		CachePrompt:   srv.CachePrompt,
		FlashAttn:     srv.FlashAttn,
	}
	ref := supervisor.ArtifactRef{ModelPath: weights, ProjectorPath: projector}
	sup := supervisor.New("chat", launch, ref, key, time.Duration(srv.ReadyWaitSec)*time.Second, s.log)
	if err := sup.Start(ctx); err != nil {
		return worker.NewStageError("llm_server_start", err)
	}
	s.sup = sup
	s.client = llmclient.New(sup.BaseURL(), key, spec.Family, s.cfg.Request, s.log)
	s.log.Info().Str("model", key).Str("endpoint", sup.BaseURL()).Msg("runtime ready")
	return nil
}

// clientForMode applies the per-call reasoning mode. Toggle families get
// no_think when the caller does not say otherwise, so a plain chat never
// trips the explicit-mode requirement.
func (s *Session) clientForMode(mode string) (*llmclient.Client, error) {
	m := types.ReasoningMode(mode)
	if mode == "" {
		m = types.ReasoningNoThink
	}
	if !m.Valid() {
		return nil, worker.Validationf("unknown reasoning mode %q", mode)
	}
	client, err := s.client.WithReasoningMode(m)
	if err != nil {
		return nil, worker.Validationf("%s", err.Error())
	}
	return client, nil
}

func responseMap(resp types.ChatResponse) map[string]any {
	out := map[string]any{
		"content":           resp.Content,
		"reasoning_content": resp.ReasoningContent,
		"finish_reason":     resp.FinishReason,
		"model":             resp.Model,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return out
}

// decodeParams maps a params object onto a typed struct through JSON.
func decodeParams[T any](params map[string]any) (T, error) {
	var out T
	if params == nil {
		return out, nil
	}
	buf, err := json.Marshal(params)
	if err != nil {
		return out, worker.Validationf("malformed params: %s", err.Error())
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return out, worker.Validationf("malformed params: %s", err.Error())
	}
	return out, nil
}
