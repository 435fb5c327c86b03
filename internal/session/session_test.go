package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"essayd/internal/config"
	"essayd/internal/registry"
	"essayd/internal/worker"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := config.Config{
		ModelsDir: t.TempDir(),
		DataDir:   t.TempDir(),
		Server:    config.ServerConfig{ServerPath: "/nonexistent/llama-server"},
	}.WithDefaults()
	return New(cfg, zerolog.Nop())
}

func TestHealthReportsSession(t *testing.T) {
	s := newTestSession(t)
	out, err := s.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if out["ok"] != true || out["session_id"] == "" {
		t.Fatalf("health payload: %v", out)
	}
}

func TestListModelsFlags(t *testing.T) {
	s := newTestSession(t)

	// Install exactly one model's weights on disk.
	spec, _ := registry.Find("qwen3_4b_q8")
	if err := os.WriteFile(filepath.Join(s.cfg.ModelsDir, spec.WeightsFile), []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	out, err := s.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	rows := out["models"].([]any)
	if len(rows) != len(registry.Catalog()) {
		t.Fatalf("row count: %d", len(rows))
	}
	var sawInstalled, sawRecommended bool
	for _, r := range rows {
		row := r.(map[string]any)
		if row["key"] == "qwen3_4b_q8" && row["installed"] == true {
			sawInstalled = true
		}
		if row["installed"] == true && row["key"] != "qwen3_4b_q8" {
			t.Fatalf("only qwen3_4b_q8 is installed: %v", row)
		}
		if row["recommended"] == true {
			sawRecommended = true
		}
	}
	if !sawInstalled || !sawRecommended {
		t.Fatalf("flags missing: installed=%v recommended=%v", sawInstalled, sawRecommended)
	}
}

func TestSwitchLLMPersistsSelection(t *testing.T) {
	s := newTestSession(t)

	if _, err := s.SwitchLLM(context.Background(), map[string]any{"model_key": "no_such_model"}); err == nil {
		t.Fatalf("unknown key must be rejected")
	} else {
		var ve *worker.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}

	out, err := s.SwitchLLM(context.Background(), map[string]any{"model_key": "qwen3_8b_q8"})
	if err != nil {
		t.Fatalf("SwitchLLM: %v", err)
	}
	if out["model_key"] != "qwen3_8b_q8" || out["was_running"] != false {
		t.Fatalf("switch payload: %v", out)
	}
	if got := registry.LoadSelectedKey(s.cfg.DataDir); got != "qwen3_8b_q8" {
		t.Fatalf("selection not persisted: %q", got)
	}

	// A fresh session over the same data dir sees the persisted choice.
	s2 := New(s.cfg, zerolog.Nop())
	status, err := s2.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status["selected_llm_key"] != "qwen3_8b_q8" || status["running"] != false {
		t.Fatalf("status payload: %v", status)
	}
}

func TestChatValidation(t *testing.T) {
	s := newTestSession(t)

	_, err := s.Chat(context.Background(), map[string]any{"user": ""})
	var ve *worker.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("empty user: expected validation error, got %v", err)
	}

	_, err = s.Chat(context.Background(), map[string]any{"user": "hi", "max_tokens": "lots"})
	if !errors.As(err, &ve) {
		t.Fatalf("bad param type: expected validation error, got %v", err)
	}
}

func TestChatManyValidation(t *testing.T) {
	s := newTestSession(t)
	var ve *worker.ValidationError

	_, err := s.ChatMany(context.Background(), map[string]any{"requests": []any{}})
	if !errors.As(err, &ve) {
		t.Fatalf("empty batch: expected validation error, got %v", err)
	}

	_, err = s.ChatMany(context.Background(), map[string]any{
		"requests": []any{map[string]any{"user": "ok"}, map[string]any{"user": ""}},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("blank item: expected validation error, got %v", err)
	}
	if !strings.Contains(ve.Msg, "request 1") {
		t.Fatalf("error should name the offending item: %v", ve)
	}
}

func TestChatStartFailureIsStageError(t *testing.T) {
	s := newTestSession(t)
	// Weights exist but the server binary does not, so startup must fail as
	// a named stage.
	spec := registry.Recommend(0, 0)
	if err := os.WriteFile(filepath.Join(s.cfg.ModelsDir, spec.WeightsFile), []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	_, err := s.Chat(context.Background(), map[string]any{"user": "hi"})
	var se *worker.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if se.Stage != "llm_server_start" {
		t.Fatalf("stage: %q", se.Stage)
	}
	if !strings.Contains(se.Msg, "/nonexistent/llama-server") {
		t.Fatalf("stage message should name the missing binary: %q", se.Msg)
	}
}

func TestMetricsRendersTextExposition(t *testing.T) {
	s := newTestSession(t)
	out, err := s.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	text := out["text"].(string)
	if !strings.Contains(text, "essayd_") {
		t.Fatalf("exposition text lacks daemon metrics: %.200s", text)
	}
}
