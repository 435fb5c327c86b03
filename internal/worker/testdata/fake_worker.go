package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"essayd/internal/worker"
)

// Fake worker used by client tests. Serves the real protocol over stdio with
// a canned runtime. FAKE_WORKER_CRASH_MARKER names a file: while the file is
// absent, the first llm-status request creates it and kills the process
// without answering, simulating a mid-call crash exactly once.
// FAKE_WORKER_SPAWN_LOG names a file that gets one line appended per process
// start, so tests can count spawns.
type fakeRuntime struct{}

func (fakeRuntime) Health(context.Context) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func (fakeRuntime) ListModels(context.Context) (map[string]any, error) {
	return map[string]any{"models": []any{}}, nil
}

func (fakeRuntime) StartLLM(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"started": true}, nil
}

func (fakeRuntime) StopLLM(context.Context) (map[string]any, error) {
	return map[string]any{"stopped": true}, nil
}

func (fakeRuntime) SwitchLLM(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"switched": true}, nil
}

func (fakeRuntime) Status(context.Context) (map[string]any, error) {
	if marker := os.Getenv("FAKE_WORKER_CRASH_MARKER"); marker != "" {
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			_ = os.WriteFile(marker, []byte("crashed"), 0o644)
			os.Exit(1)
		}
	}
	return map[string]any{"selected_llm_key": "qwen3_4b_instruct_q8", "running": false}, nil
}

func (fakeRuntime) Chat(_ context.Context, params map[string]any) (map[string]any, error) {
	user, _ := params["user"].(string)
	if user == "" {
		return nil, worker.Validationf("user text must not be empty")
	}
	if user == "stray" {
		fmt.Println("stray line outside the protocol")
	}
	return map[string]any{"content": "echo:" + user}, nil
}

func (fakeRuntime) ChatMany(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"results": []any{}}, nil
}

func (fakeRuntime) Metrics(context.Context) (map[string]any, error) {
	return map[string]any{"text": "# empty\n"}, nil
}

func (fakeRuntime) Close() error { return nil }

func main() {
	if path := os.Getenv("FAKE_WORKER_SPAWN_LOG"); path != "" {
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			fmt.Fprintln(f, "spawned")
			_ = f.Close()
		}
	}
	log := zerolog.New(os.Stderr)
	srv := worker.NewServer(fakeRuntime{}, os.Stdin, os.Stdout, log)
	if err := srv.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("serve")
		os.Exit(1)
	}
}
