package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
)

// Fake llama-server used by supervisor tests. Accepts the flag subset the
// supervisor emits; behavior is driven by environment variables so the flag
// surface stays faithful:
//
//	FAKE_LLAMA_READY_DELAY_MS  chat endpoint returns 503 until this elapses
//	FAKE_LLAMA_EXIT_CODE       exit immediately with this code (after a stderr line)
//	FAKE_LLAMA_CHATTER_MS      write a stderr loading line at this interval
func main() {
	for _, a := range os.Args[1:] {
		if a == "-h" || a == "--help" {
			// Mirrors the modern llama-server help so capability probing
			// detects the valued flash-attn syntax.
			fmt.Println("usage: fake_llama_server [options]")
			fmt.Println("  --flash-attn [on|off|auto]  set flash attention")
			os.Exit(0)
		}
	}

	var (
		model, host, port string
		flagDump          string
	)
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.String("c", "0", "context size")
	flag.String("t", "", "threads")
	flag.String("ngl", "", "gpu layers")
	flag.String("b", "", "batch size")
	flag.String("np", "", "parallel slots")
	flag.String("seed", "", "seed")
	flag.String("rope-freq-base", "", "rope freq base")
	flag.String("rope-freq-scale", "", "rope freq scale")
	flag.Bool("jinja", false, "jinja templates")
	flag.Bool("no-jinja", false, "disable jinja templates")
	flag.Bool("cache-prompt", false, "prompt cache")
	flag.Bool("no-cache-prompt", false, "disable prompt cache")
	flag.String("flash-attn", "auto", "flash attention")
	flag.String("mmproj", "", "projector path")
	flag.StringVar(&flagDump, "dump-args", "", "unused")
	flag.Parse()

	if v := os.Getenv("FAKE_LLAMA_EXIT_CODE"); v != "" {
		code, _ := strconv.Atoi(v)
		fmt.Fprintln(os.Stderr, "fake server: failing on purpose")
		os.Exit(code)
	}

	if v := os.Getenv("FAKE_LLAMA_CHATTER_MS"); v != "" {
		ms, _ := strconv.Atoi(v)
		go func() {
			for range time.Tick(time.Duration(ms) * time.Millisecond) {
				fmt.Fprintln(os.Stderr, "fake server: loading tensors")
			}
		}()
	}

	readyAt := time.Now()
	if v := os.Getenv("FAKE_LLAMA_READY_DELAY_MS"); v != "" {
		ms, _ := strconv.Atoi(v)
		readyAt = readyAt.Add(time.Duration(ms) * time.Millisecond)
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"` + model + `","object":"model"}]}`))
	})
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		if time.Now().Before(readyAt) {
			http.Error(w, `{"error":{"message":"loading model"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"fake","choices":[{"finish_reason":"stop","message":{"content":"pong"}}]}`))
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "fake server: %v\n", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	_ = srv.Close()
}
