package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"essayd/pkg/types"
)

// fanoutServer echoes the user message back as content and tracks peak
// concurrent requests.
func fanoutServer(t *testing.T, peak *int64, delay time.Duration) *httptest.Server {
	t.Helper()
	var inflight int64
	var mu sync.Mutex
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		cur := atomic.AddInt64(&inflight, 1)
		defer atomic.AddInt64(&inflight, -1)
		mu.Lock()
		if cur > *peak {
			*peak = cur
		}
		mu.Unlock()
		time.Sleep(delay)

		var p struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(req.Body).Decode(&p)
		user := p.Messages[len(p.Messages)-1].Content
		if user == "fail" {
			http.Error(w, `{"error":{"message":"nope"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"m","choices":[{"finish_reason":"stop","message":{"content":%q}}]}`, "echo:"+user)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestChatManyPreservesOrderAndIsolatesFailures(t *testing.T) {
	var peak int64
	srv := fanoutServer(t, &peak, 0)
	c := newTestClient(srv.URL, "instruct")

	reqs := []types.ChatRequest{
		{User: "a"}, {User: "fail"}, {User: "b"}, {User: "c"},
	}
	results := c.ChatMany(context.Background(), reqs, 2)
	if len(results) != len(reqs) {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{"echo:a", "", "echo:b", "echo:c"} {
		if i == 1 {
			if results[i].Err == nil {
				t.Fatalf("request 1 must fail")
			}
			continue
		}
		if results[i].Err != nil {
			t.Fatalf("request %d: %v", i, results[i].Err)
		}
		if results[i].Response.Content != want {
			t.Fatalf("request %d: got %q want %q", i, results[i].Response.Content, want)
		}
	}
}

func TestChatManyBoundsConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	var peak int64
	srv := fanoutServer(t, &peak, 50*time.Millisecond)
	c := newTestClient(srv.URL, "instruct")

	reqs := make([]types.ChatRequest, 12)
	for i := range reqs {
		reqs[i] = types.ChatRequest{User: fmt.Sprintf("r%d", i)}
	}
	c.ChatMany(context.Background(), reqs, 3)
	if peak > 3 {
		t.Fatalf("concurrency bound violated: peak %d", peak)
	}
	if peak < 2 {
		t.Fatalf("fan-out did not overlap requests: peak %d", peak)
	}
}

func TestChatManyEmptyAndUncapped(t *testing.T) {
	if got := newTestClient("http://127.0.0.1:1", "instruct").ChatMany(context.Background(), nil, 4); got != nil {
		t.Fatalf("empty batch: %v", got)
	}

	var peak int64
	srv := fanoutServer(t, &peak, 0)
	c := newTestClient(srv.URL, "instruct")
	results := c.ChatMany(context.Background(), []types.ChatRequest{{User: "a"}, {User: "b"}}, 0)
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("request %d: %v", i, r.Err)
		}
	}
}

func TestJSONSchemaChatMany(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"finish_reason":"stop","message":{"content":"{\"ok\":true}"}}]}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := newTestClient(srv.URL, "instruct")
	schema := map[string]any{"type": "object"}
	reqs := []SchemaChatRequest{
		{Request: types.ChatRequest{User: "one"}, Schema: schema},
		{Request: types.ChatRequest{User: "two"}, Schema: schema},
	}
	results := c.JSONSchemaChatMany(context.Background(), reqs, 2)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("request %d: %v", i, r.Err)
		}
		if r.Value["ok"] != true {
			t.Fatalf("request %d: decoded %v", i, r.Value)
		}
	}
}
