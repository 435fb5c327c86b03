package llmclient

import (
	"context"
	"sync"

	"essayd/pkg/types"
)

// Result is the outcome of one request in a fan-out batch.
type Result struct {
	Response types.ChatResponse
	Err      error
}

// ChatMany runs the requests concurrently with at most maxConcurrency in
// flight and returns results in input order. One failed request never
// disturbs its siblings. maxConcurrency <= 0 means no cap beyond one
// goroutine per request.
func (c *Client) ChatMany(ctx context.Context, reqs []types.ChatRequest, maxConcurrency int) []Result {
	if len(reqs) == 0 {
		return nil
	}
	slots := maxConcurrency
	if slots <= 0 {
		slots = len(reqs)
	}
	sem := make(chan struct{}, slots)
	out := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req types.ChatRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fanoutInflight.Inc()
			defer fanoutInflight.Dec()
			resp, err := c.Chat(ctx, req)
			out[i] = Result{Response: resp, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}
