package llmclient

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	"essayd/pkg/types"
)

// JSONSchemaChat runs a completion constrained by a JSON schema and decodes
// the content into a map. Unlike plain Chat, content that fails to decode is
// a hard error quoting the offending text.
func (c *Client) JSONSchemaChat(ctx context.Context, req types.ChatRequest, schema map[string]any) (map[string]any, error) {
	r := req
	r.ResponseFormat = map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "response",
			"strict": true,
			"schema": schema,
		},
	}
	resp, err := c.Chat(ctx, r)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, &DecodeError{Msg: "model output is not valid JSON", Text: resp.Content}
	}
	return out, nil
}

// SchemaChatRequest pairs a chat request with the schema constraining it.
type SchemaChatRequest struct {
	Request types.ChatRequest
	Schema  map[string]any
}

// SchemaResult is the outcome of one schema-constrained request in a batch.
type SchemaResult struct {
	Value map[string]any
	Err   error
}

// JSONSchemaChatMany fans out schema-constrained completions under the same
// concurrency cap as ChatMany, results in input order.
func (c *Client) JSONSchemaChatMany(ctx context.Context, reqs []SchemaChatRequest, maxConcurrency int) []SchemaResult {
	if len(reqs) == 0 {
		return nil
	}
	slots := maxConcurrency
	if slots <= 0 {
		slots = len(reqs)
	}
	sem := make(chan struct{}, slots)
	out := make([]SchemaResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req SchemaChatRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fanoutInflight.Inc()
			defer fanoutInflight.Dec()
			v, err := c.JSONSchemaChat(ctx, req.Request, req.Schema)
			out[i] = SchemaResult{Value: v, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}
