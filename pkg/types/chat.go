package types

// ReasoningMode instructs toggle-capable model families to emit or suppress
// an internal deliberation trace alongside the final answer.
type ReasoningMode string

const (
	ReasoningDefault ReasoningMode = "default"
	ReasoningThink   ReasoningMode = "think"
	ReasoningNoThink ReasoningMode = "no_think"
)

// Valid reports whether m is one of the known reasoning modes.
func (m ReasoningMode) Valid() bool {
	switch m {
	case ReasoningDefault, ReasoningThink, ReasoningNoThink:
		return true
	}
	return false
}

// Usage mirrors the token accounting block of an OpenAI-compatible response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is one immutable chat call against the model server.
// Nil optional fields mean "use the client default"; a client default of nil
// means "use the server default" and the knob is omitted from the payload.
type ChatRequest struct {
	System string
	User   string

	MaxTokens      *int
	Temperature    *float64
	TopP           *float64
	TopK           *int
	RepeatPenalty  *float64
	Seed           *int
	Stop           []string
	ResponseFormat map[string]any
}

// ChatResponse is the decoded result of one chat call, whether it came from a
// non-streaming body or from aggregating a finished stream.
type ChatResponse struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Model            string `json:"model,omitempty"`
	Usage            *Usage `json:"usage,omitempty"`
}

// StreamChannel tags one event of a chat completion stream.
type StreamChannel string

const (
	StreamContent   StreamChannel = "content"
	StreamReasoning StreamChannel = "reasoning"
	StreamMeta      StreamChannel = "meta"
)

// StreamEvent is one element of the finite, order-preserving event sequence
// produced by a streaming chat call. Meta events carry whichever of finish
// reason, model and usage the server reported on that frame; the terminal
// event has Done set.
type StreamEvent struct {
	Channel      StreamChannel
	Text         string
	FinishReason string
	Model        string
	Usage        *Usage
	Done         bool
}
