package worker

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Method is the closed set of operations the worker understands. Dispatch
// switches over this type, so adding a method is a compile-checked change.
type Method string

const (
	MethodHealth    Method = "health"
	MethodLLMList   Method = "llm-list"
	MethodLLMStart  Method = "llm-start"
	MethodLLMStop   Method = "llm-stop"
	MethodLLMSwitch Method = "llm-switch"
	MethodLLMStatus Method = "llm-status"
	MethodChat      Method = "chat"
	MethodChatMany  Method = "chat-many"
	MethodMetrics   Method = "metrics"
	MethodShutdown  Method = "shutdown"
)

var methods = map[Method]bool{
	MethodHealth:    true,
	MethodLLMList:   true,
	MethodLLMStart:  true,
	MethodLLMStop:   true,
	MethodLLMSwitch: true,
	MethodLLMStatus: true,
	MethodChat:      true,
	MethodChatMany:  true,
	MethodMetrics:   true,
	MethodShutdown:  true,
}

// ParseMethod validates a wire method name.
func ParseMethod(s string) (Method, bool) {
	m := Method(s)
	return m, methods[m]
}

// ProtocolID is the reserved correlation id for protocol-level errors that
// cannot be tied to a request (e.g. an undecodable request line).
const ProtocolID = -1

// Error codes crossing the wire.
const (
	CodeValidation   = "validation_error"
	CodeRuntimeStage = "runtime_stage_error"
	CodeInternal     = "internal_error"
	CodeProtocol     = "protocol_error"
)

// Request is one framed call: a single JSON object on a single line.
type Request struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// ErrorEnvelope carries a classified failure across the wire. Stage and
// Trace are only set for runtime-stage failures.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// Diagnostic is supporting detail attached to a response, e.g. stray text
// the runtime printed outside the protocol channel.
type Diagnostic struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

// Response answers exactly one Request, correlated by id.
type Response struct {
	ID          int            `json:"id"`
	OK          bool           `json:"ok"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *ErrorEnvelope `json:"error,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
}

// WriteMessage frames v as one JSON line on w.
func WriteMessage(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// DecodeRequest parses one request line. A line without a method name is
// not a request.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request line: %w", err)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("request line has no method")
	}
	return req, nil
}

// DecodeResponse parses one response line. Lines that are valid JSON but do
// not carry the response shape (no ok field) are rejected so callers can
// treat them as non-protocol noise.
func DecodeResponse(line []byte) (Response, error) {
	var probe struct {
		ID *int  `json:"id"`
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Response{}, fmt.Errorf("malformed response line: %w", err)
	}
	if probe.ID == nil || probe.OK == nil {
		return Response{}, fmt.Errorf("line is not a protocol response")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response line: %w", err)
	}
	return resp, nil
}
