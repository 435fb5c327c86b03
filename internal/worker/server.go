package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Runtime is the worker-side implementation behind the protocol methods.
// Implementations signal bad input with *ValidationError and named pipeline
// failures with *StageError; anything else becomes an internal error.
type Runtime interface {
	Health(ctx context.Context) (map[string]any, error)
	ListModels(ctx context.Context) (map[string]any, error)
	StartLLM(ctx context.Context, params map[string]any) (map[string]any, error)
	StopLLM(ctx context.Context) (map[string]any, error)
	SwitchLLM(ctx context.Context, params map[string]any) (map[string]any, error)
	Status(ctx context.Context) (map[string]any, error)
	Chat(ctx context.Context, params map[string]any) (map[string]any, error)
	ChatMany(ctx context.Context, params map[string]any) (map[string]any, error)
	Metrics(ctx context.Context) (map[string]any, error)
	Close() error
}

// Server reads one request line at a time, dispatches it, and writes exactly
// one response line back. The loop never dies on a single bad request.
type Server struct {
	runtime Runtime
	in      io.Reader
	out     io.Writer
	log     zerolog.Logger

	outMu sync.Mutex
}

func NewServer(rt Runtime, in io.Reader, out io.Writer, log zerolog.Logger) *Server {
	return &Server{
		runtime: rt,
		in:      in,
		out:     out,
		log:     log.With().Str("component", "worker").Logger(),
	}
}

// Run serves until the input closes, ctx is canceled, or a shutdown request
// arrives. The shutdown response is flushed before the loop exits.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.runtime.Close(); err != nil {
			s.log.Warn().Err(err).Msg("runtime close")
		}
	}()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		req, err := DecodeRequest(line)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable request line")
			s.write(Response{
				ID:    ProtocolID,
				Error: &ErrorEnvelope{Code: CodeProtocol, Message: err.Error()},
			})
			continue
		}
		resp, stop := s.dispatch(ctx, req)
		s.write(resp)
		if stop {
			s.log.Info().Msg("shutdown requested, leaving serve loop")
			return nil
		}
	}
	return scanner.Err()
}

func (s *Server) write(resp Response) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := WriteMessage(s.out, resp); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

// dispatch runs one request against the runtime. Stray text the runtime
// prints to standard output during the call is captured and attached as a
// worker_stdout diagnostic instead of corrupting the line protocol.
func (s *Server) dispatch(ctx context.Context, req Request) (Response, bool) {
	method, known := ParseMethod(req.Method)
	if !known {
		return Response{
			ID:    req.ID,
			Error: &ErrorEnvelope{Code: CodeValidation, Message: "unknown method " + req.Method},
		}, false
	}
	s.log.Debug().Int("id", req.ID).Str("method", string(method)).Msg("dispatch")

	restore := redirectStdout()
	var (
		result map[string]any
		err    error
		stop   bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("worker panic during dispatch")
				s.log.Error().Any("panic", r).Str("method", string(method)).Msg("recovered panic")
			}
		}()
		switch method {
		case MethodHealth:
			result, err = s.runtime.Health(ctx)
		case MethodLLMList:
			result, err = s.runtime.ListModels(ctx)
		case MethodLLMStart:
			result, err = s.runtime.StartLLM(ctx, req.Params)
		case MethodLLMStop:
			result, err = s.runtime.StopLLM(ctx)
		case MethodLLMSwitch:
			result, err = s.runtime.SwitchLLM(ctx, req.Params)
		case MethodLLMStatus:
			result, err = s.runtime.Status(ctx)
		case MethodChat:
			result, err = s.runtime.Chat(ctx, req.Params)
		case MethodChatMany:
			result, err = s.runtime.ChatMany(ctx, req.Params)
		case MethodMetrics:
			result, err = s.runtime.Metrics(ctx)
		case MethodShutdown:
			result = map[string]any{"stopping": true}
			stop = true
		}
	}()
	stray := restore()

	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = classify(err)
		s.log.Warn().Int("id", req.ID).Str("method", string(method)).Str("code", resp.Error.Code).Msg(resp.Error.Message)
	} else {
		resp.OK = true
		resp.Result = result
	}
	if stray != "" {
		resp.Diagnostics = append(resp.Diagnostics, Diagnostic{Stage: "worker_stdout", Detail: stray})
		// Keep the text visible somewhere besides the envelope.
		s.log.Warn().Str("stray", stray).Msg("runtime wrote to stdout")
	}
	return resp, stop
}

// classify maps a runtime error onto the three wire error kinds.
func classify(err error) *ErrorEnvelope {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ErrorEnvelope{Code: CodeValidation, Message: ve.Msg}
	}
	var se *StageError
	if errors.As(err, &se) {
		return &ErrorEnvelope{Code: CodeRuntimeStage, Message: se.Msg, Stage: se.Stage, Trace: se.Trace}
	}
	return &ErrorEnvelope{Code: CodeInternal, Message: err.Error()}
}

// redirectStdout swaps the process stdout for a pipe and returns a restore
// function yielding whatever was written meanwhile.
func redirectStdout() func() string {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return func() string { return "" }
	}
	os.Stdout = w
	ch := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		ch <- buf.String()
	}()
	return func() string {
		_ = w.Close()
		os.Stdout = orig
		out := <-ch
		_ = r.Close()
		return strings.TrimSpace(out)
	}
}
