package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	handshakeTimeout = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
	exitGrace        = 2 * time.Second
	noiseKeep        = 3
)

// Client drives one worker child process over its stdio pipes. Calls are
// strictly serialized: one request in flight at a time, matched by id. On a
// channel failure the client restarts the worker and retries the call
// exactly once.
type Client struct {
	command     string
	args        []string
	callTimeout time.Duration
	log         zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	procDone chan struct{}
	nextID   int
	noise    []string
}

// NewClient prepares a client that will spawn `command args...` on first
// use. callTimeout bounds each RPC.
func NewClient(command string, args []string, callTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		command:     command,
		args:        args,
		callTimeout: callTimeout,
		nextID:      1,
		log:         log.With().Str("component", "worker-client").Logger(),
	}
}

// Call performs one RPC against the worker, starting it if needed. A
// channel-kind failure triggers one restart-and-retry; a second failure or
// any worker-reported error propagates as is.
func (c *Client) Call(ctx context.Context, method Method, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.callLocked(ctx, method, params, c.callTimeout)
	if err != nil && IsClientError(err) {
		c.log.Warn().Err(err).Str("method", string(method)).Msg("worker channel failed, restarting once")
		restartsTotal.Inc()
		c.terminateLocked()
		result, err = c.callLocked(ctx, method, params, c.callTimeout)
	}
	if err != nil {
		callsTotal.WithLabelValues(string(method), "error").Inc()
		return nil, err
	}
	callsTotal.WithLabelValues(string(method), "ok").Inc()
	return result, nil
}

// Shutdown asks the worker to stop cooperatively, then makes sure the
// process is gone. Safe to call when the worker was never started; a worker
// that already died is reaped, never respawned just to be told to stop.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked() {
		c.terminateLocked()
		return nil
	}
	_, err := c.callLocked(context.Background(), MethodShutdown, nil, shutdownTimeout)
	if err != nil {
		c.log.Warn().Err(err).Msg("cooperative shutdown failed, terminating")
		c.terminateLocked()
		return err
	}
	select {
	case <-c.procDone:
	case <-time.After(exitGrace):
		c.log.Warn().Msg("worker ignored shutdown, killing")
	}
	c.terminateLocked()
	return nil
}

// Running reports whether a worker process is currently alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveLocked()
}

func (c *Client) aliveLocked() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.procDone:
		return false
	default:
		return true
	}
}

func (c *Client) callLocked(ctx context.Context, method Method, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if err := c.ensureStartedLocked(ctx); err != nil {
		return nil, err
	}
	return c.roundTripLocked(ctx, method, params, timeout)
}

// roundTripLocked writes one request and reads lines until the matching
// response arrives or the deadline passes. Unmatched lines are kept as
// noise for timeout diagnostics, never treated as fatal.
func (c *Client) roundTripLocked(ctx context.Context, method Method, params map[string]any, timeout time.Duration) (map[string]any, error) {
	id := c.nextID
	c.nextID++

	req := Request{ID: id, Method: string(method), Params: params}
	if err := WriteMessage(c.stdin, req); err != nil {
		return nil, &ClientError{Msg: "write to worker failed", Err: err}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, &ClientError{Msg: "worker closed its output"}
			}
			resp, err := DecodeResponse([]byte(line))
			if err != nil {
				c.addNoise(line)
				continue
			}
			if resp.ID != id && resp.ID != ProtocolID {
				// Stale response from an abandoned call; calls are
				// serialized, so it cannot belong to anyone else.
				c.addNoise(line)
				continue
			}
			if !resp.OK {
				env := resp.Error
				if env == nil {
					env = &ErrorEnvelope{Code: CodeInternal, Message: "worker returned failure without detail"}
				}
				return nil, &CommandError{
					Code:        env.Code,
					Message:     env.Message,
					Stage:       env.Stage,
					Trace:       env.Trace,
					Diagnostics: resp.Diagnostics,
				}
			}
			for _, d := range resp.Diagnostics {
				c.log.Debug().Str("stage", d.Stage).Str("detail", d.Detail).Msg("worker diagnostic")
			}
			return resp.Result, nil
		case <-deadline.C:
			msg := fmt.Sprintf("worker call %s timed out after %s", method, timeout)
			if len(c.noise) > 0 {
				msg += "; recent worker output: " + strings.Join(c.noise, " | ")
			}
			return nil, &ClientError{Msg: msg}
		case <-ctx.Done():
			return nil, &ClientError{Msg: "worker call canceled", Err: ctx.Err()}
		}
	}
}

// ensureStartedLocked spawns the worker if absent or exited and performs a
// health handshake. Handshake failures are channel errors, so the caller's
// one-shot retry covers a bad first spawn.
func (c *Client) ensureStartedLocked(ctx context.Context) error {
	if c.aliveLocked() {
		return nil
	}
	c.terminateLocked()

	cmd := exec.Command(c.command, c.args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ClientError{Msg: "open worker stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ClientError{Msg: "open worker stdout", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &ClientError{Msg: "spawn worker", Err: err}
	}
	c.log.Info().Int("pid", cmd.Process.Pid).Str("command", c.command).Msg("worker started")

	lines := make(chan string, 64)
	scanDone := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
		close(scanDone)
	}()
	procDone := make(chan struct{})
	go func() {
		// Wait closes the stdout pipe, so it must not run until the
		// scanner has drained it or the final response line can be lost.
		<-scanDone
		_ = cmd.Wait()
		close(procDone)
	}()

	c.cmd = cmd
	c.stdin = stdin
	c.lines = lines
	c.procDone = procDone

	if _, err := c.roundTripLocked(ctx, MethodHealth, nil, handshakeTimeout); err != nil {
		c.terminateLocked()
		if IsClientError(err) {
			return err
		}
		return &ClientError{Msg: "worker handshake failed", Err: err}
	}
	return nil
}

// terminateLocked tears the current process down without ceremony.
func (c *Client) terminateLocked() {
	if c.cmd == nil {
		return
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	select {
	case <-c.procDone:
	case <-time.After(exitGrace):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.procDone
	}
	c.cmd = nil
	c.stdin = nil
	c.lines = nil
	c.procDone = nil
}

func (c *Client) addNoise(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	c.noise = append(c.noise, line)
	if len(c.noise) > noiseKeep {
		c.noise = c.noise[len(c.noise)-noiseKeep:]
	}
}
