package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"essayd/internal/common/fsutil"
)

// State is the lifecycle phase of the supervised server process.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateProbingCapabilities
	StatePollingReadiness
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateProbingCapabilities:
		return "probing_capabilities"
	case StatePollingReadiness:
		return "polling_readiness"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

const (
	defaultPollInterval = 250 * time.Millisecond
	probeTimeout        = 1 * time.Second
	stopGrace           = 5 * time.Second
	outputTailBytes     = 4096
)

// Supervisor owns exactly one inference server process for one logical role
// (chat model, OCR model). Callers only ever observe a fully-ready or absent
// server. Start/Stop are not safe for concurrent use on the same Supervisor;
// callers serialize through the worker's single-call lock.
type Supervisor struct {
	role  string
	spec  LaunchSpec
	ref   ArtifactRef
	alias string

	readyWait    time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
	log          zerolog.Logger

	// probed once per instance; failures default to the modern syntax.
	probeOnce   sync.Once
	flashValued bool

	state  State
	cmd    *exec.Cmd
	done   chan struct{}
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// New constructs a Supervisor for one server role. alias is the model name
// reported to the server in readiness probes.
func New(role string, spec LaunchSpec, ref ArtifactRef, alias string, readyWait time.Duration, log zerolog.Logger) *Supervisor {
	if readyWait <= 0 {
		readyWait = 180 * time.Second
	}
	return &Supervisor{
		role:         role,
		spec:         spec,
		ref:          ref,
		alias:        alias,
		readyWait:    readyWait,
		pollInterval: defaultPollInterval,
		// Timeout stays 0: every request carries its own context deadline.
		httpClient: &http.Client{Timeout: 0},
		log:        log.With().Str("role", role).Logger(),
		state:      StateAbsent,
	}
}

// BaseURL is the HTTP root of the supervised server.
func (s *Supervisor) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.spec.Host, s.spec.Port)
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return s.state }

// IsRunning polls the real process status; it never reports a cached flag.
func (s *Supervisor) IsRunning() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start launches the server and blocks until the chat endpoint answers or the
// wait budget expires. Calling Start while already running is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	s.state = StateStarting

	if !fsutil.RegularFileExists(s.spec.ServerPath) {
		s.state = StateAbsent
		launchesTotal.WithLabelValues(s.role, "config_error").Inc()
		return ErrConfig("inference server not found: " + s.spec.ServerPath)
	}
	if s.ref.ModelPath == "" {
		s.state = StateAbsent
		launchesTotal.WithLabelValues(s.role, "config_error").Inc()
		return ErrConfig("model weights path is required to start the server")
	}
	if !fsutil.RegularFileExists(s.ref.ModelPath) {
		s.state = StateAbsent
		launchesTotal.WithLabelValues(s.role, "config_error").Inc()
		return ErrConfig("model weights not found: " + s.ref.ModelPath)
	}
	if s.ref.ProjectorPath != "" && !fsutil.RegularFileExists(s.ref.ProjectorPath) {
		s.state = StateAbsent
		launchesTotal.WithLabelValues(s.role, "config_error").Inc()
		return ErrConfig("projector artifact not found: " + s.ref.ProjectorPath)
	}

	s.state = StateProbingCapabilities
	s.probeOnce.Do(s.probeFlashAttnSyntax)

	args := BuildArgs(s.spec, s.ref, s.flashValued)
	s.stdout.Reset()
	s.stderr.Reset()
	cmd := exec.Command(s.spec.ServerPath, args...)
	cmd.Stdout = &s.stdout
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		s.state = StateAbsent
		launchesTotal.WithLabelValues(s.role, "spawn_error").Inc()
		return ErrStartup("start inference server: "+err.Error(), "")
	}
	s.cmd = cmd
	done := make(chan struct{})
	s.done = done
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	s.log.Info().Int("pid", cmd.Process.Pid).Str("host", s.spec.Host).Int("port", s.spec.Port).Msg("server starting")

	s.state = StatePollingReadiness
	started := time.Now()
	deadline := started.Add(s.readyWait)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return ctx.Err()
		case <-done:
			out := s.outputTail()
			s.clearHandle()
			launchesTotal.WithLabelValues(s.role, "exit_early").Inc()
			s.log.Error().Msg("server exited during startup")
			return ErrStartup("inference server exited during startup", out)
		default:
		}
		if time.Now().After(deadline) {
			// Stop before reading the tail: exec's copier goroutines keep
			// writing the buffers until the process is reaped.
			_ = s.Stop()
			out := s.outputTail()
			launchesTotal.WithLabelValues(s.role, "timeout").Inc()
			s.log.Error().Dur("waited", time.Since(started)).Msg("server readiness timeout")
			return ErrStartup("timed out waiting for the inference server to become ready", out)
		}
		if s.probeChatReady(ctx) {
			s.state = StateRunning
			launchesTotal.WithLabelValues(s.role, "ready").Inc()
			readySeconds.WithLabelValues(s.role).Observe(time.Since(started).Seconds())
			s.log.Info().Int("pid", cmd.Process.Pid).Str("url", s.BaseURL()).Msg("server ready")
			return nil
		}
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return ctx.Err()
		case <-done:
			// handled at the top of the loop
		case <-ticker.C:
		}
	}
}

// Stop sends a graceful terminate, waits a short bound and force-kills on
// timeout. It always clears the handle and is safe to call when absent.
func (s *Supervisor) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		s.state = StateAbsent
		return nil
	}
	s.state = StateStopping
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	s.clearHandle()
	s.log.Info().Msg("server stopped")
	return nil
}

func (s *Supervisor) clearHandle() {
	s.cmd = nil
	s.state = StateAbsent
}

// probeFlashAttnSyntax runs the executable's help path once and records
// whether the flash-attention flag takes a value. Probe failures default to
// the modern syntax rather than blocking startup.
func (s *Supervisor) probeFlashAttnSyntax() {
	out, err := exec.Command(s.spec.ServerPath, "-h").CombinedOutput()
	if err != nil {
		s.flashValued = true
		return
	}
	s.flashValued = strings.Contains(string(out), "--flash-attn [on|off|auto]")
}

// probeChatReady attempts a minimal chat completion. Only HTTP 200 from the
// chat endpoint counts: /health and /v1/models answer before the model has
// finished loading.
func (s *Supervisor) probeChatReady(ctx context.Context) bool {
	payload := map[string]any{
		"model":       s.alias,
		"temperature": 0.0,
		"max_tokens":  1,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a readiness probe."},
			{"role": "user", "content": "ping"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, s.BaseURL()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// outputTail returns the captured process output, bounded per stream.
func (s *Supervisor) outputTail() string {
	return "stdout:\n" + tail(s.stdout.String()) + "\n\nstderr:\n" + tail(s.stderr.String())
}

func tail(text string) string {
	if len(text) > outputTailBytes {
		return text[len(text)-outputTailBytes:]
	}
	return text
}
