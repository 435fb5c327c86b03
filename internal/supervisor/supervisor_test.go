package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// buildFakeServer builds the fake inference server used for process tests.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake_llama_server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

func writeWeights(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return p
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestSupervisor(bin, weights string, port int, readyWait time.Duration) *Supervisor {
	spec := LaunchSpec{ServerPath: bin, Host: "127.0.0.1", Port: port, CtxSize: 2048, CachePrompt: true}
	return New("chat", spec, ArtifactRef{ModelPath: weights}, "test-model", readyWait, zerolog.Nop())
}

func TestStartMissingExecutableIsConfigError(t *testing.T) {
	s := newTestSupervisor("/nonexistent/llama-server", writeWeights(t), 1, time.Second)
	err := s.Start(context.Background())
	if err == nil {
		t.Fatalf("expected error for missing executable")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/llama-server") {
		t.Fatalf("error should name the missing path: %v", err)
	}
	if s.IsRunning() || s.State() != StateAbsent {
		t.Fatalf("no process may exist after a config error")
	}
}

func TestStartMissingModelArtifactIsConfigError(t *testing.T) {
	bin := buildFakeServer(t)
	s := newTestSupervisor(bin, filepath.Join(t.TempDir(), "missing.gguf"), 1, time.Second)
	err := s.Start(context.Background())
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}

	s = newTestSupervisor(bin, writeWeights(t), 1, time.Second)
	s.ref.ProjectorPath = filepath.Join(t.TempDir(), "missing-mmproj.gguf")
	if err := s.Start(context.Background()); !IsConfigError(err) {
		t.Fatalf("expected config error for missing projector, got %v", err)
	}
}

func TestStartBecomesReadyAndStopClearsHandle(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildFakeServer(t)
	port := freePort(t)
	s := newTestSupervisor(bin, writeWeights(t), port, 15*time.Second)
	t.Setenv("FAKE_LLAMA_READY_DELAY_MS", "300")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() || s.State() != StateRunning {
		t.Fatalf("expected running server, state=%s", s.State())
	}
	// Idempotent while running.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() || s.State() != StateAbsent {
		t.Fatalf("expected absent server after Stop, state=%s", s.State())
	}
	// Safe when already absent.
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop when absent: %v", err)
	}
}

func TestStartReadinessTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildFakeServer(t)
	port := freePort(t)
	s := newTestSupervisor(bin, writeWeights(t), port, 1200*time.Millisecond)
	t.Setenv("FAKE_LLAMA_READY_DELAY_MS", "60000")
	// The server keeps writing while the supervisor waits; the tail may only
	// be read once the process is reaped.
	t.Setenv("FAKE_LLAMA_CHATTER_MS", "20")

	err := s.Start(context.Background())
	if !IsStartupError(err) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %v", err)
	}
	if !strings.Contains(err.Error(), "loading tensors") {
		t.Fatalf("expected captured server output in error, got %v", err)
	}
	if s.IsRunning() || s.State() != StateAbsent {
		t.Fatalf("expected absent server after a readiness timeout, state=%s", s.State())
	}
}

func TestStartSurfacesEarlyExitOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildFakeServer(t)
	s := newTestSupervisor(bin, writeWeights(t), freePort(t), 10*time.Second)
	t.Setenv("FAKE_LLAMA_EXIT_CODE", "3")

	err := s.Start(context.Background())
	if !IsStartupError(err) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exited during startup") {
		t.Fatalf("expected early-exit message, got %v", err)
	}
	if !strings.Contains(err.Error(), "failing on purpose") {
		t.Fatalf("expected captured stderr in error, got %v", err)
	}
	if s.IsRunning() {
		t.Fatalf("handle must be cleared after early exit")
	}
}

func TestProbeFailureDefaultsToModernSyntax(t *testing.T) {
	s := newTestSupervisor("/nonexistent/llama-server", "", 1, time.Second)
	s.probeFlashAttnSyntax()
	if !s.flashValued {
		t.Fatalf("probe failure must default to the valued syntax")
	}
}
