package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := ExpandHome("~/models")
	if err != nil {
		t.Fatalf("ExpandHome: %v", err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expected %q to start with %q", got, home)
	}
	if got, _ := ExpandHome("~"); got != home {
		t.Fatalf("bare tilde: got %q want %q", got, home)
	}
	if got, _ := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path should pass through, got %q", got)
	}
	if got, _ := ExpandHome(""); got != "" {
		t.Fatalf("empty path should pass through, got %q", got)
	}
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	if !PathExists(dir) {
		t.Fatalf("expected temp dir to exist")
	}
	if PathExists(filepath.Join(dir, "missing")) {
		t.Fatalf("expected missing path to not exist")
	}
}

func TestRegularFileExists(t *testing.T) {
	dir := t.TempDir()
	if RegularFileExists(dir) {
		t.Fatalf("directory must not count as a regular file")
	}
	p := filepath.Join(dir, "weights.gguf")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !RegularFileExists(p) {
		t.Fatalf("expected regular file to be detected")
	}
	if RegularFileExists(filepath.Join(dir, "missing.gguf")) {
		t.Fatalf("missing file must not be detected")
	}
}
