package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"

	"essayd/internal/common/fsutil"
)

// ModelSpec describes one model the application knows how to run.
type ModelSpec struct {
	Key           string `json:"key"`
	DisplayName   string `json:"display_name"`
	Family        string `json:"family"`
	WeightsFile   string `json:"weights_file"`
	ProjectorFile string `json:"projector_file,omitempty"`
	MinRAMGB      int    `json:"min_ram_gb"`
	MinVRAMGB     int    `json:"min_vram_gb"`
	ParamSizeB    int    `json:"param_size_b"`
	Notes         string `json:"notes,omitempty"`
}

// catalog is the built-in model list. Keys are stable identifiers persisted
// in the selection file.
var catalog = []ModelSpec{
	{
		Key:         "qwen3_4b_instruct_q8",
		DisplayName: "Qwen3 4B Q8_0 Instruct",
		Family:      "instruct",
		WeightsFile: "Qwen3-4B-Instruct-2507-Q8_0.gguf",
		MinRAMGB:    6,
		MinVRAMGB:   6,
		ParamSizeB:  4,
		Notes:       "CPU/GPU friendly; good quality for 4B.",
	},
	{
		Key:         "qwen3_4b_q8",
		DisplayName: "Qwen3 4B Q8_0",
		Family:      "instruct/think",
		WeightsFile: "Qwen3-4B-Q8_0.gguf",
		MinRAMGB:    6,
		MinVRAMGB:   6,
		ParamSizeB:  4,
		Notes:       "Thinking and instruct variant.",
	},
	{
		Key:         "qwen3_8b_q8",
		DisplayName: "Qwen3 8B Q8_0",
		Family:      "instruct/think",
		WeightsFile: "Qwen3-8B-Q8_0.gguf",
		MinRAMGB:    12,
		MinVRAMGB:   6,
		ParamSizeB:  8,
		Notes:       "Thinking and instruct variant.",
	},
}

// Catalog returns a copy of the built-in model list.
func Catalog() []ModelSpec {
	out := make([]ModelSpec, len(catalog))
	copy(out, catalog)
	return out
}

// Find returns the spec for key, if it exists.
func Find(key string) (ModelSpec, bool) {
	for _, s := range catalog {
		if s.Key == key {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// Installed reports whether the weights (and projector, when declared) of
// spec exist under modelsDir as regular files.
func Installed(spec ModelSpec, modelsDir string) bool {
	dir, err := fsutil.ExpandHome(modelsDir)
	if err != nil {
		return false
	}
	if !fsutil.RegularFileExists(filepath.Join(dir, spec.WeightsFile)) {
		return false
	}
	if spec.ProjectorFile != "" {
		return fsutil.RegularFileExists(filepath.Join(dir, spec.ProjectorFile))
	}
	return true
}

// WeightsPath returns the on-disk weights path for spec under modelsDir.
func WeightsPath(spec ModelSpec, modelsDir string) (string, error) {
	dir, err := fsutil.ExpandHome(modelsDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, spec.WeightsFile), nil
}

// ProjectorPath returns the projector artifact path, or "" when the spec has
// none.
func ProjectorPath(spec ModelSpec, modelsDir string) (string, error) {
	if spec.ProjectorFile == "" {
		return "", nil
	}
	dir, err := fsutil.ExpandHome(modelsDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, spec.ProjectorFile), nil
}

// Recommend picks the largest installed-or-not spec whose minimums fit the
// given budgets; zero budgets mean unconstrained. Falls back to the smallest
// spec when nothing fits.
func Recommend(ramGB, vramGB int) ModelSpec {
	ranked := Catalog()
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].MinRAMGB != ranked[j].MinRAMGB {
			return ranked[i].MinRAMGB > ranked[j].MinRAMGB
		}
		return ranked[i].MinVRAMGB > ranked[j].MinVRAMGB
	})
	for _, s := range ranked {
		if ramGB > 0 && ramGB < s.MinRAMGB {
			continue
		}
		if vramGB > 0 && vramGB < s.MinVRAMGB {
			continue
		}
		return s
	}
	return ranked[len(ranked)-1]
}

// selectionFile is where the chosen model key persists across sessions.
func selectionFile(dataDir string) (string, error) {
	dir, err := fsutil.ExpandHome(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config", "llm_model.json"), nil
}

type selectionPayload struct {
	ModelKey string `json:"model_key"`
}

// LoadSelectedKey returns the persisted model key, or "" when none is stored
// or the file is unreadable.
func LoadSelectedKey(dataDir string) string {
	p, err := selectionFile(dataDir)
	if err != nil {
		return ""
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var payload selectionPayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return ""
	}
	return payload.ModelKey
}

// SaveSelectedKey persists the chosen model key under dataDir.
func SaveSelectedKey(dataDir, key string) error {
	p, err := selectionFile(dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := json.MarshalIndent(selectionPayload{ModelKey: key}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}
