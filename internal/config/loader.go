package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the launch parameters for the inference server process.
// Nil pointer fields mean "unspecified": the corresponding flag is omitted and
// the server default applies.
type ServerConfig struct {
	ServerPath    string   `json:"server_path" yaml:"server_path" toml:"server_path"`
	Host          string   `json:"host" yaml:"host" toml:"host"`
	Port          int      `json:"port" yaml:"port" toml:"port"`
	CtxSize       int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads       *int     `json:"threads,omitempty" yaml:"threads,omitempty" toml:"threads,omitempty"`
	GPULayers     *int     `json:"gpu_layers,omitempty" yaml:"gpu_layers,omitempty" toml:"gpu_layers,omitempty"`
	BatchSize     *int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty" toml:"batch_size,omitempty"`
	Parallel      *int     `json:"parallel,omitempty" yaml:"parallel,omitempty" toml:"parallel,omitempty"`
	Seed          *int     `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
	RopeFreqBase  *float64 `json:"rope_freq_base,omitempty" yaml:"rope_freq_base,omitempty" toml:"rope_freq_base,omitempty"`
	RopeFreqScale *float64 `json:"rope_freq_scale,omitempty" yaml:"rope_freq_scale,omitempty" toml:"rope_freq_scale,omitempty"`
	Jinja         bool     `json:"jinja" yaml:"jinja" toml:"jinja"`
	CachePrompt   bool     `json:"cache_prompt" yaml:"cache_prompt" toml:"cache_prompt"`
	FlashAttn     bool     `json:"flash_attn" yaml:"flash_attn" toml:"flash_attn"`
	ReadyWaitSec  int      `json:"ready_wait_sec" yaml:"ready_wait_sec" toml:"ready_wait_sec"`
}

// RequestConfig holds client-level chat defaults merged under per-request
// overrides.
type RequestConfig struct {
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature   float64  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty" toml:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty" yaml:"stop,omitempty" toml:"stop,omitempty"`
	TimeoutSec    int      `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
	MaxParallel   int      `json:"max_parallel" yaml:"max_parallel" toml:"max_parallel"`
}

// WorkerConfig holds parent-side settings for the worker channel.
type WorkerConfig struct {
	CallTimeoutSec int `json:"call_timeout_sec" yaml:"call_timeout_sec" toml:"call_timeout_sec"`
}

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	ModelsDir string        `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DataDir   string        `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel  string        `json:"log_level" yaml:"log_level" toml:"log_level"`
	Server    ServerConfig  `json:"server" yaml:"server" toml:"server"`
	Request   RequestConfig `json:"request" yaml:"request" toml:"request"`
	Worker    WorkerConfig  `json:"worker" yaml:"worker" toml:"worker"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills unspecified fields with the daemon defaults.
func (c Config) WithDefaults() Config {
	if c.ModelsDir == "" {
		c.ModelsDir = "~/.essayd/models"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.essayd"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.CtxSize == 0 {
		c.Server.CtxSize = 8192
	}
	if c.Server.ReadyWaitSec == 0 {
		c.Server.ReadyWaitSec = 180
	}
	if c.Request.MaxTokens == 0 {
		c.Request.MaxTokens = 1024
	}
	if c.Request.TimeoutSec == 0 {
		c.Request.TimeoutSec = 120
	}
	if c.Request.MaxParallel == 0 {
		// Local inference servers degrade badly above a handful of slots.
		c.Request.MaxParallel = 4
	}
	if c.Worker.CallTimeoutSec == 0 {
		c.Worker.CallTimeoutSec = 240
	}
	return c
}

// Validate rejects values the rest of the layer would trip over. Artifact
// existence is checked later, at launch preflight.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.CtxSize < 0 {
		return fmt.Errorf("server.ctx_size must be >= 0")
	}
	if c.Request.MaxTokens <= 0 {
		return fmt.Errorf("request.max_tokens must be > 0")
	}
	if c.Request.Temperature < 0 {
		return fmt.Errorf("request.temperature must be >= 0")
	}
	if p := c.Request.TopP; p != nil && (*p <= 0 || *p > 1) {
		return fmt.Errorf("request.top_p must be in (0, 1] when provided")
	}
	if k := c.Request.TopK; k != nil && *k <= 0 {
		return fmt.Errorf("request.top_k must be > 0 when provided")
	}
	if rp := c.Request.RepeatPenalty; rp != nil && *rp <= 0 {
		return fmt.Errorf("request.repeat_penalty must be > 0 when provided")
	}
	for _, s := range c.Request.Stop {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("request.stop must only contain non-empty strings")
		}
	}
	return nil
}
