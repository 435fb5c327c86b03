package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"essayd/internal/config"
	"essayd/internal/session"
	"essayd/internal/tui"
	"essayd/internal/worker"
)

type app struct {
	cfgPath  string
	logLevel string

	cfg config.Config
	log zerolog.Logger
}

// newRootCmd wires the command tree. The worker subcommand owns the heavy
// runtime; everything else talks to it through the stdio protocol.
func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "essayd",
		Short:         "Local model supervision daemon for essay feedback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Config file (.yaml/.json/.toml); defaults apply when empty")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup()
	}

	root.AddCommand(
		a.workerCmd(),
		a.tuiCmd(),
		a.modelsCmd(),
		a.statusCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.switchCmd(),
		a.chatCmd(),
		a.metricsCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg := config.Config{}
	if a.cfgPath != "" {
		loaded, err := config.Load(a.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg = cfg.WithDefaults()
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	// Logs go to stderr: stdout belongs to the worker protocol.
	a.log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return nil
}

// workerCmd serves the stdio protocol in this process. Parent commands spawn
// it; it is also useful directly for debugging with a pipe.
func (a *app) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve the worker protocol on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := session.New(a.cfg, a.log)
			srv := worker.NewServer(rt, os.Stdin, os.Stdout, a.log)
			return srv.Run(cmd.Context())
		},
	}
}

// newWorkerClient spawns this same binary as the worker child.
func (a *app) newWorkerClient() (*worker.Client, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}
	args := []string{"worker", "--log-level", a.cfg.LogLevel}
	if a.cfgPath != "" {
		args = append(args, "--config", a.cfgPath)
	}
	timeout := time.Duration(a.cfg.Worker.CallTimeoutSec) * time.Second
	return worker.NewClient(self, args, timeout, a.log), nil
}

// withWorker runs fn against a fresh worker child and shuts it down after.
func (a *app) withWorker(fn func(c *worker.Client) error) error {
	c, err := a.newWorkerClient()
	if err != nil {
		return err
	}
	defer func() { _ = c.Shutdown() }()
	return fn(c)
}

func (a *app) tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Interactive terminal front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				return tui.Run(c, time.Duration(a.cfg.Worker.CallTimeoutSec)*time.Second)
			})
		},
	}
}

func (a *app) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models and their install state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				out, err := c.Call(cmd.Context(), worker.MethodLLMList, nil)
				if err != nil {
					return err
				}
				rows, _ := out["models"].([]any)
				for _, r := range rows {
					row, ok := r.(map[string]any)
					if !ok {
						continue
					}
					marks := make([]string, 0, 3)
					if row["selected"] == true {
						marks = append(marks, "selected")
					}
					if row["recommended"] == true {
						marks = append(marks, "recommended")
					}
					if row["installed"] != true {
						marks = append(marks, "not installed")
					}
					suffix := ""
					if len(marks) > 0 {
						suffix = "  [" + strings.Join(marks, ", ") + "]"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-24v %v (%v)%s\n", row["key"], row["display_name"], row["family"], suffix)
				}
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the selected model and server state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				out, err := c.Call(cmd.Context(), worker.MethodLLMStatus, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "model:   %v\n", out["selected_llm_key"])
				fmt.Fprintf(cmd.OutOrStdout(), "running: %v\n", out["running"])
				if ep, ok := out["endpoint"].(string); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "endpoint: %s\n", ep)
				}
				return nil
			})
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [model-key]",
		Short: "Start the inference server (optionally selecting a model first)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				params := map[string]any{}
				if len(args) == 1 {
					params["model_key"] = args[0]
				}
				out, err := c.Call(cmd.Context(), worker.MethodLLMStart, params)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started %v at %v\n", out["model_key"], out["endpoint"])
				return nil
			})
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				out, err := c.Call(cmd.Context(), worker.MethodLLMStop, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped: %v\n", out["stopped"])
				return nil
			})
		},
	}
}

func (a *app) switchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <model-key>",
		Short: "Select a different model, restarting the server if it runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				out, err := c.Call(cmd.Context(), worker.MethodLLMSwitch, map[string]any{"model_key": args[0]})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "switched to %v (was running: %v)\n", out["model_key"], out["was_running"])
				return nil
			})
		},
	}
}

func (a *app) chatCmd() *cobra.Command {
	var (
		system    string
		reasoning string
		maxTokens int
	)
	cmd := &cobra.Command{
		Use:   "chat <prompt>...",
		Short: "Run one chat completion through the worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				params := map[string]any{"user": strings.Join(args, " ")}
				if system != "" {
					params["system"] = system
				}
				if reasoning != "" {
					params["reasoning_mode"] = reasoning
				}
				if maxTokens > 0 {
					params["max_tokens"] = maxTokens
				}
				out, err := c.Call(cmd.Context(), worker.MethodChat, params)
				if err != nil {
					return err
				}
				if r, ok := out["reasoning_content"].(string); ok && r != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), r)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out["content"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "Reasoning mode: think|no_think")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Completion token cap (0 = config default)")
	return cmd
}

func (a *app) metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump worker metrics in Prometheus text format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(func(c *worker.Client) error {
				out, err := c.Call(cmd.Context(), worker.MethodMetrics, nil)
				if err != nil {
					return err
				}
				text, _ := out["text"].(string)
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}
