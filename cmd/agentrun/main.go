// Command agentrun is the CLI wrapper over the agent runtime (§6 "CLI
// surface"): a single `run "<prompt>"` subcommand with flags for mode,
// model override, sampling, debug tracing, and sanitisation.
//
// Grounded on the teacher repo's cmd/nexus/main.go: the structured
// slog.JSONHandler logger, the cobra root command with an RunE-returning
// subcommand, and the --config flag default path are kept; the teacher's
// many gateway/channel/plugin subcommands have no equivalent here since
// this runtime exposes one operation (run a prompt), not a multi-channel
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	runtimepkg "github.com/nexus-agent/runtime"
	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/config"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/internal/llm/providers"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/internal/tools"
)

// Exit codes per §6: 0 success, 1 user/validation error, 2 LLM
// unavailable, 3 timeout, 4 internal error.
const (
	exitOK            = 0
	exitUserError     = 1
	exitLLMUnavailable = 2
	exitTimeout       = 3
	exitInternal      = 4
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "agentrun",
		Short:   "Run a prompt through the tool-using conversational agent runtime",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(newRunCommand())
	return root
}

type runFlags struct {
	configPath  string
	mode        string
	model       string
	temperature float64
	maxTokens   int
	debug       bool
	noSanitize  bool
	sessionID   string
	metricsAddr string
	auditDB     string
}

func newRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run \"<prompt>\"",
		Short: "Run a single prompt in act or plan mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "agentrun.yaml", "Path to config file")
	cmd.Flags().StringVar(&flags.mode, "mode", "act", "Run mode: act or plan")
	cmd.Flags().StringVar(&flags.model, "model", "", "Override the active backend's model")
	cmd.Flags().Float64Var(&flags.temperature, "temperature", 0, "Override sampling temperature")
	cmd.Flags().IntVar(&flags.maxTokens, "max-tokens", 0, "Override max response tokens")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Emit an OTLP trace for this run to localhost:4317")
	cmd.Flags().BoolVar(&flags.noSanitize, "no-sanitize", false, "Disable identity normalisation of assistant output")
	cmd.Flags().StringVar(&flags.sessionID, "session", "", "Session id to persist conversation state under")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090) for the duration of the run")
	cmd.Flags().StringVar(&flags.auditDB, "audit-db", "", "If set, append this run to a SQLite audit trail at this path")

	return cmd
}

func runPrompt(ctx context.Context, prompt string, flags *runFlags) error {
	if flags.mode != "act" && flags.mode != "plan" {
		return userError(fmt.Errorf("--mode must be 'act' or 'plan', got %q", flags.mode))
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return userError(fmt.Errorf("load config: %w", err))
	}

	provider, err := buildProvider(cfg, flags.model)
	if err != nil {
		return llmUnavailableError(err)
	}

	var tracer *telemetry.Tracer
	shutdown := func(context.Context) error { return nil }
	if flags.debug {
		tracer, shutdown = telemetry.New(telemetry.Config{ServiceName: "agentrun", Endpoint: "localhost:4317", EnableInsecure: true})
	}
	defer func() { _ = shutdown(context.Background()) }()

	var registerer prometheus.Registerer
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerer = reg
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: flags.metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server exited", "error", err)
			}
		}()
		defer func() { _ = server.Close() }()
	}

	sanitize := !flags.noSanitize
	rt := runtimepkg.New(runtimepkg.Options{
		Config:            cfg,
		Provider:          provider,
		SessionsDir:       "./.agentrun-sessions",
		Tracer:            tracer,
		Sanitize:          &sanitize,
		MetricsRegisterer: registerer,
		ProviderName:      cfg.Backends[cfg.ActiveLLM].APIType,
		AuditDBPath:       flags.auditDB,
	})
	if err := rt.RegisterTools(tools.Echo{}); err != nil {
		return internalError(fmt.Errorf("register built-in tools: %w", err))
	}

	runCtx := ctx
	if backend, ok := cfg.Backends[cfg.ActiveLLM]; ok && backend.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, backend.Timeout)
		defer cancel()
	}

	result, err := rt.RunWithOptions(runCtx, prompt, flags.sessionID, runtimepkg.Mode(flags.mode), runtimepkg.RunOptions{
		Model:       flags.model,
		Temperature: flags.temperature,
		MaxTokens:   flags.maxTokens,
	})
	if err != nil {
		return classifyRunError(err)
	}

	fmt.Println(result.Response)
	return nil
}

func buildProvider(cfg *config.Config, modelOverride string) (llm.Provider, error) {
	backend, ok := cfg.Backends[cfg.ActiveLLM]
	if !ok {
		return nil, fmt.Errorf("no backend configured for active_llm %q", cfg.ActiveLLM)
	}
	model := backend.Model
	if modelOverride != "" {
		model = modelOverride
	}

	switch backend.APIType {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       backend.APIKey,
			BaseURL:      backend.APIBase,
			DefaultModel: model,
			MaxTokens:    backend.MaxTokens,
		})
	case "openai", "":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       backend.APIKey,
			BaseURL:      backend.APIBase,
			DefaultModel: model,
		})
	default:
		return nil, fmt.Errorf("unsupported api_type %q for backend %q", backend.APIType, cfg.ActiveLLM)
	}
}

// classified errors carry an explicit exit code alongside the message so
// exitCodeFor doesn't need to re-derive classification from error text.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(err error) error         { return &exitError{code: exitUserError, err: err} }
func llmUnavailableError(err error) error { return &exitError{code: exitLLMUnavailable, err: err} }
func timeoutError(err error) error      { return &exitError{code: exitTimeout, err: err} }
func internalError(err error) error     { return &exitError{code: exitInternal, err: err} }

func classifyRunError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(err)
	}
	if agentErr, ok := agenterr.As(err); ok {
		switch agentErr.Kind {
		case agenterr.KindDeadline:
			return timeoutError(err)
		case agenterr.KindModelUnavailable, agenterr.KindNetwork, agenterr.KindServer, agenterr.KindRateLimit:
			return llmUnavailableError(err)
		case agenterr.KindValidation:
			return userError(err)
		default:
			return internalError(err)
		}
	}
	return internalError(err)
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		slog.Error("run failed", "error", ee.err, "exit_code", ee.code)
		return ee.code
	}
	slog.Error("run failed", "error", err)
	return exitUserError
}
