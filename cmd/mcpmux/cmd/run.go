package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	celeval "github.com/mcpmux/mcpmux/internal/adapter/outbound/cel"
	"github.com/mcpmux/mcpmux/internal/adapter/inbound/stdio"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/domain/policy"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/registry"
	"github.com/mcpmux/mcpmux/internal/router"
	"github.com/mcpmux/mcpmux/internal/service"
	"github.com/mcpmux/mcpmux/internal/telemetry"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

const policyCacheSize = 4096

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy against process stdio",
	Long: `Start mcpmux against the process's own stdin/stdout. Spawns every
configured upstream, aggregates their tools/resources/prompts into one
namespaced view, and relays JSON-RPC traffic between the client and
whichever upstream owns the call.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return configError(fmt.Errorf("failed to load config: %w", err))
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLogLevel(cfg.Server.LogLevel))
	var handler slog.Handler
	if cfg.Server.StructuredLogging {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	}
	logger := slog.New(handler)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, levelVar, logger); err != nil {
		return runtimeFatal(err)
	}

	logger.Info("mcpmux stopped")
	return nil
}

// run wires the auth gate, rate limiter, policy engine, router, and every
// configured upstream together, then blocks on the stdio transport until
// the client disconnects or ctx is canceled.
func run(ctx context.Context, cfg *config.ProxyConfig, levelVar *slog.LevelVar, logger *slog.Logger) error {
	authGate := buildAuthGate(cfg.Auth)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = ratelimit.New(cfg.RateLimit.PerMinute)
		limiter.StartCleanup()
		defer limiter.Stop()
	}

	policyEvaluator, err := buildPolicyEvaluator(cfg)
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}

	// Traces go to stderr, never stdout: stdout is the client's MCP wire.
	shutdownTracing, err := telemetry.InitTracer(ctx, "mcpmux", os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	r := router.NewRouter(router.Config{
		Namer:           registry.Namer{Separator: cfg.Server.NamespaceSeparator},
		AuthGate:        authGate,
		Limiter:         limiter,
		Policy:          policyEvaluator,
		ResponseTimeout: cfg.Server.ResponseTimeout,
		Logger:          logger,
		LevelVar:        levelVar,
		Metrics:         metrics,
	})

	for _, uc := range cfg.Upstreams {
		upstreamCfg := upstream.Config{
			Command:             uc.Command[0],
			Args:                uc.Command[1:],
			Env:                 uc.Env,
			Framing:             parseStdioMode(uc.StdioMode),
			StartupTimeout:      uc.StartupTimeout,
			ShutdownGrace:       uc.ShutdownGrace,
			ResponseTimeout:     cfg.Server.ResponseTimeout,
			HealthcheckInterval: cfg.Server.HealthcheckInterval,
			HealthcheckTimeout:  cfg.Server.HealthcheckTimeout,
		}
		r.AddUpstream(uc.ID, func(handlers upstream.Handlers) *upstream.Server {
			return upstream.NewServer(uc.ID, upstreamCfg, logger, handlers)
		})
	}

	logger.Info("mcpmux starting",
		"upstreams", len(cfg.Upstreams),
		"namespace_separator", cfg.Server.NamespaceSeparator,
		"auth_configured", authGate.Configured(),
		"rate_limit_per_minute", cfg.RateLimit.PerMinute,
	)

	transport := stdio.NewStdioTransport(r, framing.ModeAuto, logger)
	return transport.Start(ctx)
}

// buildAuthGate resolves the configured shared-token gate. At most one of
// Token/TokenHash is expected to be set; TokenHash takes precedence since
// it's the deliberate choice to avoid a plaintext secret in config.
func buildAuthGate(cfg config.AuthConfig) *auth.Gate {
	if cfg.TokenHash != "" {
		return auth.NewGateFromHash(cfg.TokenHash)
	}
	return auth.NewGate(cfg.Token)
}

// buildPolicyEvaluator compiles every upstream's configured policies into
// one cached CEL evaluator, scoping each upstream's rules to calls on that
// upstream's own tools. A nil return disables the policy gate
// entirely, leaving every tool call default-allow (spec.md §4.6).
func buildPolicyEvaluator(cfg *config.ProxyConfig) (policy.Evaluator, error) {
	var policies []policy.Policy
	for _, u := range cfg.Upstreams {
		for _, p := range u.ToDomain() {
			for i := range p.Rules {
				p.Rules[i].Condition = fmt.Sprintf("tool.server == %s && (%s)", strconv.Quote(u.ID), p.Rules[i].Condition)
			}
			policies = append(policies, p)
		}
	}
	if len(policies) == 0 {
		return nil, nil
	}

	eval, err := celeval.NewEvaluator()
	if err != nil {
		return nil, err
	}
	engine, err := service.NewPolicyEngine(eval, policies)
	if err != nil {
		return nil, err
	}
	return service.NewPolicyCache(engine, policyCacheSize), nil
}

// parseStdioMode maps the configured stdio_mode string to framing.Mode.
func parseStdioMode(mode string) framing.Mode {
	switch strings.ToLower(mode) {
	case "header":
		return framing.ModeHeader
	case "newline":
		return framing.ModeNewline
	default:
		return framing.ModeAuto
	}
}

// parseLogLevel converts a configured log level string to slog.Level.
// Unrecognized values default to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
