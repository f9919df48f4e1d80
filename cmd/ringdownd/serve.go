package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/danshapiro/ringdown/internal/agentprofile"
	"github.com/danshapiro/ringdown/internal/config"
	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/managedav"
	"github.com/danshapiro/ringdown/internal/observability"
	"github.com/danshapiro/ringdown/internal/ringtools"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/internal/voiceloop"
)

// conversationWindow bounds how many messages the Conversation Store keeps
// per caller, per spec.md §3's Conversation Record window.
const conversationWindow = 40

// buildServeCmd creates the "serve" command that starts ringdownd.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ringdownd server",
		Long: `Start ringdownd with its telephony WebSocket endpoint and managed-AV
HTTP endpoints.

The server will:
1. Load and validate configuration from the specified file
2. Build the agent profile registry and tool registry
3. Initialize the Anthropic/OpenAI LLM driver
4. Start the telephony WebSocket loop and managed-AV HTTP controller
5. Start the metrics server on its own port

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  ringdownd serve

  # Start with a specific config file
  ringdownd serve --config /etc/ringdown/production.yaml

  # Start with debug logging
  ringdownd serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ringdown.yaml", "Path to YAML/JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// runServe loads configuration, wires every component, and blocks until a
// shutdown signal arrives or a listener fails.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting ringdownd", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"metrics_port", cfg.Server.MetricsPort,
		"agents", len(cfg.Agents),
	)

	registry := tooling.NewRegistry()
	toolBlurbs := map[string]string{}
	for _, spec := range builtinToolSpecs() {
		if err := registry.Register(spec); err != nil {
			return fmt.Errorf("register tool %q: %w", spec.Name, err)
		}
		toolBlurbs[spec.Name] = spec.Description
	}

	profiles, err := agentprofile.NewRegistry(cfg.AgentProfiles(toolBlurbs), "")
	if err != nil {
		return fmt.Errorf("build agent profile registry: %w", err)
	}

	store := conversation.NewMemoryStore(conversationWindow)

	if cfg.LLM.AnthropicAPIKey == "" {
		return fmt.Errorf("llm.anthropic_api_key is required")
	}
	primary := llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, cfg.Defaults.Model)
	var backup llm.Provider
	if cfg.LLM.OpenAIAPIKey != "" {
		backup = llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey)
	}
	driver := llm.NewDriver(primary, backup)
	executor := tooling.NewExecutor(registry)

	baseLogger := buildSlogLogger(cfg.Logging)
	appLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		Enabled:       cfg.Tracing.Enabled,
		ServiceName:   firstNonEmpty(cfg.Tracing.ServiceName, "ringdownd"),
		ServiceVersion: version,
		Environment:   cfg.Tracing.Environment,
		SamplingRatio: cfg.Tracing.SamplingRatio,
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	metrics := observability.NewMetrics()
	events := observability.NewEventRecorder(observability.NewMemoryEventStore(1000), appLogger)
	obs := &observability.Collector{Metrics: metrics, Tracer: tracer, Events: events}

	observability.SetDiagnosticsEnabled(cfg.Features.ControlHarness)

	engine := voiceloop.NewEngine(profiles, registry, store, driver, executor, baseLogger, obs)

	devicePolicy := managedav.DevicePolicy{
		Allowlist: cfg.ManagedAV.DevicePolicy.Allowlist,
		Denylist:  cfg.ManagedAV.DevicePolicy.Denylist,
		Default:   managedav.DeviceDecision(cfg.ManagedAV.DevicePolicy.Default),
	}
	pipeline := managedav.NewLocalPipelineProvider(cfg.ManagedAV.PipelineBaseURL)
	tokenTTL := time.Duration(cfg.ManagedAV.TokenTTLSeconds) * time.Second
	controller := managedav.NewController(profiles, registry, store, driver, executor, pipeline,
		cfg.ManagedAV.TokenSecret,
		managedav.Config{
			TokenTTL:              tokenTTL,
			ControlHarnessEnabled: cfg.Features.ControlHarness,
			DevicePolicy:          devicePolicy,
		},
		baseLogger,
		obs,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/ws", engine)
	controller.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observabilityMiddleware(handler, metrics, tracer)
	handler = appLogger.LogMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()
	slog.Info("http server started", "addr", addr)

	var metricsServer *http.Server
	if cfg.Server.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		go func() {
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
				return
			}
			errCh <- nil
		}()
		slog.Info("metrics server started", "addr", metricsAddr)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "error", err)
		}
	}

	slog.Info("ringdownd stopped gracefully")
	return nil
}

// builtinToolSpecs lists every tool ringdownd registers at startup. Agent
// profiles still gate individual callers' access via their tool_allowlist
// (ProfileDefaults.Tools / AgentConfig.Tools in the config file).
func builtinToolSpecs() []tooling.Spec {
	return []tooling.Spec{
		ringtools.NewWebSearchSpec(),
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// httpStatusRecorder captures the status code a handler wrote, mirroring
// observability.Logger's private statusRecorder but scoped to this package
// since that type isn't exported.
type httpStatusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *httpStatusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// transportLabel classifies a request path into the transport label used
// consistently across metrics.CallStarted/tracing.TraceTurn: "telephony"
// for the WebSocket relay, "managed_av" for the mobile HTTP surface, "http"
// for everything else (healthz, future admin endpoints).
func transportLabel(path string) string {
	switch {
	case path == "/ws":
		return "telephony"
	case len(path) >= len("/v1/mobile") && path[:len("/v1/mobile")] == "/v1/mobile":
		return "managed_av"
	default:
		return "http"
	}
}

// observabilityMiddleware records a Prometheus HTTP metric and an
// OpenTelemetry span for every request, labeling each by transportLabel so
// a telephony WebSocket handshake and a managed-AV session call are visible
// as distinct series.
func observabilityMiddleware(next http.Handler, metrics *observability.Metrics, tracer *observability.Tracer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// transportLabel buckets the raw path before it reaches the metric
		// and span names: a managed-AV route carries a session id segment,
		// which would otherwise explode the Prometheus series cardinality.
		label := transportLabel(r.URL.Path)
		ctx, span := tracer.TraceHTTPRequest(r.Context(), r.Method, label)
		defer span.End()

		rec := &httpStatusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		metrics.RecordHTTPRequest(r.Method, label, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		if rec.status >= 500 {
			tracer.RecordError(span, fmt.Errorf("http %d", rec.status))
		}
	})
}

// buildSlogLogger constructs the plain *slog.Logger the Voice Session Loop
// and Managed-AV Controller log through, independent of observability.Logger
// (which wraps slog with redaction for the HTTP middleware path).
func buildSlogLogger(cfg config.LoggingConfig) *slog.Logger {
	level := observability.LogLevelFromString(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
