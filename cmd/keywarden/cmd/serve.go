package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpapi "github.com/keywarden/keywarden/internal/adapter/inbound/http"
	auditfile "github.com/keywarden/keywarden/internal/adapter/outbound/audit"
	"github.com/keywarden/keywarden/internal/adapter/outbound/cel"
	"github.com/keywarden/keywarden/internal/adapter/outbound/memory"
	"github.com/keywarden/keywarden/internal/adapter/outbound/sqlite"
	"github.com/keywarden/keywarden/internal/adapter/outbound/state"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/domain/adminauth"
	"github.com/keywarden/keywarden/internal/domain/audit"
	"github.com/keywarden/keywarden/internal/domain/sessionkey"
	"github.com/keywarden/keywarden/internal/observability"
	"github.com/keywarden/keywarden/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the keywarden authorization server.

The server exposes the management and authorization API under /api/v1,
a health probe at /healthz, and Prometheus metrics at /metrics.

Examples:
  # Start with config file settings
  keywarden serve

  # Start with a specific config file
  keywarden --config /path/to/keywarden.yaml serve

  # Development mode: in-memory stores, debug logging, default admin key
  keywarden serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (in-memory stores, debug logging, default admin key)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration without validation so the CLI flag can
	// override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("keywarden stopped")
	return nil
}

// run wires the configured backends into the engine and serves until
// the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(os.Stderr, Version)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := observability.Shutdown(shutdownCtx, tp); err != nil {
				logger.Warn("trace provider shutdown failed", "error", err)
			}
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	store, err := buildKeyStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	defer closeQuietly(store, "key store", logger)

	sink, reader, err := buildEventSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open event sink: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Flush(flushCtx); err != nil {
			logger.Warn("event sink flush failed", "error", err)
		}
		if err := sink.Close(); err != nil {
			logger.Warn("event sink close failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := service.NewMetrics(registry)

	engineOpts := []service.EngineOption{
		service.WithMetrics(metrics),
	}
	if cfg.Conditions.Enabled {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create condition evaluator: %w", err)
		}
		engineOpts = append(engineOpts, service.WithConditionChecker(evaluator))
		logger.Debug("grant conditions enabled")
	} else {
		logger.Info("grant conditions disabled; grants carrying a condition will be rejected")
	}

	engine := service.NewEngine(store, sink, logger, engineOpts...)

	verifier := adminauth.NewVerifier(adminKeysFromConfig(cfg))
	if !verifier.Enabled() {
		logger.Warn("no admin keys configured; all /api/v1 requests will be rejected")
	}

	shutdownTimeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 10 * time.Second
		logger.Warn("invalid shutdown_timeout, using default",
			"value", cfg.Server.ShutdownTimeout, "default", "10s")
	}

	healthChecker := httpapi.NewHealthChecker(store, reader, Version)

	server := httpapi.NewServer(engine, reader, verifier,
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(registry),
		httpapi.WithHealthChecker(healthChecker),
		httpapi.WithShutdownTimeout(shutdownTimeout),
	)

	logger.Info("keywarden starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"store_backend", cfg.Store.Backend,
		"events_backend", cfg.Events.Backend,
		"conditions", cfg.Conditions.Enabled,
		"admin_keys", len(cfg.Auth.AdminKeys),
	)

	return server.Start(ctx)
}

// buildKeyStore opens the session-key store selected by the config.
func buildKeyStore(cfg *config.Config, logger *slog.Logger) (sessionkey.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Debug("key store: memory")
		return memory.NewKeyStore(), nil
	case "file":
		logger.Debug("key store: file", "path", cfg.Store.Path)
		return state.NewFileKeyStore(cfg.Store.Path, logger)
	case "sqlite":
		logger.Debug("key store: sqlite", "path", cfg.Store.Path)
		return sqlite.NewKeyStore(cfg.Store.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// buildEventSink opens the audit event sink selected by the config.
// The returned reader serves the recent-events endpoint.
func buildEventSink(cfg *config.Config, logger *slog.Logger) (audit.EventSink, audit.EventReader, error) {
	switch cfg.Events.Backend {
	case "memory":
		logger.Debug("event sink: memory", "cache_size", cfg.Events.CacheSize)
		sink := memory.NewEventSinkWithCapacity(cfg.Events.CacheSize)
		return sink, sink, nil
	case "file":
		logger.Debug("event sink: file",
			"dir", cfg.Events.Dir,
			"retention_days", cfg.Events.RetentionDays,
			"max_file_size_mb", cfg.Events.MaxFileSizeMB,
		)
		sink, err := auditfile.NewFileSink(auditfile.FileSinkConfig{
			Dir:           cfg.Events.Dir,
			RetentionDays: cfg.Events.RetentionDays,
			MaxFileSizeMB: cfg.Events.MaxFileSizeMB,
			CacheSize:     cfg.Events.CacheSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink, nil
	default:
		return nil, nil, fmt.Errorf("unknown events backend: %s", cfg.Events.Backend)
	}
}

// adminKeysFromConfig converts config admin key entries to the domain type.
func adminKeysFromConfig(cfg *config.Config) []adminauth.AdminKey {
	keys := make([]adminauth.AdminKey, 0, len(cfg.Auth.AdminKeys))
	for _, k := range cfg.Auth.AdminKeys {
		keys = append(keys, adminauth.AdminKey{Name: k.Name, Hash: k.KeyHash})
	}
	return keys
}

// closeQuietly closes the resource if it is closeable, logging failures.
func closeQuietly(v any, name string, logger *slog.Logger) {
	closer, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
