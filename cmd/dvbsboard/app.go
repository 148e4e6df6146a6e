package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"dvbsboard/adapters/jsonfile"
	mem "dvbsboard/adapters/memory"
	redisAdapter "dvbsboard/adapters/redis"
	sqlxAdapter "dvbsboard/adapters/sqlx"
	"dvbsboard/analytics"
	"dvbsboard/api/httpapi"
	"dvbsboard/config"
	"dvbsboard/core"
	"dvbsboard/engine"
	"dvbsboard/integrations/webhook"
	"dvbsboard/realtime"
	"dvbsboard/scoreboard"
)

// ConfigPath is the optional JSON config file given on the command line.
type ConfigPath string

// MetricsServer serves Prometheus metrics on its own listener. Server is nil
// when metrics are disabled.
type MetricsServer struct {
	Server *http.Server
}

// App aggregates the assembled server components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         engine.DocumentStore
	Hub           *realtime.Hub
	Scoreboard    *scoreboard.Scoreboard
	Handler       http.Handler
	Server        *http.Server
	MetricsServer *MetricsServer
}

func provideConfig(path ConfigPath) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFromFile(string(path))
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.DocumentStore, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideMetrics(cfg *config.Config) *analytics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return analytics.NewMetrics(cfg.Metrics.Namespace)
}

func provideWebhooks(cfg *config.Config, logger *slog.Logger) (*webhook.Sink, func()) {
	if len(cfg.Webhooks.Endpoints) == 0 {
		return nil, func() {}
	}
	events := make([]core.EventType, 0, len(cfg.Webhooks.Events))
	for _, e := range cfg.Webhooks.Events {
		events = append(events, core.EventType(e))
	}
	sink := webhook.New(cfg.Webhooks.Endpoints,
		webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
		webhook.WithEvents(events...),
		webhook.WithLogger(logger),
	)
	return sink, sink.Close
}

func provideScoreboard(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	store engine.DocumentStore,
	hub *realtime.Hub,
	metrics *analytics.Metrics,
	sink *webhook.Sink,
) (*scoreboard.Scoreboard, func(), error) {
	b := cfg.Board
	opts := []scoreboard.Option{
		scoreboard.WithStore(store),
		scoreboard.WithRealtime(hub),
		scoreboard.WithCollections(b.PointsCollection, b.RosterCollection, b.ScheduleCollection),
		scoreboard.WithWindow(b.CelebrationWindow),
		scoreboard.WithPolicy(engine.RetriggerPolicy(b.RetriggerPolicy)),
		scoreboard.WithSoundAsset(b.SoundAsset),
		scoreboard.WithRollback(b.RollbackOnWriteFailure),
		scoreboard.WithLogger(logger),
	}
	if b.Async {
		opts = append(opts, scoreboard.WithDispatchMode(engine.DispatchAsync))
	}
	if b.InitialDay != "" {
		day, err := core.ParseDayKey(b.InitialDay)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, scoreboard.WithInitialDay(day))
	}
	if metrics != nil {
		opts = append(opts, scoreboard.WithMetrics(metrics))
	}
	if sink != nil {
		opts = append(opts, scoreboard.WithHooks(sink))
	}

	sb := scoreboard.New(opts...)
	if err := sb.Start(ctx); err != nil {
		sb.Close()
		return nil, nil, err
	}
	return sb, sb.Close, nil
}

func provideHandler(sb *scoreboard.Scoreboard, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(sb, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		VisitorView:      cfg.Board.VisitorView,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, metrics *analytics.Metrics) *MetricsServer {
	if metrics == nil {
		return &MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	return &MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the document store named by the configuration. The
// returned cleanup closes network and database handles.
func setupStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.DocumentStore, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "sql":
		store, err := sqlxAdapter.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, fmt.Errorf("sql storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "file":
		store, err := jsonfile.New(cfg.Storage.File.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("file storage: %w", err)
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
