package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yieldkit/adapters/jsonfile"
	mem "yieldkit/adapters/memory"
	redisAdapter "yieldkit/adapters/redis"
	sqlxAdapter "yieldkit/adapters/sqlx"
	"yieldkit/analytics"
	"yieldkit/api/httpapi"
	"yieldkit/config"
	"yieldkit/core"
	"yieldkit/engine"
	natsconsumer "yieldkit/integrations/nats"
	"yieldkit/integrations/webhook"
	"yieldkit/leaderboard"
	"yieldkit/logging"
	"yieldkit/realtime"
	"yieldkit/rewards"
)

// ConfigPath is the optional config file given on the command line.
type ConfigPath string

// MetricsServer serves Prometheus metrics on its own address.
type MetricsServer struct{ *http.Server }

// App aggregates the assembled server components.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	Hub           *realtime.Hub
	Service       *engine.Service
	Leaderboard   *leaderboard.Tracker
	Stats         *analytics.Metrics
	Webhooks      *webhook.Sink
	Consumer      *natsconsumer.Consumer
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

func provideLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With(zap.String("environment", string(cfg.Environment)))
	zap.ReplaceGlobals(logger)
	return logger, func() { _ = logger.Sync() }, nil
}

func provideTiers(cfg *config.Config) (*core.TierTable, error) {
	return config.LoadTierTable(cfg.Rewards.TiersFile)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

// provideStorage creates the storage adapter selected by configuration.
func provideStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "file":
		st, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case "redis":
		st, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing redis", zap.Error(err))
			}
		}, nil
	case "sql":
		st, err := sqlxAdapter.New(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing database", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func provideService(cfg *config.Config, storage engine.Storage, tiers *core.TierTable, hub *realtime.Hub, logger *zap.Logger) (*engine.Service, func()) {
	mode := engine.DispatchSync
	if cfg.Rewards.AsyncEvents {
		mode = engine.DispatchAsync
	}
	svc := rewards.New(
		rewards.WithStorage(storage),
		rewards.WithTiers(tiers),
		rewards.WithRealtime(hub),
		rewards.WithDispatchMode(mode),
		rewards.WithLogger(logger.Named("engine")),
		rewards.WithCommissionPoints(cfg.Rewards.CommissionPoints),
		rewards.WithRetryPolicy(engine.RetryPolicy{
			InitialInterval: time.Second,
			MaxInterval:     cfg.Rewards.ReconcileMaxBackoff,
			MaxAttempts:     cfg.Rewards.ReconcileMaxAttempts,
		}),
	)
	return svc, svc.Close
}

func provideLeaderboard(svc *engine.Service, logger *zap.Logger) (*leaderboard.Tracker, func()) {
	t := leaderboard.Track(svc, leaderboard.NewSkipList(), logger.Named("leaderboard"))
	return t, t.Stop
}

func provideAnalytics(svc *engine.Service) (*analytics.Metrics, func()) {
	m := analytics.NewMetrics()
	return m, analytics.Attach(svc, m)
}

func provideWebhooks(cfg *config.Config, svc *engine.Service, logger *zap.Logger) (*webhook.Sink, func()) {
	sink := webhook.New(cfg.Notifications.Webhooks,
		webhook.WithTimeout(cfg.Notifications.Timeout),
		webhook.WithQueueSize(cfg.Notifications.QueueSize),
		webhook.WithRetry(cfg.Notifications.MaxRetries, 0),
		webhook.WithLogger(logger.Named("webhook")))
	if len(cfg.Notifications.Webhooks) == 0 {
		return sink, sink.Close
	}
	return sink, sink.Attach(svc)
}

func provideConsumer(svc *engine.Service, logger *zap.Logger) *natsconsumer.Consumer {
	return natsconsumer.NewConsumer(svc, logger.Named("nats"))
}

func provideHandler(cfg *config.Config, svc *engine.Service, hub *realtime.Hub, board *leaderboard.Tracker, stats *analytics.Metrics, logger *zap.Logger) http.Handler {
	return httpapi.NewRouter(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Leaderboard:      board.Board(),
		Stats:            stats,
		Logger:           logger.Named("http"),
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

// provideMetricsServer returns nil when metrics are disabled.
func provideMetricsServer(cfg *config.Config) *MetricsServer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	return &MetricsServer{&http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}
