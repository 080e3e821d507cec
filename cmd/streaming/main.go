package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/XueKirby/mastodon-streaming/internal/auth"
	"github.com/XueKirby/mastodon-streaming/internal/filter"
	"github.com/XueKirby/mastodon-streaming/internal/handlers"
	"github.com/XueKirby/mastodon-streaming/internal/hub"
	"github.com/XueKirby/mastodon-streaming/internal/metrics"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/config"
	"github.com/XueKirby/mastodon-streaming/pkg/database"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
	"github.com/XueKirby/mastodon-streaming/pkg/monitoring"
	"github.com/XueKirby/mastodon-streaming/pkg/redis"
	"github.com/XueKirby/mastodon-streaming/pkg/server"
	"github.com/XueKirby/mastodon-streaming/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("streaming")

	// Load environment variables
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	cfg := config.Load()
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.WithFields(logging.Fields{
		"env":         cfg.Env,
		"cluster_num": cfg.ClusterNum,
		"version":     version.Version,
	}).Info("Starting streaming API server")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("streaming", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("streaming", version.Version, version.GitCommit)
	streamingMetrics := metrics.New(metricsCollector)

	db := database.MustConnect(database.DefaultConfig(cfg.DatabaseURL, cfg.DBPool), logger)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer rdb.Close()

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))

	// One upstream pub/sub connection fans out to every client.
	bus := hub.New(rdb, cfg.RedisPrefix(), logger, streamingMetrics)
	defer bus.Close()

	accounts := auth.NewResolver(db, logger)
	resolver := streams.NewResolver(accounts)
	policy := filter.New(db, logger, streamingMetrics)

	streamingHandlers := handlers.NewStreamingHandlers(cfg, logger, bus, accounts, resolver, policy, streamingMetrics)

	router := server.SetupServiceRouter(logger, "streaming", healthChecker, metricsCollector)
	if len(cfg.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			logger.WithError(err).Warn("Invalid trusted proxy configuration")
		}
	}
	streamingHandlers.RegisterRoutes(router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx, server.DefaultConfig("streaming", cfg.Address(), cfg.Socket), router, logger)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Streaming server exited")
	}
	logger.Info("Streaming server stopped")
}
