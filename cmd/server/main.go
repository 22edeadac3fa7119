package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"market-watch/internal/cache"
	"market-watch/internal/config"
	"market-watch/internal/exchange"
	grpcServer "market-watch/internal/grpc"
	"market-watch/internal/httpapi"
	"market-watch/internal/models"
	"market-watch/internal/pubsub"
	"market-watch/internal/repository"
	"market-watch/internal/services/aggregator"
	"market-watch/internal/services/orchestrator"
	"market-watch/internal/services/query"
	"market-watch/internal/services/reader"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Market Watch Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	location, err := cfg.Sync.Location()
	if err != nil {
		logger.Fatal("Invalid bucketing location: ", err)
	}
	defaultInterval, err := timebucket.Parse(cfg.Sync.DefaultInterval)
	if err != nil {
		logger.Fatal("Invalid default interval: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platforms := config.LoadPlatformsWithFallback(cfg.Sync.PlatformsFile)
	logger.Infof("Tracking %d platforms", len(platforms))

	// Trade log
	logger.Info("Connecting to PostgreSQL...")
	db, err := repository.OpenPostgres(cfg.Postgres)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL: ", err)
	}
	defer db.Close()
	tradeStore := repository.NewPostgresTradeStore(db, logger)
	for _, p := range platforms {
		if err := tradeStore.EnsureTable(ctx, p); err != nil {
			logger.Fatal("Failed to prepare trade table: ", err)
		}
	}
	logger.Info("PostgreSQL connected successfully")

	// Exchanges
	registry, streams, err := buildRegistry(cfg, platforms, logger)
	if err != nil {
		logger.Fatal("Failed to build exchange connectors: ", err)
	}
	for _, s := range streams {
		s.Start(ctx)
	}

	orc := orchestrator.New(
		registry,
		reconciler.New(tradeStore, logger),
		reader.New(tradeStore, logger),
		aggregator.New(logger),
		location,
		logger,
	)

	// Redis cache and pub/sub
	var seriesCache *cache.SeriesCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		logger.Info("Connecting to Redis...")
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis: ", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected successfully")

		seriesCache = cache.NewSeriesCache(redisClient, cfg.Redis.ChannelPrefix, cfg.Cache.SeriesTTL, logger)
		orc.AddObserver(orchestrator.ObserverFuncs{Series: seriesCache.OnSeries, State: seriesCache.OnState})
		orc.AddObserver(pubsub.NewPublisher(redisClient, cfg.Redis.ChannelPrefix, logger))
	}

	// Candle archive
	var archive *repository.CandleArchive
	var archiveWriter *aggregator.ArchiveWriter
	if cfg.ClickHouse.Enabled {
		logger.Info("Connecting to ClickHouse...")
		conn, err := repository.OpenClickHouse(ctx, cfg.ClickHouse, "")
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse: ", err)
		}
		defer conn.Close()
		logger.Info("ClickHouse connected successfully")

		archive = repository.NewCandleArchive(conn, logger)
		archiveWriter = aggregator.NewArchiveWriter(archive, cfg.Sync.ArchiveBatchSize, cfg.Sync.ArchiveFlushInterval, logger)
		archiveWriter.Start()
		orc.AddObserver(orchestrator.ObserverFuncs{Series: archiveWriter.Enqueue})
	}

	querySvc := newQueryService(orc, seriesCache, archive, cfg, logger)

	// gRPC
	grpcSrv := grpcServer.NewServer(cfg, querySvc, logger)
	orc.AddObserver(orchestrator.ObserverFuncs{State: grpcSrv.OnState})

	grpcErrChan := make(chan error, 1)
	go func() {
		if err := grpcSrv.Start(); err != nil {
			grpcErrChan <- err
		}
	}()

	// HTTP
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpapi.NewHandler(querySvc, version, logger).Routes(),
	}
	go func() {
		logger.Infof("HTTP server starting on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed: ", err)
		}
	}()

	// Sync loop
	scheduler := orchestrator.NewScheduler(orc, cfg.Sync.PollInterval, defaultInterval, cfg.Sync.MaxBars, logger)
	scheduler.Start(ctx)

	logger.Infof("Market Watch Service v%s started successfully", version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-grpcErrChan:
		logger.WithError(err).Error("gRPC server error")
	}

	logger.Info("Shutting down gracefully...")

	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown failed")
	}
	grpcSrv.Stop()

	for _, s := range streams {
		s.Stop()
	}
	if archiveWriter != nil {
		archiveWriter.Stop()
	}

	logger.Info("Shutdown complete")
}

// buildRegistry creates one connector per enabled exchange, carrying the
// pairs configured for it.
func buildRegistry(cfg *config.Config, platforms []models.Platform, logger *logrus.Logger) (*exchange.Registry, []*exchange.TradeStream, error) {
	pairs := make(map[string][]models.CurrencyPair)
	for _, p := range platforms {
		pairs[p.Exchange] = append(pairs[p.Exchange], p.Pair)
	}

	client, err := exchange.NewHTTPClient(cfg.Exchange.HTTPTimeout, cfg.Exchange.ProxyURL)
	if err != nil {
		return nil, nil, err
	}

	limiters := exchange.NewRateLimiterManager()
	registry := exchange.NewRegistry()
	var streams []*exchange.TradeStream

	if cfg.Exchange.EnableBitstamp && len(pairs[exchange.BitstampName]) > 0 {
		limiter := limiters.RegisterExchange(exchange.BitstampName, cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst)
		bitstamp := exchange.NewBitstamp(cfg.Exchange.BitstampURL, pairs[exchange.BitstampName], client, limiter, logger)
		if cfg.Exchange.EnableStream {
			stream := exchange.NewTradeStream(cfg.Exchange.BitstampWSURL, cfg.Exchange.ProxyURL, pairs[exchange.BitstampName], logger)
			bitstamp.AttachStream(stream)
			streams = append(streams, stream)
		}
		registry.Register(bitstamp)
	}

	if cfg.Exchange.EnableCoinbase && len(pairs[exchange.CoinbaseName]) > 0 {
		limiter := limiters.RegisterExchange(exchange.CoinbaseName, cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst)
		registry.Register(exchange.NewCoinbase(cfg.Exchange.CoinbaseURL, pairs[exchange.CoinbaseName], cfg.Exchange.CoinbaseMaxPages, client, limiter, logger))
	}

	for name := range pairs {
		if _, err := registry.Get(name); err != nil {
			logger.Warnf("⚠️  No enabled connector for exchange %s, its platforms are skipped", name)
		}
	}
	if len(registry.Names()) == 0 {
		return nil, nil, fmt.Errorf("no platform matches an enabled exchange (%s)", strings.Join(sortedKeys(pairs), ", "))
	}

	return registry, streams, nil
}

// newQueryService keeps nil pointers from turning into non-nil interfaces.
func newQueryService(orc *orchestrator.Orchestrator, seriesCache *cache.SeriesCache, archive *repository.CandleArchive, cfg *config.Config, logger *logrus.Logger) *query.Service {
	var c query.SeriesCache
	if seriesCache != nil {
		c = seriesCache
	}
	var a query.Archive
	if archive != nil {
		a = archive
	}
	return query.New(orc, c, a, cfg.Sync.DefaultInterval, cfg.Sync.MaxBars, logger)
}

func sortedKeys(m map[string][]models.CurrencyPair) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
