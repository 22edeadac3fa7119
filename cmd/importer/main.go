package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"market-watch/internal/config"
	"market-watch/internal/exchange"
	"market-watch/internal/importer"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/aggregator"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
)

func main() {
	// Command line flags
	platformsFlag := flag.String("platforms", "", "Comma-separated exchange:PAIR list (e.g., coinbase:BTC_USD); defaults to PLATFORMS_FILE")
	since := flag.Duration("since", 24*time.Hour, "How far back to backfill")
	intervals := flag.String("intervals", "1m,15m,1h", "Comma-separated intervals to archive, or 'all'")
	archive := flag.Bool("archive", true, "Archive closed candles to ClickHouse (needs CLICKHOUSE_ENABLED)")
	workers := flag.Int("workers", 2, "Number of parallel workers")
	flag.Parse()

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	location, err := cfg.Sync.Location()
	if err != nil {
		logger.Fatalf("Invalid bucketing location: %v", err)
	}

	platforms, err := parsePlatforms(*platformsFlag)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}
	if len(platforms) == 0 {
		platforms = config.LoadPlatformsWithFallback(cfg.Sync.PlatformsFile)
	}

	intervalList, err := parseIntervals(*intervals)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := repository.OpenPostgres(cfg.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	store := repository.NewPostgresTradeStore(db, logger)

	var sink aggregator.CandleSink
	if *archive && cfg.ClickHouse.Enabled {
		conn, err := repository.OpenClickHouse(ctx, cfg.ClickHouse, "")
		if err != nil {
			logger.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer conn.Close()
		sink = repository.NewCandleArchive(conn, logger)
	} else if *archive {
		logger.Warn("⚠️  CLICKHOUSE_ENABLED is false, candles will not be archived")
	}

	client, err := exchange.NewHTTPClient(cfg.Exchange.HTTPTimeout, cfg.Exchange.ProxyURL)
	if err != nil {
		logger.Fatalf("Failed to create HTTP client: %v", err)
	}
	limiters := exchange.NewRateLimiterManager()
	registry := exchange.NewRegistry()
	pairs := make(map[string][]models.CurrencyPair)
	for _, p := range platforms {
		pairs[p.Exchange] = append(pairs[p.Exchange], p.Pair)
	}
	if len(pairs[exchange.BitstampName]) > 0 {
		limiter := limiters.RegisterExchange(exchange.BitstampName, cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst)
		registry.Register(exchange.NewBitstamp(cfg.Exchange.BitstampURL, pairs[exchange.BitstampName], client, limiter, logger))
	}
	if len(pairs[exchange.CoinbaseName]) > 0 {
		limiter := limiters.RegisterExchange(exchange.CoinbaseName, cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst)
		registry.Register(exchange.NewCoinbase(cfg.Exchange.CoinbaseURL, pairs[exchange.CoinbaseName], cfg.Exchange.CoinbaseMaxPages, client, limiter, logger))
	}

	imp := importer.New(registry, reconciler.New(store, logger), sink, location, logger)

	job := &importer.ImportJob{
		Platforms: platforms,
		Since:     time.Now().Add(-*since),
		Intervals: intervalList,
		Workers:   *workers,
	}

	logger.Infof("🚀 Starting backfill: %s", job.String())
	logger.Infof("⚡ Workers: %d", *workers)

	if _, err := imp.Import(ctx, job); err != nil {
		logger.Fatalf("Import failed: %v", err)
	}

	logger.Info("✅ Import completed successfully!")
}

func parsePlatforms(input string) ([]models.Platform, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}

	var out []models.Platform
	for _, entry := range strings.Split(input, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("platform %q must be exchange:PAIR", entry)
		}
		pair, err := models.ParsePair(parts[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.NewPlatform(parts[0], pair))
	}
	return out, nil
}

func parseIntervals(input string) ([]timebucket.Interval, error) {
	labels := strings.Split(input, ",")
	if input == "all" {
		labels = []string{"1m", "5m", "15m", "30m", "1h", "4h", "12h", "1d", "1w"}
	}

	out := make([]timebucket.Interval, 0, len(labels))
	for _, l := range labels {
		iv, err := timebucket.Parse(strings.TrimSpace(l))
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}
