package main

import (
	"context"
	"fmt"
	"log"

	"market-watch/internal/config"
	"market-watch/internal/repository"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx := context.Background()

	// Trade log tables
	platforms := config.LoadPlatformsWithFallback(cfg.Sync.PlatformsFile)
	db, err := repository.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer db.Close()

	store := repository.NewPostgresTradeStore(db, logger)
	for _, p := range platforms {
		if err := store.EnsureTable(ctx, p); err != nil {
			log.Fatal("Failed to create trade table:", err)
		}
		log.Printf("✓ Trade table %s ready", p.TableName())
	}

	if !cfg.ClickHouse.Enabled {
		log.Println("\n✅ PostgreSQL migration completed (ClickHouse disabled)")
		return
	}

	// Candle archive: create the database from "default" first
	conn, err := repository.OpenClickHouse(ctx, cfg.ClickHouse, "default")
	if err != nil {
		log.Fatal("Failed to connect to ClickHouse:", err)
	}
	log.Printf("Creating database: %s", cfg.ClickHouse.Database)
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.ClickHouse.Database)); err != nil {
		log.Fatal("Failed to create database:", err)
	}
	conn.Close()
	log.Println("✓ Database created")

	conn, err = repository.OpenClickHouse(ctx, cfg.ClickHouse, "")
	if err != nil {
		log.Fatal("Failed to reconnect to database:", err)
	}
	defer conn.Close()

	log.Println("Creating candles table...")
	if err := repository.NewCandleArchive(conn, logger).EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}
	log.Println("✓ Candles table created")

	indexes := []string{
		"ALTER TABLE candles ADD INDEX IF NOT EXISTS exchange_idx (exchange) TYPE bloom_filter() GRANULARITY 1",
		"ALTER TABLE candles ADD INDEX IF NOT EXISTS pair_idx (pair) TYPE bloom_filter() GRANULARITY 1",
	}
	for _, idx := range indexes {
		if err := conn.Exec(ctx, idx); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	log.Println("✓ Indexes created")

	log.Println("\n✅ Migration completed successfully!")
	log.Printf("Database: %s", cfg.ClickHouse.Database)
}
