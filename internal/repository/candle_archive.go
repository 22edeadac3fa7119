package repository

import (
	"context"
	"fmt"
	"time"

	"market-watch/internal/config"
	"market-watch/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// ArchivedCandle is a closed candle row in the ClickHouse archive.
type ArchivedCandle struct {
	Platform    models.Platform
	Interval    string
	OpenTime    time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	GapFilled   bool
}

// CandleArchive stores closed candles in ClickHouse for long-range queries.
type CandleArchive struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

// OpenClickHouse connects to ClickHouse. An empty database overrides the
// configured one, which migrations use to reach "default" first.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig, database string) (driver.Conn, error) {
	if database == "" {
		database = cfg.Database
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// CandlesTableDDL creates the archive table. ReplacingMergeTree keeps the
// newest row per bucket, so re-archiving a bucket replaces it.
const CandlesTableDDL = `
	CREATE TABLE IF NOT EXISTS candles (
		exchange LowCardinality(String),
		pair LowCardinality(String),
		interval LowCardinality(String),
		open_time DateTime64(3),
		open Float64 CODEC(DoubleDelta, LZ4),
		high Float64 CODEC(DoubleDelta, LZ4),
		low Float64 CODEC(DoubleDelta, LZ4),
		close Float64 CODEC(DoubleDelta, LZ4),
		volume Float64 CODEC(Gorilla, ZSTD(1)),
		quote_volume Float64 CODEC(Gorilla, ZSTD(1)),
		gap_filled UInt8,
		updated_at DateTime DEFAULT now(),
		date Date MATERIALIZED toDate(open_time)
	)
	ENGINE = ReplacingMergeTree(updated_at)
	PARTITION BY (interval, toYYYYMM(date))
	ORDER BY (exchange, pair, interval, open_time)
	SETTINGS index_granularity = 8192`

func NewCandleArchive(clickhouse driver.Conn, logger *logrus.Logger) *CandleArchive {
	return &CandleArchive{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// CandlesFromSeries converts every bucket except the still-open last one.
func CandlesFromSeries(series models.Series) []*ArchivedCandle {
	if len(series.Candles) < 2 {
		return nil
	}

	closed := series.Candles[:len(series.Candles)-1]
	out := make([]*ArchivedCandle, 0, len(closed))
	for i, c := range closed {
		v := series.Volumes[i]
		out = append(out, &ArchivedCandle{
			Platform:    series.Platform,
			Interval:    series.Interval,
			OpenTime:    time.Unix(c.BucketStart, 0).UTC(),
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      v.TradedVolume,
			QuoteVolume: v.QuoteVolume,
			GapFilled:   v.TradedVolume == 0,
		})
	}
	return out
}

// EnsureSchema creates the candles table when missing.
func (r *CandleArchive) EnsureSchema(ctx context.Context) error {
	if err := r.clickhouse.Exec(ctx, CandlesTableDDL); err != nil {
		return fmt.Errorf("failed to create candles table: %w", err)
	}
	return nil
}

// GetCandles retrieves archived candles in chronological order
func (r *CandleArchive) GetCandles(ctx context.Context, platform models.Platform, interval string, startTime, endTime time.Time, limit int) ([]ArchivedCandle, error) {
	query := `
		SELECT
			open_time, open, high, low, close,
			volume, quote_volume, gap_filled
		FROM candles FINAL
		WHERE exchange = ? AND pair = ? AND interval = ?`

	args := []interface{}{platform.Exchange, platform.Pair.String(), interval}

	if !startTime.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, startTime)
	}

	if !endTime.IsZero() {
		query += " AND open_time < ?"
		args = append(args, endTime)
	}

	query += " ORDER BY open_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []ArchivedCandle
	for rows.Next() {
		candle := ArchivedCandle{Platform: platform, Interval: interval}
		var gapFilled uint8

		err := rows.Scan(
			&candle.OpenTime, &candle.Open, &candle.High, &candle.Low, &candle.Close,
			&candle.Volume, &candle.QuoteVolume, &gapFilled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candle.GapFilled = gapFilled == 1

		candles = append(candles, candle)
	}

	// Reverse to chronological order
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, rows.Err()
}

// BatchInsert inserts closed candles. Re-archiving a bucket replaces it.
func (r *CandleArchive) BatchInsert(ctx context.Context, candles []*ArchivedCandle) error {
	if len(candles) == 0 {
		return nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO candles (
			exchange, pair, interval, open_time,
			open, high, low, close,
			volume, quote_volume, gap_filled, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now()
	for _, candle := range candles {
		gapFilled := uint8(0)
		if candle.GapFilled {
			gapFilled = 1
		}

		err := batch.Append(
			candle.Platform.Exchange, candle.Platform.Pair.String(), candle.Interval, candle.OpenTime,
			candle.Open, candle.High, candle.Low, candle.Close,
			candle.Volume, candle.QuoteVolume, gapFilled, now,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetStats retrieves archive statistics
func (r *CandleArchive) GetStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			count() as total_candles,
			uniqExact(exchange, pair) as total_platforms,
			min(open_time) as earliest_candle,
			max(open_time) as latest_candle
		FROM candles`

	row := r.clickhouse.QueryRow(ctx, query)

	var totalCandles, totalPlatforms uint64
	var earliest, latest time.Time

	if err := row.Scan(&totalCandles, &totalPlatforms, &earliest, &latest); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_candles":   totalCandles,
		"total_platforms": totalPlatforms,
		"earliest_candle": earliest,
		"latest_candle":   latest,
	}, nil
}
