package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"market-watch/internal/metrics"
	"market-watch/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// SeriesCache keeps the latest published series and sync states in Redis.
type SeriesCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewSeriesCache(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *SeriesCache {
	return &SeriesCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *SeriesCache) seriesKey(p models.Platform, interval string) string {
	return fmt.Sprintf("%s:series:%s:%s:%s", c.prefix, p.Exchange, p.Pair, interval)
}

func (c *SeriesCache) stateKey() string {
	return c.prefix + ":states"
}

// SetSeries caches a series without its trades
func (c *SeriesCache) SetSeries(ctx context.Context, series models.Series) error {
	series.Trades = nil
	data, err := json.Marshal(series)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.seriesKey(series.Platform, series.Interval), data, c.ttl).Err()
}

// GetSeries retrieves a cached series
func (c *SeriesCache) GetSeries(ctx context.Context, p models.Platform, interval string) (*models.Series, error) {
	data, err := c.client.Get(ctx, c.seriesKey(p, interval)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("redis", false)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheAccess("redis", true)

	var series models.Series
	if err := json.Unmarshal([]byte(data), &series); err != nil {
		return nil, err
	}

	return &series, nil
}

// DeleteSeries removes a cached series
func (c *SeriesCache) DeleteSeries(ctx context.Context, p models.Platform, interval string) error {
	return c.client.Del(ctx, c.seriesKey(p, interval)).Err()
}

// SetState stores a platform's sync state in the states hash
func (c *SeriesCache) SetState(ctx context.Context, state models.SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return c.client.HSet(ctx, c.stateKey(), state.Platform.String(), data).Err()
}

// GetStates returns every cached sync state keyed by platform
func (c *SeriesCache) GetStates(ctx context.Context) (map[string]models.SyncState, error) {
	raw, err := c.client.HGetAll(ctx, c.stateKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.SyncState, len(raw))
	for key, data := range raw {
		var state models.SyncState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			c.logger.WithError(err).Warnf("Dropping undecodable state for %s", key)
			continue
		}
		out[key] = state
	}
	return out, nil
}

// OnSeries and OnState let the cache follow orchestrator pushes.
func (c *SeriesCache) OnSeries(series models.Series) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SetSeries(ctx, series); err != nil {
		c.logger.WithError(err).Warn("Failed to cache series")
	}
}

func (c *SeriesCache) OnState(state models.SyncState) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SetState(ctx, state); err != nil {
		c.logger.WithError(err).Debug("Failed to cache sync state")
	}
}
