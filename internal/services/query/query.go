package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/orchestrator"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
)

// Engine is the part of the orchestrator the query surfaces use.
type Engine interface {
	Display(ctx context.Context, req orchestrator.DisplayRequest) (models.Series, error)
	Latest(platform models.Platform, interval string) (models.Series, bool)
	States() []models.SyncState
	Platforms() []models.Platform
	SyncAll(ctx context.Context) (int, error)
}

type SeriesCache interface {
	GetSeries(ctx context.Context, p models.Platform, interval string) (*models.Series, error)
}

type Archive interface {
	GetCandles(ctx context.Context, platform models.Platform, interval string, startTime, endTime time.Time, limit int) ([]repository.ArchivedCandle, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Request selects a series. Zero MinTime means the last MaxBars buckets.
type Request struct {
	Platform models.Platform
	Interval string
	MinTime  int64
	MaxTime  int64
	Fetch    bool
}

// Service answers series queries for the gRPC and HTTP surfaces: Redis
// cache first, then the orchestrator's last published series, then a
// fresh display run.
type Service struct {
	engine          Engine
	cache           SeriesCache
	archive         Archive
	defaultInterval string
	maxBars         int
	now             func() time.Time
	logger          *logrus.Logger
}

// New builds the service. cache and archive may be nil.
func New(engine Engine, cache SeriesCache, archive Archive, defaultInterval string, maxBars int, logger *logrus.Logger) *Service {
	return &Service{
		engine:          engine,
		cache:           cache,
		archive:         archive,
		defaultInterval: defaultInterval,
		maxBars:         maxBars,
		now:             time.Now,
		logger:          logger,
	}
}

func (s *Service) Platforms() []models.Platform {
	return s.engine.Platforms()
}

func (s *Service) States() []models.SyncState {
	return s.engine.States()
}

// GetSeries returns the series for a platform and interval.
func (s *Service) GetSeries(ctx context.Context, req Request) (models.Series, error) {
	label := req.Interval
	if label == "" {
		label = s.defaultInterval
	}
	iv, err := timebucket.Parse(label)
	if err != nil {
		return models.Series{}, err
	}
	label = iv.String()

	latestOnly := req.MinTime == 0 && req.MaxTime == 0 && !req.Fetch
	if latestOnly {
		if s.cache != nil {
			cached, err := s.cache.GetSeries(ctx, req.Platform, label)
			if err == nil && cached != nil {
				return *cached, nil
			}
		}
		if series, ok := s.engine.Latest(req.Platform, label); ok {
			metrics.RecordCacheAccess("latest", true)
			return series, nil
		}
		metrics.RecordCacheAccess("latest", false)
	}

	minTime := req.MinTime
	if minTime == 0 {
		minTime = s.now().Unix() - int64(s.maxBars)*iv.Seconds()
	}

	return s.engine.Display(ctx, orchestrator.DisplayRequest{
		Platform: req.Platform,
		Interval: iv,
		MinTime:  minTime,
		MaxTime:  req.MaxTime,
		Fetch:    req.Fetch,
	})
}

// History returns archived closed candles.
func (s *Service) History(ctx context.Context, platform models.Platform, interval string, start, end time.Time, limit int) ([]repository.ArchivedCandle, error) {
	if s.archive == nil {
		return nil, fmt.Errorf("%w: candle archive is disabled", apperrors.ErrInvalidConfiguration)
	}
	iv, err := timebucket.Parse(interval)
	if err != nil {
		return nil, err
	}
	candles, err := s.archive.GetCandles(ctx, platform, iv.String(), start, end, limit)
	if err != nil {
		return nil, apperrors.Persistence("query candle archive", err)
	}
	return candles, nil
}

// TriggerSync runs a sync cycle over every platform.
func (s *Service) TriggerSync(ctx context.Context) (int, error) {
	return s.engine.SyncAll(ctx)
}

// Stats summarises engine activity.
func (s *Service) Stats(ctx context.Context) map[string]interface{} {
	states := s.engine.States()
	failed := 0
	for _, st := range states {
		if st.LastError != "" {
			failed++
		}
	}

	stats := map[string]interface{}{
		"platforms":          len(states),
		"platforms_failing":  failed,
		"rows_per_second":    metrics.GetRowsPerSecond(),
		"default_interval":   s.defaultInterval,
		"max_bars":           s.maxBars,
		"archive_configured": s.archive != nil,
	}

	if s.archive != nil {
		archiveStats, err := s.archive.GetStats(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to get archive stats")
		} else {
			for k, v := range archiveStats {
				stats["archive_"+k] = v
			}
		}
	}

	return stats
}

// IsClientError reports whether err was caused by the request rather than the engine.
func IsClientError(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInterval) || errors.Is(err, apperrors.ErrInvalidConfiguration)
}
