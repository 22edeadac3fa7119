package orchestrator

import (
	"context"
	"sync"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
)

// Scheduler syncs all platforms on a fixed period and refreshes each
// platform's display over the last MaxBars buckets.
type Scheduler struct {
	orc      *Orchestrator
	period   time.Duration
	interval timebucket.Interval
	maxBars  int
	logger   *logrus.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(orc *Orchestrator, period time.Duration, interval timebucket.Interval, maxBars int, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		orc:      orc,
		period:   period,
		interval: interval,
		maxBars:  maxBars,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per period.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.logger.Infof("⏰ Scheduler started (every %v, %d bars of %s)", s.period, s.maxBars, s.interval)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// MinTime is the start of the display window: now minus MaxBars intervals.
func (s *Scheduler) MinTime(now time.Time) int64 {
	return now.Unix() - int64(s.maxBars)*s.interval.Seconds()
}

// RunOnce syncs every platform, then refreshes every display concurrently.
func (s *Scheduler) RunOnce(ctx context.Context) {
	inserted, err := s.orc.SyncAll(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Some platforms failed to sync")
	}
	s.logger.Debugf("Sync cycle inserted %d rows", inserted)

	minTime := s.MinTime(s.orc.now())

	var wg sync.WaitGroup
	for _, platform := range s.orc.Platforms() {
		wg.Add(1)
		go func(req DisplayRequest) {
			defer wg.Done()
			if _, err := s.orc.Display(ctx, req); err != nil && !apperrors.IsCancelled(err) {
				s.logger.WithError(err).Debugf("Display refresh for %s failed", req.Platform)
			}
		}(DisplayRequest{Platform: platform, Interval: s.interval, MinTime: minTime})
	}
	wg.Wait()
}
