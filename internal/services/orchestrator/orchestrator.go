package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/exchange"
	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/services/aggregator"
	"market-watch/internal/services/reader"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrSyncInProgress is returned by Sync when the platform already has a sync running.
var ErrSyncInProgress = errors.New("sync already in progress")

// DisplayRequest asks for a chart-ready series of one platform.
type DisplayRequest struct {
	Platform models.Platform
	Interval timebucket.Interval
	// MinTime and MaxTime bound the read; MaxTime 0 means unbounded.
	MinTime int64
	MaxTime int64
	// Fetch runs a sync before reading.
	Fetch bool
}

// readCache is the last slice read for a pipeline.
type readCache struct {
	minTime int64
	maxTime int64
	trades  []models.Trade
}

// covers reports whether the cached slice can serve a read of (minTime, maxTime).
func (c *readCache) covers(minTime, maxTime int64) bool {
	if c == nil || len(c.trades) == 0 {
		return false
	}
	return c.trades[0].Time < minTime && c.maxTime >= maxTime
}

type pipeline struct {
	platform  models.Platform
	connector exchange.Connector

	mu      sync.Mutex
	state   models.SyncState
	syncing bool

	// Display restart bookkeeping
	epoch         uint64
	cancelDisplay context.CancelFunc
	cache         *readCache
	latest        map[string]models.Series
}

// Orchestrator drives fetch, reconcile, read and aggregate per platform.
type Orchestrator struct {
	reconciler *reconciler.Reconciler
	reader     *reader.Reader
	aggregator *aggregator.Aggregator
	location   timebucket.Location
	logger     *logrus.Logger
	now        func() time.Time

	pipelines map[models.Platform]*pipeline
	order     []models.Platform

	observers   []Observer
	observersMu sync.RWMutex
}

type Option func(*Orchestrator)

func WithObserver(o Observer) Option {
	return func(orc *Orchestrator) {
		orc.observers = append(orc.observers, o)
	}
}

// WithClock overrides the wall clock used for "now".
func WithClock(now func() time.Time) Option {
	return func(orc *Orchestrator) {
		orc.now = now
	}
}

// New builds one pipeline per pair of every registered connector.
func New(
	registry *exchange.Registry,
	rec *reconciler.Reconciler,
	rdr *reader.Reader,
	agg *aggregator.Aggregator,
	location timebucket.Location,
	logger *logrus.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		reconciler: rec,
		reader:     rdr,
		aggregator: agg,
		location:   location,
		logger:     logger,
		now:        time.Now,
		pipelines:  make(map[models.Platform]*pipeline),
	}
	for _, opt := range opts {
		opt(o)
	}

	for _, name := range registry.Names() {
		c, err := registry.Get(name)
		if err != nil {
			continue
		}
		for _, pair := range c.Pairs() {
			p := models.NewPlatform(c.Name(), pair)
			if _, exists := o.pipelines[p]; exists {
				continue
			}
			o.pipelines[p] = &pipeline{
				platform:  p,
				connector: c,
				state:     models.NewSyncState(p),
				latest:    make(map[string]models.Series),
			}
			o.order = append(o.order, p)
		}
	}

	sort.SliceStable(o.order, func(i, j int) bool {
		return o.order[i].String() < o.order[j].String()
	})

	return o
}

// AddObserver registers an observer after construction.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observersMu.Lock()
	defer o.observersMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Platforms lists every managed platform, sorted.
func (o *Orchestrator) Platforms() []models.Platform {
	out := make([]models.Platform, len(o.order))
	copy(out, o.order)
	return out
}

// State returns a snapshot of a platform's state.
func (o *Orchestrator) State(platform models.Platform) (models.SyncState, bool) {
	p, ok := o.pipelines[platform]
	if !ok {
		return models.SyncState{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, true
}

// States returns snapshots for every platform in Platforms order.
func (o *Orchestrator) States() []models.SyncState {
	out := make([]models.SyncState, 0, len(o.order))
	for _, platform := range o.order {
		if s, ok := o.State(platform); ok {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the most recent published series for a platform and interval label.
func (o *Orchestrator) Latest(platform models.Platform, interval string) (models.Series, bool) {
	p, ok := o.pipelines[platform]
	if !ok {
		return models.Series{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.latest[interval]
	return s, ok
}

func (o *Orchestrator) pipeline(platform models.Platform) (*pipeline, error) {
	p, ok := o.pipelines[platform]
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %s", apperrors.ErrInvalidConfiguration, platform)
	}
	return p, nil
}

// Sync fetches trades from the persisted tail onwards and reconciles them into
// the trade log. Connectors without a history endpoint supply their recent
// window. A sync requested while another runs for the same platform is
// skipped with ErrSyncInProgress. It returns the rows the log grew by.
func (o *Orchestrator) Sync(ctx context.Context, platform models.Platform) (int, error) {
	p, err := o.pipeline(platform)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if p.syncing {
		p.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	p.syncing = true
	p.mu.Unlock()

	metrics.ActivePipelines.WithLabelValues("sync").Inc()
	defer func() {
		metrics.ActivePipelines.WithLabelValues("sync").Dec()
		p.mu.Lock()
		p.syncing = false
		p.mu.Unlock()
	}()

	// Fetching
	o.update(p, func(s *models.SyncState) {
		s.SyncStage = apperrors.StageFetching
		s.Fetching = true
	})
	start := time.Now()
	since, hasSince, err := o.reconciler.LatestTime(ctx, platform)
	if err != nil {
		o.update(p, func(s *models.SyncState) { s.Fetching = false })
		return 0, o.fail(p, apperrors.StageFetching, err)
	}
	trades, err := exchange.FetchForSync(ctx, p.connector, platform.Pair, since, hasSince)
	o.update(p, func(s *models.SyncState) { s.Fetching = false })
	if err != nil {
		return 0, o.fail(p, apperrors.StageFetching, apperrors.Connector(platform.Exchange, err))
	}
	metrics.StageLatency.WithLabelValues(platform.Exchange, string(apperrors.StageFetching)).Observe(time.Since(start).Seconds())

	// Reconciling
	o.update(p, func(s *models.SyncState) {
		s.SyncStage = apperrors.StageReconciling
		s.Reconciling = true
	})
	start = time.Now()
	outcome, err := o.reconciler.Reconcile(ctx, platform, trades)
	o.update(p, func(s *models.SyncState) { s.Reconciling = false })
	if err != nil {
		return 0, o.fail(p, apperrors.StageReconciling, err)
	}
	metrics.StageLatency.WithLabelValues(platform.Exchange, string(apperrors.StageReconciling)).Observe(time.Since(start).Seconds())

	added := outcome.Added()
	latest, hasTrades := models.MaxTime(trades)
	o.update(p, func(s *models.SyncState) {
		s.SyncStage = apperrors.StageIdle
		s.RowsAddedLastSync = added
		s.LastError = ""
		if hasTrades && latest > s.LastSyncedTime {
			s.LastSyncedTime = latest
		}
	})

	// Any deleted or written row makes the last read slice stale.
	if outcome.Modified() {
		p.mu.Lock()
		p.cache = nil
		p.mu.Unlock()
	}

	o.logger.WithFields(logrus.Fields{
		"platform": platform.String(),
		"fetched":  len(trades),
		"added":    added,
		"replaced": outcome.Replaced,
	}).Info("✅ Sync completed")

	return added, nil
}

// SyncAll syncs every platform concurrently. Platforms already syncing are
// skipped. It returns the total rows inserted and the joined failures.
func (o *Orchestrator) SyncAll(ctx context.Context) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		total    int
		failures []error
	)

	for _, platform := range o.order {
		wg.Add(1)
		go func(platform models.Platform) {
			defer wg.Done()

			n, err := o.Sync(ctx, platform)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				total += n
			case errors.Is(err, ErrSyncInProgress):
				o.logger.Debugf("Sync for %s still running, skipped", platform)
			case apperrors.IsCancelled(err):
			default:
				failures = append(failures, err)
			}
		}(platform)
	}
	wg.Wait()

	return total, errors.Join(failures...)
}

// Display reads and aggregates a platform's trades and publishes the series.
// A new request cancels the platform's in-flight display; superseded runs
// return ErrCancelled and never publish.
func (o *Orchestrator) Display(ctx context.Context, req DisplayRequest) (models.Series, error) {
	if err := req.Interval.Validate(); err != nil {
		return models.Series{}, err
	}
	p, err := o.pipeline(req.Platform)
	if err != nil {
		return models.Series{}, err
	}

	maxTime := req.MaxTime
	if maxTime == 0 {
		maxTime = reader.Unbounded
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.cancelDisplay != nil {
		p.cancelDisplay()
	}
	p.epoch++
	epoch := p.epoch
	p.cancelDisplay = cancel
	p.mu.Unlock()

	metrics.ActivePipelines.WithLabelValues("display").Inc()
	defer metrics.ActivePipelines.WithLabelValues("display").Dec()

	if req.Fetch {
		if _, err := o.Sync(ctx, req.Platform); err != nil && !errors.Is(err, ErrSyncInProgress) {
			if apperrors.IsCancelled(err) {
				return models.Series{}, err
			}
			// The failure is already reported; carry on with what is persisted.
			o.logger.WithError(err).Warnf("Display of %s continues without fresh trades", req.Platform)
		}
	}

	trades, err := o.read(ctx, p, epoch, req.MinTime, maxTime)
	if err != nil {
		return models.Series{}, o.displayFailure(p, epoch, apperrors.StageReading, err)
	}

	// Aggregating
	if !o.updateIfCurrent(p, epoch, func(s *models.SyncState) {
		s.DisplayStage = apperrors.StageAggregating
		s.Aggregating = true
		s.AggregateProgress = 0
	}) {
		return models.Series{}, o.stale(req.Platform)
	}

	now := o.now()
	params := aggregator.Params{
		Interval: req.Interval,
		Location: o.location,
		Now:      now.Unix(),
		Window:   &aggregator.Window{From: req.MinTime, To: maxTime},
	}
	start := time.Now()
	res, err := o.aggregator.Aggregate(ctx, req.Platform, trades, params, o.progress(p, epoch, apperrors.StageAggregating))
	if err != nil {
		return models.Series{}, o.displayFailure(p, epoch, apperrors.StageAggregating, err)
	}
	metrics.StageLatency.WithLabelValues(req.Platform.Exchange, string(apperrors.StageAggregating)).Observe(time.Since(start).Seconds())

	series := models.Series{
		Platform:    req.Platform,
		Interval:    req.Interval.String(),
		Candles:     res.Candles,
		Volumes:     res.Volumes,
		Trades:      res.Trades,
		GeneratedAt: now,
	}

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return models.Series{}, o.stale(req.Platform)
	}
	p.latest[series.Interval] = series
	p.cancelDisplay = nil
	p.state.DisplayStage = apperrors.StageIdle
	p.state.Aggregating = false
	p.state.AggregateProgress = models.IdleProgress
	p.state.UpdatedAt = now
	state := p.state
	p.mu.Unlock()

	o.notify(func(obs Observer) {
		obs.OnState(state)
		obs.OnSeries(series)
	})
	return series, nil
}

// read serves the slice from the pipeline cache when it covers the range,
// otherwise it reads from the store.
func (o *Orchestrator) read(ctx context.Context, p *pipeline, epoch uint64, minTime, maxTime int64) ([]models.Trade, error) {
	p.mu.Lock()
	cached := p.cache
	p.mu.Unlock()

	if cached.covers(minTime, maxTime) {
		metrics.RecordCacheAccess("read", true)
		return cached.trades, nil
	}
	metrics.RecordCacheAccess("read", false)

	if !o.updateIfCurrent(p, epoch, func(s *models.SyncState) {
		s.DisplayStage = apperrors.StageReading
		s.Reading = true
		s.ReadProgress = 0
	}) {
		return nil, apperrors.ErrCancelled
	}

	start := time.Now()
	trades, err := o.reader.Read(ctx,
		reader.Query{Platform: p.platform, MinTime: minTime, MaxTime: maxTime},
		reader.WithProgress(reader.ProgressFunc(o.progress(p, epoch, apperrors.StageReading))),
	)
	if err != nil {
		return nil, err
	}
	metrics.StageLatency.WithLabelValues(p.platform.Exchange, string(apperrors.StageReading)).Observe(time.Since(start).Seconds())

	current := o.updateIfCurrent(p, epoch, func(s *models.SyncState) {
		s.Reading = false
		s.ReadProgress = models.IdleProgress
	})
	if !current {
		return nil, apperrors.ErrCancelled
	}

	p.mu.Lock()
	p.cache = &readCache{minTime: minTime, maxTime: maxTime, trades: trades}
	p.mu.Unlock()

	return trades, nil
}

// progress forwards stage progress to observers while the run is current.
func (o *Orchestrator) progress(p *pipeline, epoch uint64, stage apperrors.Stage) func(float64) {
	return func(fraction float64) {
		p.mu.Lock()
		if p.epoch != epoch {
			p.mu.Unlock()
			return
		}
		switch stage {
		case apperrors.StageReading:
			p.state.ReadProgress = fraction
		case apperrors.StageAggregating:
			p.state.AggregateProgress = fraction
		}
		p.mu.Unlock()

		o.notify(func(obs Observer) {
			obs.OnProgress(p.platform, stage, fraction)
		})
	}
}

func (o *Orchestrator) stale(platform models.Platform) error {
	metrics.StaleResultsDropped.WithLabelValues(platform.Exchange).Inc()
	return apperrors.ErrCancelled
}

// displayFailure reports err unless the run was superseded or cancelled.
func (o *Orchestrator) displayFailure(p *pipeline, epoch uint64, stage apperrors.Stage, err error) error {
	p.mu.Lock()
	current := p.epoch == epoch
	if current {
		p.cancelDisplay = nil
	}
	p.mu.Unlock()

	if !current {
		return o.stale(p.platform)
	}
	return o.fail(p, stage, err)
}

// fail routes a stage failure to observers and returns the failing state
// machine to idle. The other machine is left untouched. Cancellations only
// reset the stage flags.
func (o *Orchestrator) fail(p *pipeline, stage apperrors.Stage, err error) error {
	display := stage == apperrors.StageReading || stage == apperrors.StageAggregating
	setStage := func(s *models.SyncState, st apperrors.Stage) {
		if display {
			s.DisplayStage = st
		} else {
			s.SyncStage = st
		}
	}
	reset := func(s *models.SyncState) {
		setStage(s, apperrors.StageIdle)
		if display {
			s.Reading = false
			s.Aggregating = false
			s.ReadProgress = models.IdleProgress
			s.AggregateProgress = models.IdleProgress
		} else {
			s.Fetching = false
			s.Reconciling = false
		}
	}

	if apperrors.IsCancelled(err) {
		o.update(p, reset)
		if !errors.Is(err, apperrors.ErrCancelled) {
			err = fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
		}
		return err
	}

	kind := apperrors.Kind(err)
	metrics.StageFailures.WithLabelValues(p.platform.Exchange, string(stage), kind).Inc()

	stageErr := &apperrors.StageError{Platform: p.platform.String(), Stage: stage, Err: err}
	failure := models.Failure{
		ID:          uuid.NewString(),
		Platform:    p.platform,
		Stage:       stage,
		Kind:        kind,
		Message:     err.Error(),
		AuthInvalid: errors.Is(err, apperrors.ErrAuthInvalid),
		At:          o.now(),
		Err:         stageErr,
	}

	o.logger.WithFields(logrus.Fields{
		"exchange":   p.platform.Exchange,
		"pair":       p.platform.Pair.String(),
		"stage":      stage,
		"kind":       kind,
		"failure_id": failure.ID,
	}).WithError(err).Error("❌ Pipeline stage failed")

	o.update(p, func(s *models.SyncState) {
		setStage(s, apperrors.StageFailed)
		s.LastError = err.Error()
	})
	o.notify(func(obs Observer) { obs.OnFailure(failure) })
	o.update(p, reset)

	return stageErr
}

// update mutates the state under the pipeline lock and pushes the snapshot.
func (o *Orchestrator) update(p *pipeline, fn func(*models.SyncState)) {
	p.mu.Lock()
	fn(&p.state)
	p.state.UpdatedAt = o.now()
	state := p.state
	p.mu.Unlock()

	o.notify(func(obs Observer) { obs.OnState(state) })
}

// updateIfCurrent is update for display runs; it does nothing once epoch is stale.
func (o *Orchestrator) updateIfCurrent(p *pipeline, epoch uint64, fn func(*models.SyncState)) bool {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return false
	}
	fn(&p.state)
	p.state.UpdatedAt = o.now()
	state := p.state
	p.mu.Unlock()

	o.notify(func(obs Observer) { obs.OnState(state) })
	return true
}

func (o *Orchestrator) notify(fn func(Observer)) {
	o.observersMu.RLock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.observersMu.RUnlock()

	for _, obs := range observers {
		fn(obs)
	}
}
