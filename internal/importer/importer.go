package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"market-watch/internal/exchange"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/aggregator"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Importer backfills trade logs from exchange history and, when a sink is
// configured, archives the closed candles built from the backfilled trades.
type Importer struct {
	registry   *exchange.Registry
	reconciler *reconciler.Reconciler
	sink       aggregator.CandleSink
	location   timebucket.Location
	logger     *logrus.Logger
	now        func() time.Time
	progressW  io.Writer
}

type ImportJob struct {
	Platforms []models.Platform
	Since     time.Time
	Intervals []timebucket.Interval
	Workers   int
}

func (j *ImportJob) String() string {
	return fmt.Sprintf("%d platforms (%d intervals) since %s",
		len(j.Platforms), len(j.Intervals), j.Since.UTC().Format(time.RFC3339))
}

type importResult struct {
	Platform models.Platform
	Fetched  int
	Inserted int
	Candles  int
	Error    error
	Skipped  bool
}

// Summary totals one Import run.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Inserted  int
	Candles   int
}

// New creates an importer. sink may be nil to skip archiving.
func New(registry *exchange.Registry, rec *reconciler.Reconciler, sink aggregator.CandleSink, location timebucket.Location, logger *logrus.Logger) *Importer {
	return &Importer{
		registry:   registry,
		reconciler: rec,
		sink:       sink,
		location:   location,
		logger:     logger,
		now:        time.Now,
		progressW:  os.Stderr,
	}
}

// SetProgressWriter redirects the progress bar; io.Discard hides it.
func (imp *Importer) SetProgressWriter(w io.Writer) {
	imp.progressW = w
}

func (imp *Importer) Import(ctx context.Context, job *ImportJob) (Summary, error) {
	workers := job.Workers
	if workers < 1 {
		workers = 1
	}

	taskChan := make(chan models.Platform, len(job.Platforms))
	resultChan := make(chan importResult, len(job.Platforms))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for platform := range taskChan {
				resultChan <- imp.processPlatform(ctx, platform, job.Since.Unix(), job.Intervals)
			}
		}()
	}

	for _, p := range job.Platforms {
		taskChan <- p
	}
	close(taskChan)

	bar := progressbar.NewOptions(len(job.Platforms),
		progressbar.OptionSetWriter(imp.progressW),
		progressbar.OptionSetDescription("Backfilling trades"),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var summary Summary
	for result := range resultChan {
		_ = bar.Add(1)
		switch {
		case result.Error != nil:
			summary.Failed++
			imp.logger.Warnf("  ❌ %s: %v", result.Platform, result.Error)
		case result.Skipped:
			summary.Skipped++
			imp.logger.Infof("  ⏭️  %s: no trades since %s", result.Platform, job.Since.UTC().Format(time.RFC3339))
		default:
			summary.Succeeded++
			summary.Inserted += result.Inserted
			summary.Candles += result.Candles
			imp.logger.Debugf("  ✅ %s: %d fetched, %d inserted, %d candles archived",
				result.Platform, result.Fetched, result.Inserted, result.Candles)
		}
	}
	_ = bar.Finish()

	imp.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	imp.logger.Info("📈 Backfill Summary")
	imp.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	imp.logger.Infof("Platforms:      %d", len(job.Platforms))
	imp.logger.Infof("✅ Successful:  %d", summary.Succeeded)
	imp.logger.Infof("⏭️  Skipped:     %d", summary.Skipped)
	imp.logger.Infof("❌ Failed:      %d", summary.Failed)
	imp.logger.Infof("Rows inserted:  %d", summary.Inserted)
	imp.logger.Infof("Candles stored: %d", summary.Candles)

	if summary.Failed > 0 {
		return summary, fmt.Errorf("import completed with %d failures", summary.Failed)
	}
	return summary, nil
}

func (imp *Importer) processPlatform(ctx context.Context, platform models.Platform, since int64, intervals []timebucket.Interval) importResult {
	result := importResult{Platform: platform}

	c, err := imp.registry.Get(platform.Exchange)
	if err != nil {
		result.Error = err
		return result
	}
	if _, ok := c.(exchange.HistoryFetcher); !ok {
		imp.logger.Warnf("⚠️  %s has no history endpoint, backfilling the recent window only", platform.Exchange)
	}

	// Resume from the persisted tail when it is older than since, so the log stays contiguous.
	latest, hasData, err := imp.reconciler.LatestTime(ctx, platform)
	if err != nil {
		result.Error = err
		return result
	}
	if hasData && latest < since {
		since = latest
	}

	trades, err := exchange.FetchForSync(ctx, c, platform.Pair, since, true)
	if err != nil {
		result.Error = fmt.Errorf("failed to fetch trades: %w", err)
		return result
	}
	result.Fetched = len(trades)
	if len(trades) == 0 {
		result.Skipped = true
		return result
	}

	outcome, err := imp.reconciler.Reconcile(ctx, platform, trades)
	if err != nil {
		result.Error = err
		return result
	}
	result.Inserted = outcome.Added()

	if imp.sink == nil {
		return result
	}

	now := imp.now().Unix()
	for _, iv := range intervals {
		res, err := aggregator.Aggregate(ctx, trades, aggregator.Params{Interval: iv, Location: imp.location, Now: now}, nil)
		if err != nil {
			result.Error = fmt.Errorf("failed to aggregate %s: %w", iv, err)
			return result
		}
		candles := repository.CandlesFromSeries(models.Series{
			Platform: platform,
			Interval: iv.String(),
			Candles:  res.Candles,
			Volumes:  res.Volumes,
		})
		if err := imp.sink.BatchInsert(ctx, candles); err != nil {
			result.Error = fmt.Errorf("failed to archive %s candles: %w", iv, err)
			return result
		}
		result.Candles += len(candles)
	}

	return result
}
