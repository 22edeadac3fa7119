package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/repository"

	"github.com/sirupsen/logrus"
)

// CandleSink persists closed candles.
type CandleSink interface {
	BatchInsert(ctx context.Context, candles []*repository.ArchivedCandle) error
}

// ArchiveWriter batches closed candles from published series into a CandleSink.
type ArchiveWriter struct {
	sink   CandleSink
	logger *logrus.Logger

	batchChan     chan *repository.ArchivedCandle
	batchSize     int
	flushInterval time.Duration

	// Highest archived bucket start per platform and interval
	watermarks map[string]int64
	stopped    bool
	mu         sync.Mutex

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewArchiveWriter(sink CandleSink, batchSize int, flushInterval time.Duration, logger *logrus.Logger) *ArchiveWriter {
	if batchSize < 1 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &ArchiveWriter{
		sink:          sink,
		logger:        logger,
		batchChan:     make(chan *repository.ArchivedCandle, 10000),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		watermarks:    make(map[string]int64),
	}
}

func (w *ArchiveWriter) Start() {
	w.wg.Add(1)
	go w.batchWriter()
	w.logger.Info("🗄️  Candle archive writer started")
}

// Stop flushes pending candles and waits for the writer to exit.
func (w *ArchiveWriter) Stop() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.batchChan)
		w.mu.Unlock()
	})
	w.wg.Wait()
	w.logger.Info("Candle archive writer stopped")
}

// Enqueue archives the closed buckets of a series that were not archived before.
func (w *ArchiveWriter) Enqueue(series models.Series) {
	candles := repository.CandlesFromSeries(series)
	if len(candles) == 0 {
		return
	}

	key := fmt.Sprintf("%s:%s", series.Platform, series.Interval)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	mark, seen := w.watermarks[key]
	for _, c := range candles {
		if seen && c.OpenTime.Unix() <= mark {
			continue
		}
		select {
		case w.batchChan <- c:
			w.watermarks[key] = c.OpenTime.Unix()
			mark, seen = c.OpenTime.Unix(), true
		default:
			w.logger.Warn("Archive queue full, dropping candle")
			return
		}
	}
}

func (w *ArchiveWriter) batchWriter() {
	defer w.wg.Done()

	batch := make([]*repository.ArchivedCandle, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		if err := w.sink.BatchInsert(context.Background(), batch); err != nil {
			w.logger.WithError(err).Error("Failed to archive candles")
		} else {
			w.logger.Debugf("💾 Archived %d candles", len(batch))
		}
		metrics.TrackLatency(start, metrics.DatabaseQueryLatency.WithLabelValues("archive"))

		batch = make([]*repository.ArchivedCandle, 0, w.batchSize)
	}

	for {
		select {
		case candle, ok := <-w.batchChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, candle)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
