package reader

import (
	"context"
	"errors"
	"math"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/repository"

	"github.com/sirupsen/logrus"
)

const (
	Unbounded    int64 = math.MaxInt64
	UnboundedMin int64 = math.MinInt64
)

// ProgressFunc receives the fraction of rows emitted so far, in [0, 1].
type ProgressFunc func(fraction float64)

// Query selects trades with MinTime < time < MaxTime.
type Query struct {
	Platform models.Platform
	MinTime  int64
	MaxTime  int64
}

type options struct {
	progress ProgressFunc
	partial  bool
}

type Option func(*options)

// WithProgress reports emitted/total after every row.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithPartialResults returns the rows read so far alongside ErrCancelled.
func WithPartialResults() Option {
	return func(o *options) { o.partial = true }
}

type Reader struct {
	store  repository.TradeStore
	logger *logrus.Logger
}

func New(store repository.TradeStore, logger *logrus.Logger) *Reader {
	return &Reader{
		store:  store,
		logger: logger,
	}
}

// Read returns the trades in the query range in ascending time order.
func (r *Reader) Read(ctx context.Context, q Query, opts ...Option) ([]models.Trade, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	total, err := r.store.CountInRange(ctx, q.Platform, q.MinTime, q.MaxTime)
	metrics.TrackLatency(start, metrics.DatabaseQueryLatency.WithLabelValues("count"))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.FromContext(ctx)
		}
		return nil, apperrors.Persistence("count trades for "+q.Platform.String(), err)
	}

	trades := make([]models.Trade, 0, total)
	errStop := errors.New("stop")

	start = time.Now()
	err = r.store.StreamInRange(ctx, q.Platform, q.MinTime, q.MaxTime, func(t models.Trade) error {
		if ctx.Err() != nil {
			return errStop
		}
		trades = append(trades, t)
		if o.progress != nil && total > 0 {
			o.progress(math.Min(1, float64(len(trades))/float64(total)))
		}
		return nil
	})
	metrics.TrackLatency(start, metrics.DatabaseQueryLatency.WithLabelValues("stream"))
	metrics.TradesRead.WithLabelValues(q.Platform.Exchange).Add(float64(len(trades)))

	if ctx.Err() != nil {
		r.logger.WithFields(logrus.Fields{
			"platform": q.Platform.String(),
			"read":     len(trades),
			"total":    total,
		}).Debug("Trade read cancelled")
		if o.partial {
			return trades, apperrors.FromContext(ctx)
		}
		return nil, apperrors.FromContext(ctx)
	}
	if err != nil {
		return nil, apperrors.Persistence("stream trades for "+q.Platform.String(), err)
	}

	if o.progress != nil && total == 0 {
		o.progress(1)
	}

	return trades, nil
}
