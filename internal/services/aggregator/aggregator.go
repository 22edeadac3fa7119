package aggregator

import (
	"context"
	"fmt"
	"math"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
)

// Window restricts aggregation to trades with From <= time <= To.
type Window struct {
	From int64
	To   int64
}

// Params configures one aggregation run.
type Params struct {
	Interval timebucket.Interval
	Location timebucket.Location
	// Now is the wall clock in epoch seconds; the series is extended up to the bucket containing it.
	Now    int64
	Window *Window
}

// Result holds the candle and volume series plus the trades they were built from.
type Result struct {
	Candles []models.CandleBar
	Volumes []models.VolumeBar
	Trades  []models.Trade
}

// ProgressFunc receives processed/total after every trade.
type ProgressFunc func(fraction float64)

// Aggregator wraps Aggregate with logging and metrics.
type Aggregator struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregate builds the series for a platform and records bucket metrics.
func (a *Aggregator) Aggregate(ctx context.Context, platform models.Platform, trades []models.Trade, p Params, progress ProgressFunc) (Result, error) {
	res, err := Aggregate(ctx, trades, p, progress)
	if err != nil {
		return Result{}, err
	}

	label := p.Interval.String()
	gaps := 0
	for _, v := range res.Volumes {
		if v.TradedVolume == 0 {
			gaps++
		}
	}
	metrics.BucketsEmitted.WithLabelValues(platform.Exchange, label).Add(float64(len(res.Candles)))
	metrics.GapBuckets.WithLabelValues(platform.Exchange, label).Add(float64(gaps))

	a.logger.WithFields(logrus.Fields{
		"platform": platform.String(),
		"interval": label,
		"trades":   len(res.Trades),
		"buckets":  len(res.Candles),
		"gaps":     gaps,
	}).Debug("Aggregated trades")

	return res, nil
}

type bucket struct {
	open, high, low, close float64
	volume, quoteVolume    float64
	count                  int
}

func (b *bucket) add(t models.Trade) {
	if b.count == 0 {
		b.open = t.Price
		b.high = t.Price
		b.low = t.Price
	}
	b.high = math.Max(b.high, t.Price)
	b.low = math.Min(b.low, t.Price)
	b.close = t.Price
	b.volume += t.Volume
	b.quoteVolume += t.Price * t.Volume
	b.count++
}

// Aggregate converts trades into fixed-interval OHLCV buckets. Buckets with
// no trades repeat the previous close with zero volume, and the series runs
// until the bucket containing p.Now.
func Aggregate(ctx context.Context, trades []models.Trade, p Params, progress ProgressFunc) (Result, error) {
	if err := p.Interval.Validate(); err != nil {
		return Result{}, err
	}
	if len(trades) == 0 {
		return Result{}, nil
	}

	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	models.SortTrades(sorted)
	sorted = restrict(sorted, p.Window)
	if len(sorted) == 0 {
		return Result{}, nil
	}

	step := p.Interval.Seconds()
	if step <= 0 {
		return Result{}, fmt.Errorf("%w: %s has no usable width", apperrors.ErrInvalidInterval, p.Interval)
	}
	total := float64(len(sorted))
	res := Result{Trades: sorted}

	start := p.Interval.Floor(sorted[0].Time, p.Location)
	lastPrice := sorted[0].Price
	var cur bucket

	emit := func() {
		if cur.count == 0 {
			res.Candles = append(res.Candles, models.CandleBar{BucketStart: start, Open: lastPrice, High: lastPrice, Low: lastPrice, Close: lastPrice})
			res.Volumes = append(res.Volumes, models.VolumeBar{BucketStart: start})
		} else {
			res.Candles = append(res.Candles, models.CandleBar{BucketStart: start, Open: cur.open, High: cur.high, Low: cur.low, Close: cur.close})
			res.Volumes = append(res.Volumes, models.VolumeBar{BucketStart: start, TradedVolume: cur.volume, QuoteVolume: cur.quoteVolume})
		}
		cur = bucket{}
	}

	for i, t := range sorted {
		if err := apperrors.FromContext(ctx); err != nil {
			return Result{}, err
		}

		// Distances instead of start+step keep the comparisons free of overflow.
		for t.Time-start >= step {
			emit()
			start += step
		}

		cur.add(t)
		lastPrice = t.Price

		if progress != nil {
			progress(float64(i+1) / total)
		}
	}

	emit()
	for p.Now-start >= step {
		start += step
		emit()
	}

	return res, nil
}

func restrict(sorted []models.Trade, w *Window) []models.Trade {
	if w == nil {
		return sorted
	}

	lo := 0
	for lo < len(sorted) && sorted[lo].Time < w.From {
		lo++
	}
	hi := len(sorted)
	for hi > lo && sorted[hi-1].Time > w.To {
		hi--
	}
	return sorted[lo:hi]
}
