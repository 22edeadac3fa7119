package reconciler

import (
	"context"
	"sync"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"
	"market-watch/internal/repository"

	"github.com/sirupsen/logrus"
)

// reconcileMu serializes reconciliation across every platform and every Reconciler.
var reconcileMu sync.Mutex

// Reconciler merges freshly fetched trades into the persisted trade log.
type Reconciler struct {
	store  repository.TradeStore
	logger *logrus.Logger
}

func New(store repository.TradeStore, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger,
	}
}

// Outcome describes one reconciliation. Replaced counts the boundary rows
// deleted before the batch was inserted.
type Outcome struct {
	Inserted int
	Replaced int64
}

// Added is the number of rows the log grew by.
func (o Outcome) Added() int {
	if n := o.Inserted - int(o.Replaced); n > 0 {
		return n
	}
	return 0
}

// Modified reports whether any persisted row was deleted or written.
func (o Outcome) Modified() bool {
	return o.Inserted > 0 || o.Replaced > 0
}

// LatestTime returns the newest persisted trade time for a platform.
func (r *Reconciler) LatestTime(ctx context.Context, platform models.Platform) (int64, bool, error) {
	var (
		max     int64
		hasData bool
	)
	err := r.store.InTx(ctx, func(log repository.TradeLog) error {
		var err error
		max, hasData, err = log.MaxTime(ctx, platform)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, apperrors.FromContext(ctx)
		}
		return 0, false, apperrors.Persistence("latest time "+platform.String(), err)
	}
	return max, hasData, nil
}

// Reconcile replaces the tail of the log from its latest timestamp M onwards
// with the batch trades at or after M. Trades older than M are assumed to be
// persisted already and are dropped.
func (r *Reconciler) Reconcile(ctx context.Context, platform models.Platform, batch []models.Trade) (Outcome, error) {
	reconcileMu.Lock()
	defer reconcileMu.Unlock()

	if err := apperrors.FromContext(ctx); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	defer metrics.TrackLatency(start, metrics.DatabaseQueryLatency.WithLabelValues("reconcile"))

	var inserted int
	var replaced int64

	err := r.store.InTx(ctx, func(log repository.TradeLog) error {
		max, hasData, err := log.MaxTime(ctx, platform)
		if err != nil {
			return err
		}

		pending := batch
		if hasData {
			replaced, err = log.DeleteWhereTimeAtLeast(ctx, platform, max)
			if err != nil {
				return err
			}
			pending = atOrAfter(batch, max)

			if replaced > 0 && !containsTime(pending, max) {
				r.logger.WithFields(logrus.Fields{
					"platform": platform.String(),
					"boundary": max,
					"replaced": replaced,
				}).Warn("Batch has no trades at the previous boundary; boundary rows were dropped")
			}
		}

		pending = dedupe(pending, platform)
		models.SortTrades(pending)

		inserted, err = log.BulkInsert(ctx, platform, pending)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, apperrors.FromContext(ctx)
		}
		r.logger.WithError(err).WithField("platform", platform.String()).Error("Reconciliation failed")
		return Outcome{}, apperrors.Persistence("reconcile "+platform.String(), err)
	}

	metrics.TrackReconciled(platform.Exchange, platform.Pair.String(), inserted, replaced)

	r.logger.WithFields(logrus.Fields{
		"platform": platform.String(),
		"fetched":  len(batch),
		"inserted": inserted,
		"replaced": replaced,
	}).Debug("Reconciled trades")

	return Outcome{Inserted: inserted, Replaced: replaced}, nil
}

func atOrAfter(trades []models.Trade, t int64) []models.Trade {
	out := make([]models.Trade, 0, len(trades))
	for _, tr := range trades {
		if tr.Time >= t {
			out = append(out, tr)
		}
	}
	return out
}

func containsTime(trades []models.Trade, t int64) bool {
	for _, tr := range trades {
		if tr.Time == t {
			return true
		}
	}
	return false
}

// dedupe drops identity duplicates inside one batch, keeping the first occurrence.
func dedupe(trades []models.Trade, platform models.Platform) []models.Trade {
	seen := make(map[models.TradeKey]struct{}, len(trades))
	out := make([]models.Trade, 0, len(trades))
	for _, tr := range trades {
		tr.Platform = platform
		key := tr.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tr)
	}
	return out
}
