package repository

import (
	"context"

	"market-watch/internal/models"
)

// TradeLog is the mutating view of a trade store, valid only inside InTx.
type TradeLog interface {
	// MaxTime returns the latest persisted trade time; ok is false for an empty log.
	MaxTime(ctx context.Context, platform models.Platform) (max int64, ok bool, err error)
	DeleteWhereTimeAtLeast(ctx context.Context, platform models.Platform, t int64) (int64, error)
	BulkInsert(ctx context.Context, platform models.Platform, trades []models.Trade) (int, error)
}

// TradeStore is a keyed, append-mostly trade log per platform.
// Range bounds are exclusive on both ends.
type TradeStore interface {
	InTx(ctx context.Context, fn func(log TradeLog) error) error
	CountInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64) (int64, error)
	StreamInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64, fn func(models.Trade) error) error
}
