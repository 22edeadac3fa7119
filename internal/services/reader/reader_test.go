package reader

import (
	"context"
	"errors"
	"testing"

	"market-watch/internal/apperrors"
	"market-watch/internal/models"
	"market-watch/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var platform = models.NewPlatform("coinbase", models.CurrencyPair{Base: "ETH", Quote: "USD"})

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func createSequentialTrades(start int64, count int, step int64) []models.Trade {
	trades := make([]models.Trade, count)
	for i := range trades {
		trades[i] = models.Trade{ID: int64(i), Time: start + int64(i)*step, Price: 100 + float64(i), Volume: 1}
	}
	return trades
}

func seededStore(t *testing.T, trades []models.Trade) *repository.MemoryTradeStore {
	t.Helper()
	store := repository.NewMemoryTradeStore()
	err := store.InTx(context.Background(), func(log repository.TradeLog) error {
		_, err := log.BulkInsert(context.Background(), platform, trades)
		return err
	})
	require.NoError(t, err)
	return store
}

func TestRead_ExclusiveRangeAscending(t *testing.T) {
	store := seededStore(t, createSequentialTrades(0, 10, 10))
	r := New(store, quietLogger())

	trades, err := r.Read(context.Background(), Query{Platform: platform, MinTime: 20, MaxTime: 60})
	require.NoError(t, err)

	var got []int64
	for _, tr := range trades {
		got = append(got, tr.Time)
	}
	assert.Equal(t, []int64{30, 40, 50}, got)
}

func TestRead_Unbounded(t *testing.T) {
	store := seededStore(t, createSequentialTrades(0, 5, 1))
	r := New(store, quietLogger())

	trades, err := r.Read(context.Background(), Query{Platform: platform, MinTime: UnboundedMin, MaxTime: Unbounded})
	require.NoError(t, err)
	assert.Len(t, trades, 5)
}

func TestRead_Progress(t *testing.T) {
	store := seededStore(t, createSequentialTrades(0, 4, 1))
	r := New(store, quietLogger())

	var progress []float64
	_, err := r.Read(context.Background(), Query{Platform: platform, MinTime: UnboundedMin, MaxTime: Unbounded},
		WithProgress(func(f float64) { progress = append(progress, f) }))

	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, progress)
}

func TestRead_ProgressOnEmptyRange(t *testing.T) {
	r := New(repository.NewMemoryTradeStore(), quietLogger())

	var progress []float64
	trades, err := r.Read(context.Background(), Query{Platform: platform, MinTime: 0, MaxTime: 10},
		WithProgress(func(f float64) { progress = append(progress, f) }))

	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, []float64{1}, progress)
}

func TestRead_CancelledAllOrNothing(t *testing.T) {
	store := seededStore(t, createSequentialTrades(0, 10, 1))
	r := New(store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	trades, err := r.Read(ctx, Query{Platform: platform, MinTime: UnboundedMin, MaxTime: Unbounded},
		WithProgress(func(f float64) {
			if f >= 0.3 {
				cancel()
			}
		}))

	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	assert.Nil(t, trades)
}

func TestRead_CancelledPartial(t *testing.T) {
	store := seededStore(t, createSequentialTrades(0, 10, 1))
	r := New(store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	trades, err := r.Read(ctx, Query{Platform: platform, MinTime: UnboundedMin, MaxTime: Unbounded},
		WithPartialResults(),
		WithProgress(func(f float64) {
			if f >= 0.3 {
				cancel()
			}
		}))

	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	assert.Len(t, trades, 3)
}

type failingStore struct {
	repository.TradeStore
	countErr  error
	streamErr error
}

func (f failingStore) CountInRange(ctx context.Context, p models.Platform, minTime, maxTime int64) (int64, error) {
	return 1, f.countErr
}

func (f failingStore) StreamInRange(ctx context.Context, p models.Platform, minTime, maxTime int64, fn func(models.Trade) error) error {
	return f.streamErr
}

func TestRead_PersistenceFailure(t *testing.T) {
	tests := []struct {
		name  string
		store failingStore
	}{
		{"count fails", failingStore{countErr: errors.New("timeout")}},
		{"stream fails", failingStore{streamErr: errors.New("broken pipe")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.store, quietLogger()).Read(context.Background(), Query{Platform: platform})
			assert.ErrorIs(t, err, apperrors.ErrPersistence)
		})
	}
}
