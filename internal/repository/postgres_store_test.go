package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"market-watch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresTradeStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewPostgresTradeStore(sqlx.NewDb(db, "postgres"), logger), mock
}

func expectEnsureTable(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "bitstamp_btc_usd"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "bitstamp_btc_usd_time_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresTradeStore_ReconcileTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectEnsureTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(time) FROM "bitstamp_btc_usd"`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(100)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "bitstamp_btc_usd" WHERE time >= $1`)).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "bitstamp_btc_usd"`))
	prep.ExpectExec().WithArgs(int64(7), int64(100), 1.5, 2.0, int64(0)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(8), int64(101), 1.6, 1.0, int64(1)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := store.InTx(ctx, func(log TradeLog) error {
		max, ok, err := log.MaxTime(ctx, testPlatform)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(100), max)

		deleted, err := log.DeleteWhereTimeAtLeast(ctx, testPlatform, max)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		inserted, err := log.BulkInsert(ctx, testPlatform, []models.Trade{
			{ID: 7, Time: 100, Price: 1.5, Volume: 2, Side: models.SideBuy},
			{ID: 8, Time: 101, Price: 1.6, Volume: 1, Side: models.SideSell},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, inserted)
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTradeStore_RollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "bitstamp_btc_usd"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.InTx(ctx, func(log TradeLog) error {
		_, err := log.DeleteWhereTimeAtLeast(ctx, testPlatform, 10)
		return err
	})

	assert.ErrorContains(t, err, "failed to delete trades")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTradeStore_StreamInRange(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectEnsureTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "bitstamp_btc_usd" WHERE time > $1 AND time < $2`)).
		WithArgs(int64(0), int64(200)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, time, price, volume, type`)).
		WithArgs(int64(0), int64(200)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "time", "price", "volume", "type"}).
			AddRow(int64(1), int64(50), 100.0, 1.0, 0).
			AddRow(int64(-1), int64(130), 99.0, 0.5, 2))

	count, err := store.CountInRange(ctx, testPlatform, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var trades []models.Trade
	err = store.StreamInRange(ctx, testPlatform, 0, 200, func(tr models.Trade) error {
		trades = append(trades, tr)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(50), trades[0].Time)
	assert.Equal(t, models.SideUnknown, trades[1].Side)
	assert.Equal(t, testPlatform, trades[1].Platform)
	assert.NoError(t, mock.ExpectationsWereMet())
}
