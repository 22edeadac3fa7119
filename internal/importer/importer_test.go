package importer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"market-watch/internal/exchange"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btcUSD = models.CurrencyPair{Base: "BTC", Quote: "USD"}
	ethUSD = models.CurrencyPair{Base: "ETH", Quote: "USD"}
)

// historyConnector adds a history endpoint to a static connector.
type historyConnector struct {
	*exchange.StaticConnector
	mu     sync.Mutex
	sinces []int64
}

func (h *historyConnector) FetchTradesSince(ctx context.Context, pair models.CurrencyPair, since int64) ([]models.Trade, error) {
	h.mu.Lock()
	h.sinces = append(h.sinces, since)
	h.mu.Unlock()

	all, err := h.FetchRecentTrades(ctx, pair)
	if err != nil {
		return nil, err
	}
	var out []models.Trade
	for _, t := range all {
		if t.Time >= since {
			out = append(out, t)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu      sync.Mutex
	candles []*repository.ArchivedCandle
	err     error
}

func (s *recordingSink) BatchInsert(ctx context.Context, candles []*repository.ArchivedCandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.candles = append(s.candles, candles...)
	return nil
}

func newImporter(t *testing.T, c exchange.Connector, store *repository.MemoryTradeStore, sink *recordingSink) *Importer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var imp *Importer
	if sink != nil {
		imp = New(exchange.NewRegistry(c), reconciler.New(store, logger), sink, timebucket.UTC, logger)
	} else {
		imp = New(exchange.NewRegistry(c), reconciler.New(store, logger), nil, timebucket.UTC, logger)
	}
	imp.now = func() time.Time { return time.Unix(600, 0) }
	imp.SetProgressWriter(io.Discard)
	return imp
}

func TestImport_BackfillsAndArchives(t *testing.T) {
	conn := &historyConnector{StaticConnector: exchange.NewStaticConnector("hist")}
	conn.SetTrades(btcUSD, []models.Trade{
		{ID: 1, Time: 30, Price: 10, Volume: 1},
		{ID: 2, Time: 70, Price: 11, Volume: 1},
		{ID: 3, Time: 100, Price: 12, Volume: 2},
		{ID: 4, Time: 250, Price: 9, Volume: 1},
	})
	store := repository.NewMemoryTradeStore()
	sink := &recordingSink{}
	imp := newImporter(t, conn, store, sink)

	platform := models.NewPlatform("hist", btcUSD)
	minute, err := timebucket.Parse("1m")
	require.NoError(t, err)

	summary, err := imp.Import(context.Background(), &ImportJob{
		Platforms: []models.Platform{platform},
		Since:     time.Unix(60, 0),
		Intervals: []timebucket.Interval{minute},
		Workers:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{60}, conn.sinces)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, summary.Inserted)
	assert.Len(t, store.All(platform), 3)

	// Buckets 60..600 exist; the open 600 bucket is not archived
	require.Equal(t, 9, summary.Candles)
	require.Len(t, sink.candles, 9)
	first := sink.candles[0]
	assert.Equal(t, time.Unix(60, 0).UTC(), first.OpenTime)
	assert.Equal(t, 11.0, first.Open)
	assert.Equal(t, 12.0, first.Close)
	assert.Equal(t, 3.0, first.Volume)
	assert.True(t, sink.candles[1].GapFilled)
	assert.Equal(t, "1m", first.Interval)
}

func TestImport_ResumesFromPersistedTail(t *testing.T) {
	conn := &historyConnector{StaticConnector: exchange.NewStaticConnector("hist")}
	conn.SetTrades(btcUSD, []models.Trade{
		{ID: 1, Time: 40, Price: 10, Volume: 1},
		{ID: 2, Time: 200, Price: 11, Volume: 1},
		{ID: 3, Time: 400, Price: 12, Volume: 1},
	})
	store := repository.NewMemoryTradeStore()
	platform := models.NewPlatform("hist", btcUSD)

	imp := newImporter(t, conn, store, nil)
	_, err := imp.reconciler.Reconcile(context.Background(), platform, []models.Trade{{ID: 1, Time: 40, Price: 10, Volume: 1}})
	require.NoError(t, err)

	summary, err := imp.Import(context.Background(), &ImportJob{
		Platforms: []models.Platform{platform},
		Since:     time.Unix(300, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{40}, conn.sinces)
	assert.Equal(t, 2, summary.Inserted)
	assert.Len(t, store.All(platform), 3)
}

func TestImport_SkipsEmptyAndCountsFailures(t *testing.T) {
	conn := exchange.NewStaticConnector("static")
	conn.SetTrades(btcUSD, nil)
	conn.SetTrades(ethUSD, nil)
	store := repository.NewMemoryTradeStore()
	imp := newImporter(t, conn, store, nil)

	summary, err := imp.Import(context.Background(), &ImportJob{
		Platforms: []models.Platform{
			models.NewPlatform("static", btcUSD),
			models.NewPlatform("kraken", ethUSD),
		},
		Since:   time.Unix(0, 0),
		Workers: 1,
	})
	require.Error(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
}

func TestImport_SinkFailure(t *testing.T) {
	conn := exchange.NewStaticConnector("static")
	conn.SetTrades(btcUSD, []models.Trade{{ID: 1, Time: 10, Price: 1, Volume: 1}})
	sink := &recordingSink{err: errors.New("clickhouse down")}
	imp := newImporter(t, conn, repository.NewMemoryTradeStore(), sink)

	minute, _ := timebucket.Parse("1m")
	summary, err := imp.Import(context.Background(), &ImportJob{
		Platforms: []models.Platform{models.NewPlatform("static", btcUSD)},
		Intervals: []timebucket.Interval{minute},
	})
	require.Error(t, err)
	assert.Equal(t, 1, summary.Failed)
}
