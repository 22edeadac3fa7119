package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/orchestrator"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var platform = models.NewPlatform("bitstamp", models.CurrencyPair{Base: "BTC", Quote: "USD"})

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Display(ctx context.Context, req orchestrator.DisplayRequest) (models.Series, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Series), args.Error(1)
}

func (m *MockEngine) Latest(p models.Platform, interval string) (models.Series, bool) {
	args := m.Called(p, interval)
	return args.Get(0).(models.Series), args.Bool(1)
}

func (m *MockEngine) States() []models.SyncState {
	return m.Called().Get(0).([]models.SyncState)
}

func (m *MockEngine) Platforms() []models.Platform {
	return m.Called().Get(0).([]models.Platform)
}

func (m *MockEngine) SyncAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetSeries(ctx context.Context, p models.Platform, interval string) (*models.Series, error) {
	args := m.Called(ctx, p, interval)
	s, _ := args.Get(0).(*models.Series)
	return s, args.Error(1)
}

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) GetCandles(ctx context.Context, p models.Platform, interval string, start, end time.Time, limit int) ([]repository.ArchivedCandle, error) {
	args := m.Called(ctx, p, interval, start, end, limit)
	c, _ := args.Get(0).([]repository.ArchivedCandle)
	return c, args.Error(1)
}

func (m *MockArchive) GetStats(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(map[string]interface{})
	return s, args.Error(1)
}

func newService(engine Engine, cache SeriesCache, archive Archive) *Service {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(engine, cache, archive, "15m", 10, logger)
	s.now = func() time.Time { return time.Unix(100000, 0) }
	return s
}

func TestGetSeries_CacheHit(t *testing.T) {
	engine := new(MockEngine)
	cache := new(MockCache)
	cached := &models.Series{Platform: platform, Interval: "15m"}
	cache.On("GetSeries", mock.Anything, platform, "15m").Return(cached, nil)

	got, err := newService(engine, cache, nil).GetSeries(context.Background(), Request{Platform: platform})
	require.NoError(t, err)
	assert.Equal(t, *cached, got)
	engine.AssertNotCalled(t, "Display", mock.Anything, mock.Anything)
}

func TestGetSeries_FallsBackToLatest(t *testing.T) {
	engine := new(MockEngine)
	cache := new(MockCache)
	cache.On("GetSeries", mock.Anything, platform, "1h").Return(nil, errors.New("cache miss"))
	latest := models.Series{Platform: platform, Interval: "1h"}
	engine.On("Latest", platform, "1h").Return(latest, true)

	got, err := newService(engine, cache, nil).GetSeries(context.Background(), Request{Platform: platform, Interval: "1h"})
	require.NoError(t, err)
	assert.Equal(t, latest, got)
}

func TestGetSeries_RunsDisplayWindow(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Latest", platform, "15m").Return(models.Series{}, false)
	engine.On("Display", mock.Anything, mock.MatchedBy(func(req orchestrator.DisplayRequest) bool {
		return req.Platform == platform && req.Interval.String() == "15m" && req.MinTime == 100000-10*900 && !req.Fetch
	})).Return(models.Series{Interval: "15m"}, nil)

	got, err := newService(engine, nil, nil).GetSeries(context.Background(), Request{Platform: platform})
	require.NoError(t, err)
	assert.Equal(t, "15m", got.Interval)
	engine.AssertExpectations(t)
}

func TestGetSeries_FetchSkipsCaches(t *testing.T) {
	engine := new(MockEngine)
	cache := new(MockCache)
	engine.On("Display", mock.Anything, mock.MatchedBy(func(req orchestrator.DisplayRequest) bool {
		return req.Fetch && req.MinTime == 5
	})).Return(models.Series{}, nil)

	_, err := newService(engine, cache, nil).GetSeries(context.Background(), Request{Platform: platform, MinTime: 5, Fetch: true})
	require.NoError(t, err)
	cache.AssertNotCalled(t, "GetSeries", mock.Anything, mock.Anything, mock.Anything)
	engine.AssertNotCalled(t, "Latest", mock.Anything, mock.Anything)
}

func TestGetSeries_InvalidInterval(t *testing.T) {
	_, err := newService(new(MockEngine), nil, nil).GetSeries(context.Background(), Request{Platform: platform, Interval: "7m"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInterval)
	assert.True(t, IsClientError(err))
}

func TestHistory(t *testing.T) {
	start, end := time.Unix(0, 0), time.Unix(3600, 0)

	_, err := newService(new(MockEngine), nil, nil).History(context.Background(), platform, "1m", start, end, 10)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfiguration)

	archive := new(MockArchive)
	archive.On("GetCandles", mock.Anything, platform, "1m", start, end, 10).
		Return([]repository.ArchivedCandle{{Platform: platform, Interval: "1m"}}, nil).Once()
	archive.On("GetCandles", mock.Anything, platform, "1m", start, end, 5).
		Return(nil, errors.New("clickhouse down")).Once()

	svc := newService(new(MockEngine), nil, archive)
	candles, err := svc.History(context.Background(), platform, "1m", start, end, 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1)

	_, err = svc.History(context.Background(), platform, "1m", start, end, 5)
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
}

func TestStats(t *testing.T) {
	engine := new(MockEngine)
	failing := models.NewSyncState(platform)
	failing.LastError = "boom"
	engine.On("States").Return([]models.SyncState{failing, models.NewSyncState(platform)})

	archive := new(MockArchive)
	archive.On("GetStats", mock.Anything).Return(map[string]interface{}{"total_candles": uint64(42)}, nil)

	stats := newService(engine, nil, archive).Stats(context.Background())
	assert.Equal(t, 2, stats["platforms"])
	assert.Equal(t, 1, stats["platforms_failing"])
	assert.Equal(t, uint64(42), stats["archive_total_candles"])
}
