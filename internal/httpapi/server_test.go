package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"market-watch/internal/exchange"
	"market-watch/internal/models"
	"market-watch/internal/repository"
	"market-watch/internal/services/aggregator"
	"market-watch/internal/services/orchestrator"
	"market-watch/internal/services/query"
	"market-watch/internal/services/reader"
	"market-watch/internal/services/reconciler"
	"market-watch/internal/timebucket"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcUSD = models.CurrencyPair{Base: "BTC", Quote: "USD"}

func setupHandler(t *testing.T) (*httptest.Server, *exchange.StaticConnector, int64) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	base := time.Now().Add(-2*time.Minute).Unix() / 60 * 60
	connector := exchange.NewStaticConnector("static")
	connector.SetTrades(btcUSD, []models.Trade{
		{ID: 1, Time: base, Price: 10, Volume: 1},
		{ID: 2, Time: base + 10, Price: 12, Volume: 1},
	})

	store := repository.NewMemoryTradeStore()
	orc := orchestrator.New(
		exchange.NewRegistry(connector),
		reconciler.New(store, logger),
		reader.New(store, logger),
		aggregator.New(logger),
		timebucket.UTC,
		logger,
	)

	h := NewHandler(query.New(orc, nil, nil, "1m", 100, logger), "test", logger)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, connector, base
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSeriesEndpoint(t *testing.T) {
	srv, _, base := setupHandler(t)

	resp, err := http.Get(srv.URL + "/api/v1/series?exchange=static&pair=btc-usd&interval=1m&fetch=true&min_time=" + strconv.FormatInt(base-1, 10))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "BTC_USD", body["pair"])
	candles := body["candles"].([]interface{})
	require.NotEmpty(t, candles)
	first := candles[0].(map[string]interface{})
	assert.Equal(t, "10", first["open"])
	assert.Equal(t, "12", first["close"])
	assert.Equal(t, "22", first["quote_volume"])
}

func TestSeriesEndpoint_BadRequests(t *testing.T) {
	srv, _, _ := setupHandler(t)

	for _, path := range []string{
		"/api/v1/series?pair=BTC_USD",
		"/api/v1/series?exchange=static&pair=BTC_USD&interval=13m",
		"/api/v1/series?exchange=static&pair=BTC_USD&min_time=yesterday",
		"/api/v1/series?exchange=kraken&pair=BTC_USD&min_time=5",
		"/api/v1/history?exchange=static&pair=BTC_USD",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body := decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestSyncAndStates(t *testing.T) {
	srv, connector, _ := setupHandler(t)

	resp, err := http.Post(srv.URL+"/api/v1/sync", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), decode(t, resp)["inserted"])
	assert.Equal(t, 1, connector.Calls())

	resp, err = http.Get(srv.URL + "/api/v1/states")
	require.NoError(t, err)
	states := decode(t, resp)["states"].([]interface{})
	require.Len(t, states, 1)
	assert.Equal(t, float64(2), states[0].(map[string]interface{})["rows_added_last_sync"])

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, resp)["healthy"])
}

func TestSyncEndpoint_ConnectorFailure(t *testing.T) {
	srv, connector, _ := setupHandler(t)
	connector.SetError(assertErr("exchange down"))

	resp, err := http.Post(srv.URL+"/api/v1/sync", "application/json", nil)
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, resp)["healthy"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupHandler(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := setupHandler(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Len(t, resp2.Header.Get("X-Request-ID"), 36)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
