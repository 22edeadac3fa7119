package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/config"
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
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

var btcUSD = models.CurrencyPair{Base: "BTC", Quote: "USD"}

type testEnv struct {
	conn  *grpc.ClientConn
	srv   *Server
	base  int64
	store *repository.MemoryTradeStore
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	base := time.Now().Add(-3*time.Minute).Unix() / 60 * 60
	connector := exchange.NewStaticConnector("static")
	connector.SetTrades(btcUSD, []models.Trade{
		{ID: 1, Time: base, Price: 100, Volume: 1},
		{ID: 2, Time: base + 50, Price: 101, Volume: 2},
		{ID: 3, Time: base + 70, Price: 99, Volume: 1},
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

	cfg := &config.Config{Sync: config.SyncConfig{DefaultInterval: "1m"}}
	srv := NewServer(cfg, query.New(orc, nil, nil, "1m", 100, logger), logger)
	orc.AddObserver(orchestrator.ObserverFuncs{State: srv.OnState})

	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{conn: conn, srv: srv, base: base, store: store}
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, req map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()

	in, err := structpb.NewStruct(req)
	require.NoError(t, err)
	out := new(structpb.Struct)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = conn.Invoke(ctx, "/"+seriesServiceName+"/"+method, in, out)
	return out, err
}

func TestGetSeries_FetchAndAggregate(t *testing.T) {
	env := setupServer(t)

	resp, err := invoke(t, env.conn, "GetSeries", map[string]interface{}{
		"exchange": "static",
		"pair":     "BTC_USD",
		"interval": "1m",
		"min_time": float64(env.base - 1),
		"fetch":    true,
	})
	require.NoError(t, err)

	m := resp.AsMap()
	assert.Equal(t, "static", m["exchange"])
	assert.Equal(t, "BTC_USD", m["pair"])
	candles, ok := m["candles"].([]interface{})
	require.True(t, ok)
	require.GreaterOrEqual(t, len(candles), 2)

	first := candles[0].(map[string]interface{})
	assert.Equal(t, float64(env.base*1000), first["open_time"])
	assert.Equal(t, "100", first["open"])
	assert.Equal(t, "101", first["close"])
	assert.Equal(t, "3", first["volume"])

	assert.Len(t, env.store.All(models.NewPlatform("static", btcUSD)), 3)
}

func TestGetSeries_Errors(t *testing.T) {
	env := setupServer(t)

	tests := []struct {
		name string
		req  map[string]interface{}
		code codes.Code
	}{
		{"missing exchange", map[string]interface{}{"pair": "BTC_USD"}, codes.InvalidArgument},
		{"bad pair", map[string]interface{}{"exchange": "static", "pair": "BTCUSD"}, codes.InvalidArgument},
		{"bad interval", map[string]interface{}{"exchange": "static", "pair": "BTC_USD", "interval": "7m"}, codes.InvalidArgument},
		{"unknown platform", map[string]interface{}{"exchange": "kraken", "pair": "BTC_USD", "min_time": float64(1)}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(t, env.conn, "GetSeries", tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGetHistory_ArchiveDisabled(t *testing.T) {
	env := setupServer(t)

	_, err := invoke(t, env.conn, "GetHistory", map[string]interface{}{"exchange": "static", "pair": "BTC_USD"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTriggerSyncAndStates(t *testing.T) {
	env := setupServer(t)

	resp, err := invoke(t, env.conn, "TriggerSync", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), resp.AsMap()["inserted"])

	resp, err = invoke(t, env.conn, "GetStates", map[string]interface{}{})
	require.NoError(t, err)
	states := resp.AsMap()["states"].([]interface{})
	require.Len(t, states, 1)
	state := states[0].(map[string]interface{})
	assert.Equal(t, "idle", state["stage"])
	assert.Equal(t, float64(3), state["rows_added_last_sync"])

	resp, err = invoke(t, env.conn, "Stats", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), resp.AsMap()["platforms"])
}

func TestHealth(t *testing.T) {
	env := setupServer(t)
	client := healthpb.NewHealthClient(env.conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	platform := models.NewPlatform("static", btcUSD)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: platform.String()})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	failed := models.NewSyncState(platform)
	failed.SyncStage = apperrors.StageFailed
	env.srv.OnState(failed)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: platform.String()})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestToGRPCError(t *testing.T) {
	assert.NoError(t, toGRPCError(nil))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toGRPCError(context.DeadlineExceeded)))
	assert.Equal(t, codes.Canceled, status.Code(toGRPCError(context.Canceled)))
}
