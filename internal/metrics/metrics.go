package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Pipeline metrics
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketwatch_stage_latency_ms",
			Help:    "Pipeline stage latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"exchange", "stage"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_stage_failures_total",
			Help: "Total pipeline stage failures by kind",
		},
		[]string{"exchange", "stage", "kind"},
	)

	StaleResultsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_stale_results_dropped_total",
			Help: "Display results discarded because a newer request superseded them",
		},
		[]string{"exchange"},
	)

	ActivePipelines = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketwatch_active_pipelines",
			Help: "Number of running pipelines",
		},
		[]string{"kind"}, // sync, display
	)

	// Trade log metrics
	TradesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_trades_fetched_total",
			Help: "Total trades returned by exchange connectors",
		},
		[]string{"exchange"},
	)

	RowsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_rows_reconciled_total",
			Help: "Total trade rows inserted by reconciliation",
		},
		[]string{"exchange", "pair"},
	)

	RowsReplaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_rows_replaced_total",
			Help: "Total trade rows deleted at the reconciliation boundary",
		},
		[]string{"exchange", "pair"},
	)

	TradesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_trades_read_total",
			Help: "Total trades streamed from the trade store",
		},
		[]string{"exchange"},
	)

	// Aggregation metrics
	BucketsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_buckets_emitted_total",
			Help: "Total candle buckets produced",
		},
		[]string{"exchange", "interval"},
	)

	GapBuckets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_gap_buckets_total",
			Help: "Total flat candle buckets produced for intervals without trades",
		},
		[]string{"exchange", "interval"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"}, // read, redis
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketwatch_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// Database metrics
	DatabaseQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketwatch_database_query_latency_ms",
			Help:    "Database query latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"operation"}, // reconcile, count, stream, archive
	)

	// Exchange metrics
	ExchangeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_exchange_requests_total",
			Help: "Total REST requests sent to exchanges",
		},
		[]string{"exchange", "status"},
	)

	ExchangeRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_exchange_rate_limit_hits_total",
			Help: "Total HTTP 429 responses from exchanges",
		},
		[]string{"exchange"},
	)

	ExchangeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketwatch_exchange_connections",
			Help: "Number of active exchange WebSocket connections",
		},
		[]string{"exchange"},
	)

	ExchangeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_exchange_messages_total",
			Help: "Total messages received from exchange streams",
		},
		[]string{"exchange"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"}, // series, state, failure
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketwatch_publish_latency_ms",
			Help:    "Redis publish latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"channel_type"},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Add(n int64) {
	atomic.AddInt64(&rt.count, n)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0 // Not enough time passed
	}

	current := atomic.LoadInt64(&rt.count)
	rate := float64(current-rt.lastCount) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var rowsTracker = NewRateTracker()

// TrackReconciled records inserted and replaced rows for a platform
func TrackReconciled(exchange, pair string, inserted int, replaced int64) {
	RowsReconciled.WithLabelValues(exchange, pair).Add(float64(inserted))
	RowsReplaced.WithLabelValues(exchange, pair).Add(float64(replaced))
	rowsTracker.Add(int64(inserted))
}

// GetRowsPerSecond returns reconciled rows/sec since the previous call
func GetRowsPerSecond() float64 {
	return rowsTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)

	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	total := hitsMetric.Counter.GetValue() + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsMetric.Counter.GetValue() / total)
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
