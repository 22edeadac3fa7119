package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-watch/internal/metrics"

	"golang.org/x/time/rate"
)

// RateLimiterManager manages rate limiters for all exchanges
type RateLimiterManager struct {
	limiters map[string]*ExchangeRateLimiter
	mu       sync.RWMutex
}

// ExchangeRateLimiter throttles REST calls to one exchange and backs off after 429s
type ExchangeRateLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	// Adaptive backoff
	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{
		limiters: make(map[string]*ExchangeRateLimiter),
	}
}

// RegisterExchange registers a rate limiter for an exchange and returns it
func (m *RateLimiterManager) RegisterExchange(name string, rps float64, burst int) *ExchangeRateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if burst < 1 {
		burst = 1
	}
	l := &ExchangeRateLimiter{
		name:              name,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
	m.limiters[name] = l
	return l
}

func (m *RateLimiterManager) GetLimiter(exchange string) (*ExchangeRateLimiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limiter, ok := m.limiters[exchange]
	if !ok {
		return nil, fmt.Errorf("rate limiter not found for %s", exchange)
	}

	return limiter, nil
}

// Stats returns statistics for every registered exchange
func (m *RateLimiterManager) Stats() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(m.limiters))
	for name, l := range m.limiters {
		out[name] = l.GetStats()
	}
	return out
}

// Wait blocks until a request is allowed or ctx ends
func (e *ExchangeRateLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	backoffDuration := e.backoffDuration
	lastHit := e.lastRateLimitHit
	e.mu.RUnlock()

	if remaining := backoffDuration - time.Since(lastHit); backoffDuration > 0 && remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.limiter.Wait(ctx)
}

// RecordRateLimitHit records a rate limit hit and applies adaptive backoff
func (e *ExchangeRateLimiter) RecordRateLimitHit() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rateLimitHits++
	e.lastRateLimitHit = time.Now()
	metrics.ExchangeRateLimitHits.WithLabelValues(e.name).Inc()

	if e.backoffDuration == 0 {
		e.backoffDuration = 1 * time.Second
	} else {
		e.backoffDuration = time.Duration(float64(e.backoffDuration) * e.backoffMultiplier)
		if e.backoffDuration > e.maxBackoff {
			e.backoffDuration = e.maxBackoff
		}
	}
}

// RecordSuccess records a successful request (reduces backoff)
func (e *ExchangeRateLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++

	if e.backoffDuration > 0 {
		if time.Since(e.lastRateLimitHit) > 5*time.Minute {
			e.backoffDuration = 0
		} else {
			e.backoffDuration = time.Duration(float64(e.backoffDuration) * 0.9)
			if e.backoffDuration < time.Second {
				e.backoffDuration = 0
			}
		}
	}
}

// Backoff returns the current adaptive backoff
func (e *ExchangeRateLimiter) Backoff() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backoffDuration
}

func (e *ExchangeRateLimiter) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"name":               e.name,
		"request_count":      e.requestCount,
		"rate_limit_hits":    e.rateLimitHits,
		"last_rate_limit":    e.lastRateLimitHit,
		"current_backoff_ms": e.backoffDuration.Milliseconds(),
	}
}
