package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market-watch/internal/metrics"
	"market-watch/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	streamBufferSize = 1000
	streamStaleAfter = 60 * time.Second
	maxStreamBackoff = 60 * time.Second
)

type bitstampEnvelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type bitstampLiveTrade struct {
	ID        int64           `json:"id"`
	Timestamp json.Number     `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Type      int             `json:"type"`
}

// TradeStream keeps a websocket to Bitstamp's live_trades channels and
// buffers the latest trades per pair, so syncs see trades that fall between
// two REST polls.
type TradeStream struct {
	wsURL    string
	proxyURL string
	pairs    []models.CurrencyPair
	logger   *logrus.Logger

	buffers map[models.CurrencyPair][]models.Trade
	bufMu   sync.RWMutex

	conn       *websocket.Conn
	isHealthy  bool
	msgCount   int64
	lastUpdate time.Time
	mu         sync.RWMutex

	// Circuit breaker
	failureCount int64
	backoffUntil time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTradeStream(wsURL, proxyURL string, pairs []models.CurrencyPair, logger *logrus.Logger) *TradeStream {
	buffers := make(map[models.CurrencyPair][]models.Trade, len(pairs))
	for _, p := range pairs {
		buffers[p] = nil
	}
	return &TradeStream{
		wsURL:    wsURL,
		proxyURL: proxyURL,
		pairs:    pairs,
		logger:   logger,
		buffers:  buffers,
		stopChan: make(chan struct{}),
	}
}

func (s *TradeStream) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.manageConnection(ctx)
	s.logger.Infof("📡 Bitstamp trade stream started for %d pairs", len(s.pairs))
}

func (s *TradeStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	metrics.ExchangeConnections.WithLabelValues(BitstampName).Set(0)
	s.logger.Info("Bitstamp trade stream stopped")
}

// Recent returns a copy of the buffered trades for pair.
func (s *TradeStream) Recent(pair models.CurrencyPair) []models.Trade {
	s.bufMu.RLock()
	defer s.bufMu.RUnlock()

	buf := s.buffers[pair]
	out := make([]models.Trade, len(buf))
	copy(out, buf)
	return out
}

func (s *TradeStream) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"healthy":       s.isHealthy,
		"messages":      atomic.LoadInt64(&s.msgCount),
		"failures":      s.failureCount,
		"last_update":   s.lastUpdate,
		"backoff_until": s.backoffUntil,
	}
}

func (s *TradeStream) manageConnection(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		wait := time.Until(s.backoffUntil)
		s.mu.RUnlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.handleConnectionError(err)
			continue
		}

		s.listen()
	}
}

func (s *TradeStream) connect() error {
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if s.proxyURL != "" {
		parsed, err := url.Parse(s.proxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy URL %s: %w", s.proxyURL, err)
		}
		dialer.Proxy = http.ProxyURL(parsed)
	}

	conn, resp, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("403 forbidden: %w", err)
		}
		return err
	}

	for _, pair := range s.pairs {
		sub := map[string]interface{}{
			"event": "bts:subscribe",
			"data":  map[string]string{"channel": "live_trades_" + pair.Lower()},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return fmt.Errorf("failed to subscribe %s: %w", pair, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.isHealthy = true
	s.failureCount = 0
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	metrics.ExchangeConnections.WithLabelValues(BitstampName).Set(1)
	s.logger.Infof("✅ Bitstamp stream connected (%d channels)", len(s.pairs))
	return nil
}

func (s *TradeStream) listen() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		metrics.ExchangeConnections.WithLabelValues(BitstampName).Set(0)
	}()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		// A silent socket is treated as dead
		_ = conn.SetReadDeadline(time.Now().Add(streamStaleAfter))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.handleConnectionError(err)
			return
		}

		atomic.AddInt64(&s.msgCount, 1)
		metrics.ExchangeMessages.WithLabelValues(BitstampName).Inc()
		s.mu.Lock()
		s.lastUpdate = time.Now()
		s.mu.Unlock()

		if reconnect := s.processMessage(message); reconnect {
			s.logger.Info("Bitstamp requested reconnect")
			return
		}
	}
}

// processMessage handles one frame and reports whether the server asked for a reconnect.
func (s *TradeStream) processMessage(message []byte) bool {
	var env bitstampEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.WithError(err).Debug("Failed to decode Bitstamp frame")
		return false
	}

	switch env.Event {
	case "bts:request_reconnect":
		return true
	case "trade":
	default:
		return false
	}

	pair, ok := s.pairForChannel(env.Channel)
	if !ok {
		return false
	}

	var lt bitstampLiveTrade
	if err := json.Unmarshal(env.Data, &lt); err != nil {
		s.logger.WithError(err).Debug("Failed to decode Bitstamp trade")
		return false
	}
	ts, err := lt.Timestamp.Int64()
	if err != nil {
		return false
	}

	s.append(pair, models.Trade{
		ID:       lt.ID,
		Time:     ts,
		Price:    lt.Price.InexactFloat64(),
		Volume:   lt.Amount.InexactFloat64(),
		Side:     models.Side(lt.Type),
		Platform: models.NewPlatform(BitstampName, pair),
	})
	return false
}

func (s *TradeStream) pairForChannel(channel string) (models.CurrencyPair, bool) {
	name := strings.TrimPrefix(channel, "live_trades_")
	for _, p := range s.pairs {
		if p.Lower() == name {
			return p, true
		}
	}
	return models.CurrencyPair{}, false
}

func (s *TradeStream) append(pair models.CurrencyPair, t models.Trade) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	buf := append(s.buffers[pair], t)
	if len(buf) > streamBufferSize {
		buf = buf[len(buf)-streamBufferSize:]
	}
	s.buffers[pair] = buf
}

func (s *TradeStream) handleConnectionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isHealthy = false
	s.failureCount++

	// Exponential backoff
	backoffDuration := time.Duration(s.failureCount*s.failureCount) * time.Second
	if backoffDuration > maxStreamBackoff {
		backoffDuration = maxStreamBackoff
	}
	s.backoffUntil = time.Now().Add(backoffDuration)

	s.logger.WithError(err).Warnf("Bitstamp stream connection error (backoff: %v)", backoffDuration)
}
