package exchange

import (
	"context"
	"sync"

	"market-watch/internal/models"
)

// StaticConnector serves preloaded trades. It backs the importer's file
// source and tests.
type StaticConnector struct {
	name   string
	trades map[models.CurrencyPair][]models.Trade
	order  []models.CurrencyPair
	err    error
	calls  int
	mu     sync.Mutex
}

func NewStaticConnector(name string) *StaticConnector {
	return &StaticConnector{
		name:   name,
		trades: make(map[models.CurrencyPair][]models.Trade),
	}
}

// SetTrades replaces the trades returned for pair.
func (s *StaticConnector) SetTrades(pair models.CurrencyPair, trades []models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	platform := models.NewPlatform(s.name, pair)
	cp := make([]models.Trade, len(trades))
	for i, t := range trades {
		t.Platform = platform
		cp[i] = t
	}
	if _, ok := s.trades[pair]; !ok {
		s.order = append(s.order, pair)
	}
	s.trades[pair] = cp
}

// SetError makes every subsequent fetch fail with err. A nil err clears it.
func (s *StaticConnector) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticConnector) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticConnector) Name() string {
	return s.name
}

// Pairs returns the pairs that have trades set, in insertion order.
func (s *StaticConnector) Pairs() []models.CurrencyPair {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.CurrencyPair, len(s.order))
	copy(out, s.order)
	return out
}

func (s *StaticConnector) FetchRecentTrades(ctx context.Context, pair models.CurrencyPair) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}

	out := make([]models.Trade, len(s.trades[pair]))
	copy(out, s.trades[pair])
	return out, nil
}
