package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"market-watch/internal/models"
)

// Connector fetches public trades from one exchange.
type Connector interface {
	Name() string
	// Pairs lists the pairs this connector is configured for.
	Pairs() []models.CurrencyPair
	// FetchRecentTrades returns the exchange's recent trade window for a pair.
	FetchRecentTrades(ctx context.Context, pair models.CurrencyPair) ([]models.Trade, error)
}

// HistoryFetcher is implemented by connectors that can page back to a point in time.
type HistoryFetcher interface {
	FetchTradesSince(ctx context.Context, pair models.CurrencyPair, since int64) ([]models.Trade, error)
}

// Registry maps exchange names to connectors.
type Registry struct {
	connectors map[string]Connector
	mu         sync.RWMutex
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[strings.ToLower(c.Name())] = c
}

func (r *Registry) Get(exchange string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[strings.ToLower(exchange)]
	if !ok {
		return nil, fmt.Errorf("no connector registered for %s", exchange)
	}
	return c, nil
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchForSync picks the history endpoint when the connector has one and a
// starting point is known, and the recent window otherwise.
func FetchForSync(ctx context.Context, c Connector, pair models.CurrencyPair, since int64, hasSince bool) ([]models.Trade, error) {
	if h, ok := c.(HistoryFetcher); ok && hasSince {
		return h.FetchTradesSince(ctx, pair, since)
	}
	return c.FetchRecentTrades(ctx, pair)
}
