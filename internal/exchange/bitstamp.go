package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const BitstampName = "bitstamp"

// bitstampTransaction is one entry of /api/v2/transactions/{pair}/.
// Bitstamp quotes every field, so numbers are decoded from strings.
type bitstampTransaction struct {
	Date   json.Number     `json:"date"`
	TID    json.Number     `json:"tid"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Type   json.Number     `json:"type"`
}

// Bitstamp reads the public transactions endpoint. It only exposes a recent
// window, so it has no history pagination.
type Bitstamp struct {
	rest  restClient
	pairs []models.CurrencyPair
	// Optional live buffer merged into every fetch
	stream *TradeStream
}

func NewBitstamp(baseURL string, pairs []models.CurrencyPair, client *http.Client, limiter *ExchangeRateLimiter, logger *logrus.Logger) *Bitstamp {
	return &Bitstamp{
		rest: restClient{
			name:    BitstampName,
			baseURL: strings.TrimRight(baseURL, "/"),
			http:    client,
			limiter: limiter,
			logger:  logger,
		},
		pairs: pairs,
	}
}

// AttachStream merges trades buffered by a live stream into REST results.
func (b *Bitstamp) AttachStream(s *TradeStream) {
	b.stream = s
}

func (b *Bitstamp) Name() string {
	return BitstampName
}

func (b *Bitstamp) Pairs() []models.CurrencyPair {
	return b.pairs
}

func (b *Bitstamp) FetchRecentTrades(ctx context.Context, pair models.CurrencyPair) ([]models.Trade, error) {
	var raw []bitstampTransaction
	path := fmt.Sprintf("/api/v2/transactions/%s/", pair.Lower())
	if _, err := b.rest.getJSON(ctx, path, url.Values{"time": {"hour"}}, &raw); err != nil {
		return nil, err
	}

	platform := models.NewPlatform(BitstampName, pair)
	trades := make([]models.Trade, 0, len(raw))
	for _, tx := range raw {
		t, err := tx.toTrade(platform)
		if err != nil {
			return nil, apperrors.Connector(BitstampName, err)
		}
		trades = append(trades, t)
	}

	if b.stream != nil {
		trades = append(trades, b.stream.Recent(pair)...)
	}

	metrics.TradesFetched.WithLabelValues(BitstampName).Add(float64(len(trades)))
	return trades, nil
}

func (tx bitstampTransaction) toTrade(platform models.Platform) (models.Trade, error) {
	ts, err := tx.Date.Int64()
	if err != nil {
		return models.Trade{}, fmt.Errorf("invalid trade date %q: %w", tx.Date, err)
	}

	id := models.UnknownTradeID
	if tx.TID != "" {
		if id, err = tx.TID.Int64(); err != nil {
			return models.Trade{}, fmt.Errorf("invalid trade id %q: %w", tx.TID, err)
		}
	}

	return models.Trade{
		ID:       id,
		Time:     ts,
		Price:    tx.Price.InexactFloat64(),
		Volume:   tx.Amount.InexactFloat64(),
		Side:     models.ParseSide(tx.Type.String()),
		Platform: platform,
	}, nil
}
