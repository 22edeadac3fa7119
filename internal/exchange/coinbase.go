package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	CoinbaseName = "coinbase"

	// cursorHeader carries the pagination cursor for the next (older) page.
	cursorHeader = "Cb-After"
)

type coinbaseTrade struct {
	TradeID int64           `json:"trade_id"`
	Time    time.Time       `json:"time"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"`
}

// Coinbase reads /products/{id}/trades, newest first, paging back with the
// Cb-After cursor.
type Coinbase struct {
	rest     restClient
	pairs    []models.CurrencyPair
	maxPages int
}

func NewCoinbase(baseURL string, pairs []models.CurrencyPair, maxPages int, client *http.Client, limiter *ExchangeRateLimiter, logger *logrus.Logger) *Coinbase {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Coinbase{
		rest: restClient{
			name:    CoinbaseName,
			baseURL: strings.TrimRight(baseURL, "/"),
			http:    client,
			limiter: limiter,
			logger:  logger,
		},
		pairs:    pairs,
		maxPages: maxPages,
	}
}

func (c *Coinbase) Name() string {
	return CoinbaseName
}

func (c *Coinbase) Pairs() []models.CurrencyPair {
	return c.pairs
}

// FetchRecentTrades returns the first page only.
func (c *Coinbase) FetchRecentTrades(ctx context.Context, pair models.CurrencyPair) ([]models.Trade, error) {
	trades, _, err := c.fetchPage(ctx, pair, "")
	if err != nil {
		return nil, err
	}
	metrics.TradesFetched.WithLabelValues(CoinbaseName).Add(float64(len(trades)))
	return trades, nil
}

// FetchTradesSince pages back until a page reaches before since or the page
// limit is hit. Trades older than since are dropped.
func (c *Coinbase) FetchTradesSince(ctx context.Context, pair models.CurrencyPair, since int64) ([]models.Trade, error) {
	var (
		all    []models.Trade
		cursor string
	)

	for page := 0; page < c.maxPages; page++ {
		trades, next, err := c.fetchPage(ctx, pair, cursor)
		if err != nil {
			return nil, err
		}

		reachedSince := false
		for _, t := range trades {
			if t.Time < since {
				reachedSince = true
				continue
			}
			all = append(all, t)
		}

		if reachedSince || next == "" || len(trades) == 0 {
			break
		}
		cursor = next

		if page == c.maxPages-1 {
			c.rest.logger.WithFields(logrus.Fields{
				"pair":  pair.String(),
				"pages": c.maxPages,
				"since": since,
			}).Warn("Coinbase page limit reached before catching up")
		}
	}

	metrics.TradesFetched.WithLabelValues(CoinbaseName).Add(float64(len(all)))
	return all, nil
}

func (c *Coinbase) fetchPage(ctx context.Context, pair models.CurrencyPair, cursor string) ([]models.Trade, string, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("after", cursor)
	}

	var raw []coinbaseTrade
	header, err := c.rest.getJSON(ctx, fmt.Sprintf("/products/%s/trades", pair.Dashed()), query, &raw)
	if err != nil {
		return nil, "", err
	}

	platform := models.NewPlatform(CoinbaseName, pair)
	trades := make([]models.Trade, 0, len(raw))
	for _, tr := range raw {
		if tr.Time.IsZero() {
			return nil, "", apperrors.Connector(CoinbaseName, fmt.Errorf("trade %d has no time", tr.TradeID))
		}
		trades = append(trades, models.Trade{
			ID:       tr.TradeID,
			Time:     tr.Time.Unix(),
			Price:    tr.Price.InexactFloat64(),
			Volume:   tr.Size.InexactFloat64(),
			Side:     takerSide(tr.Side),
			Platform: platform,
		})
	}

	return trades, header.Get(cursorHeader), nil
}

// takerSide inverts Coinbase's side, which is the maker order's side.
func takerSide(makerSide string) models.Side {
	switch models.ParseSide(makerSide) {
	case models.SideBuy:
		return models.SideSell
	case models.SideSell:
		return models.SideBuy
	default:
		return models.SideUnknown
	}
}
