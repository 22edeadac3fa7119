package models

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownTradeID marks trades whose exchange did not report an id.
const UnknownTradeID int64 = -1

// Side is the taker side of a trade as stored in the trade log.
type Side int

const (
	SideBuy     Side = 0
	SideSell    Side = 1
	SideUnknown Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide maps exchange side labels and the numeric codes used by REST APIs.
func ParseSide(v string) Side {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "buy", "b", "bid":
		return SideBuy
	case "1", "sell", "s", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// CurrencyPair is a base/quote pair such as BTC_USD.
type CurrencyPair struct {
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
}

// ParsePair accepts BTC_USD, btc-usd and BTC/USD.
func ParsePair(s string) (CurrencyPair, error) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{"_", "-", "/"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return CurrencyPair{
				Base:  strings.ToUpper(parts[0]),
				Quote: strings.ToUpper(parts[1]),
			}, nil
		}
	}
	return CurrencyPair{}, fmt.Errorf("invalid currency pair %q", s)
}

func (p CurrencyPair) String() string {
	return p.Base + "_" + p.Quote
}

// Lower returns the pair in the lower-case concatenated form used by Bitstamp.
func (p CurrencyPair) Lower() string {
	return strings.ToLower(p.Base + p.Quote)
}

// Dashed returns BASE-QUOTE, the Coinbase product id form.
func (p CurrencyPair) Dashed() string {
	return p.Base + "-" + p.Quote
}

// Platform identifies one trade log: an exchange plus a pair.
type Platform struct {
	Exchange string       `json:"exchange"`
	Pair     CurrencyPair `json:"pair"`
}

func NewPlatform(exchange string, pair CurrencyPair) Platform {
	return Platform{Exchange: strings.ToLower(exchange), Pair: pair}
}

func (p Platform) String() string {
	return fmt.Sprintf("%s[%s]", p.Exchange, p.Pair)
}

// TableName is the per-platform table, e.g. bitstamp_btc_usd.
func (p Platform) TableName() string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", p.Exchange, p.Pair.Base, p.Pair.Quote))
}

// Trade is a single executed trade. Trades are immutable once fetched.
type Trade struct {
	ID       int64    `json:"id" db:"id"`
	Time     int64    `json:"time" db:"time"`
	Price    float64  `json:"price" db:"price"`
	Volume   float64  `json:"volume" db:"volume"`
	Side     Side     `json:"side" db:"type"`
	Platform Platform `json:"-" db:"-"`
}

// TradeKey is the identity used for duplicate detection. The id is excluded.
type TradeKey struct {
	Time     int64
	Price    float64
	Volume   float64
	Platform Platform
}

func (t Trade) Key() TradeKey {
	return TradeKey{Time: t.Time, Price: t.Price, Volume: t.Volume, Platform: t.Platform}
}

// SortTrades orders trades by time ascending, keeping arrival order for ties.
func SortTrades(trades []Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Time < trades[j].Time
	})
}

// MaxTime returns the latest trade time and false for an empty slice.
func MaxTime(trades []Trade) (int64, bool) {
	if len(trades) == 0 {
		return 0, false
	}
	max := trades[0].Time
	for _, t := range trades[1:] {
		if t.Time > max {
			max = t.Time
		}
	}
	return max, true
}
