package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandleBar is one OHLC bucket. Empty buckets carry the previous close in all four prices.
type CandleBar struct {
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
}

// VolumeBar pairs 1:1 with a CandleBar by bucket start.
type VolumeBar struct {
	BucketStart  int64   `json:"bucket_start"`
	TradedVolume float64 `json:"traded_volume"`
	QuoteVolume  float64 `json:"quote_volume"`
}

// Series is a chart-ready aggregation of a trade slice.
type Series struct {
	Platform    Platform    `json:"platform"`
	Interval    string      `json:"interval"`
	Candles     []CandleBar `json:"candles"`
	Volumes     []VolumeBar `json:"volumes"`
	Trades      []Trade     `json:"trades,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// CandleResponse represents API response format
type CandleResponse struct {
	OpenTime    int64  `json:"open_time"` // Milliseconds
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	IsGapFilled bool   `json:"is_gap_filled"`
}

// SeriesResponse represents API response format
type SeriesResponse struct {
	Exchange    string           `json:"exchange"`
	Pair        string           `json:"pair"`
	Interval    string           `json:"interval"`
	Candles     []CandleResponse `json:"candles"`
	GeneratedAt int64            `json:"generated_at"`
}

// ToResponse converts Series to API response format
func (s *Series) ToResponse() *SeriesResponse {
	resp := &SeriesResponse{
		Exchange:    s.Platform.Exchange,
		Pair:        s.Platform.Pair.String(),
		Interval:    s.Interval,
		Candles:     make([]CandleResponse, 0, len(s.Candles)),
		GeneratedAt: s.GeneratedAt.UnixMilli(),
	}

	for i, c := range s.Candles {
		var v VolumeBar
		if i < len(s.Volumes) {
			v = s.Volumes[i]
		}
		resp.Candles = append(resp.Candles, CandleResponse{
			OpenTime:    c.BucketStart * 1000,
			Open:        decimal.NewFromFloat(c.Open).String(),
			High:        decimal.NewFromFloat(c.High).String(),
			Low:         decimal.NewFromFloat(c.Low).String(),
			Close:       decimal.NewFromFloat(c.Close).String(),
			Volume:      decimal.NewFromFloat(v.TradedVolume).String(),
			QuoteVolume: decimal.NewFromFloat(v.QuoteVolume).String(),
			IsGapFilled: v.TradedVolume == 0 && c.Open == c.Close && c.High == c.Low,
		})
	}

	return resp
}

// Last returns the most recent candle, or nil when the series is empty.
func (s *Series) Last() *CandleBar {
	if len(s.Candles) == 0 {
		return nil
	}
	return &s.Candles[len(s.Candles)-1]
}
