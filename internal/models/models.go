// Package models provides domain models for the trading application.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Category is the Bybit product category. Only USDT perpetuals are traded.
const Category = "linear"

// Side represents the side of an order or position.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Timeframe is a candle interval such as "1m" or "4h".
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe6h  Timeframe = "6h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
)

type timeframeSpec struct {
	interval string // Bybit kline interval code
	period   time.Duration
}

var timeframes = map[Timeframe]timeframeSpec{
	Timeframe1m:  {"1", time.Minute},
	Timeframe3m:  {"3", 3 * time.Minute},
	Timeframe5m:  {"5", 5 * time.Minute},
	Timeframe15m: {"15", 15 * time.Minute},
	Timeframe30m: {"30", 30 * time.Minute},
	Timeframe1h:  {"60", time.Hour},
	Timeframe2h:  {"120", 2 * time.Hour},
	Timeframe4h:  {"240", 4 * time.Hour},
	Timeframe6h:  {"360", 6 * time.Hour},
	Timeframe12h: {"720", 12 * time.Hour},
	Timeframe1d:  {"D", 24 * time.Hour},
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// TimeframeFromInterval maps a Bybit interval code back to a timeframe.
func TimeframeFromInterval(code string) (Timeframe, bool) {
	for tf, info := range timeframes {
		if info.interval == code {
			return tf, true
		}
	}
	return "", false
}

// Period returns the candle duration. Unknown timeframes return zero.
func (t Timeframe) Period() time.Duration {
	return timeframes[t].period
}

// Interval returns the Bybit kline interval code.
func (t Timeframe) Interval() string {
	return timeframes[t].interval
}

// Candle represents OHLCV data for a time period.
// A forming candle is mutated in place until its boundary passes.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// ApplyPrice folds a traded price into the candle. The first price seeds
// open, high and low.
func (c *Candle) ApplyPrice(price float64) {
	if price <= 0 {
		return
	}
	if c.Open == 0 {
		c.Open, c.High, c.Low = price, price, price
	}
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}

// Tick represents a real-time price update.
type Tick struct {
	Symbol    string
	Price     float64
	MarkPrice float64
	Timestamp time.Time
}

// Ticker represents a REST ticker snapshot.
type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
	BidPrice  float64
	AskPrice  float64
	Volume24h float64
	Timestamp time.Time
}

// Instrument holds trading rules for a symbol. It is fetched once and cached.
type Instrument struct {
	Symbol         string
	PricePrecision int32
	TickSize       float64
	QtyStep        float64
	MinOrderQty    float64
	MaxOrderQty    float64
}

// Balance represents the unified account wallet balance.
type Balance struct {
	AccountType      string
	TotalEquity      float64
	WalletBalance    float64
	AvailableBalance float64
	UnrealizedPnL    float64
}
