// Package broker provides exchange integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"bybit-trader/internal/models"
)

// MarketData defines the public market data operations.
type MarketData interface {
	ServerTime(ctx context.Context) (time.Time, error)
	GetKlines(ctx context.Context, req KlineRequest) ([]models.Candle, error)
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error)
}

// OrderGateway defines the authenticated order and account operations.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) ([]string, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOrderHistory(ctx context.Context, symbol, orderID string) (*models.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	GetBalance(ctx context.Context, accountType string) (*models.Balance, error)
}

// Exchange is the full REST surface consumed by the trading core.
type Exchange interface {
	MarketData
	OrderGateway
}

// PriceSink receives live prices. The paper exchange uses it to trigger
// resting orders.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// Stream defines the interface for real-time market data streaming.
type Stream interface {
	// Run connects and blocks until ctx is cancelled or reconnection is
	// exhausted, in which case the fatal error is returned.
	Run(ctx context.Context) error
	Subscribe(topics ...string)
	OnKline(handler func(models.Candle))
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnDisconnect(handler func())
}

// KlineRequest represents a request for historical candles.
type KlineRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Limit     int
	Start     time.Time // optional
	End       time.Time // optional
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID  string
	ClientID string
}

// KlineTopic returns the stream topic for a symbol's candles.
func KlineTopic(tf models.Timeframe, symbol string) string {
	return "kline." + tf.Interval() + "." + symbol
}

// TickerTopic returns the stream topic for a symbol's ticker.
func TickerTopic(symbol string) string {
	return "tickers." + symbol
}
