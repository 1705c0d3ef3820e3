// Package store provides the audit journal for closed candles and orders that
// reached a terminal state. The journal is write-behind; live state is held
// in memory by the ledger and the candle stores.
package store

import (
	"context"
	"time"

	"bybit-trader/internal/models"
)

// Journal defines the persistence operations.
type Journal interface {
	// Candles
	SaveCandles(ctx context.Context, candles []models.Candle) error
	GetCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	LatestCandle(ctx context.Context, symbol string, tf models.Timeframe) (time.Time, error)

	// Orders
	RecordOrder(ctx context.Context, order models.Order) error
	GetOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)

	// Lifecycle
	Close() error
}

// OrderFilter represents filters for querying journaled orders.
type OrderFilter struct {
	Symbol string
	Status models.OrderStatus
	Since  time.Time
	Limit  int
}
