package models

import "time"

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce represents order validity.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForceFOK      TimeInForce = "FOK"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

// OrderStatus mirrors the exchange order status.
type OrderStatus string

const (
	OrderStatusNew                     OrderStatus = "New"
	OrderStatusPartiallyFilled         OrderStatus = "PartiallyFilled"
	OrderStatusUntriggered             OrderStatus = "Untriggered"
	OrderStatusTriggered               OrderStatus = "Triggered"
	OrderStatusFilled                  OrderStatus = "Filled"
	OrderStatusCancelled               OrderStatus = "Cancelled"
	OrderStatusPartiallyFilledCanceled OrderStatus = "PartiallyFilledCanceled"
	OrderStatusRejected                OrderStatus = "Rejected"
	OrderStatusDeactivated             OrderStatus = "Deactivated"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusPartiallyFilledCanceled,
		OrderStatusRejected, OrderStatusDeactivated:
		return true
	}
	return false
}

// Order represents a trading order.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // zero for market orders
	TriggerPrice float64 // non-zero for conditional orders
	ReduceOnly   bool
	TimeInForce  TimeInForce
	Status       OrderStatus
	FilledQty    float64
	AvgPrice     float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderRequest is the normalized set of parameters sent to the exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          string
	Price        string
	TriggerPrice string
	// TriggerDirection is 1 when the trigger fires on a rise, 2 on a fall.
	TriggerDirection int
	TimeInForce      TimeInForce
	ClientID         string
	ReduceOnly       bool
	StopLoss         string
	TakeProfit       string
}

// Position represents an open derivatives position. One live entry exists per symbol.
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

// IsLong reports whether the position profits from rising prices.
func (p Position) IsLong() bool {
	return p.Side == SideBuy
}

// TrailingStopState tracks the trailing stop of one position.
// Once Activated, StopPrice only moves in the position's favor.
type TrailingStopState struct {
	PositionID      string
	IsLong          bool
	ActivationPrice float64
	StopPrice       float64
	BestPrice       float64
	Activated       bool
}

// IntentAction distinguishes entries from exits.
type IntentAction string

const (
	IntentOpen  IntentAction = "OPEN"
	IntentClose IntentAction = "CLOSE"
)

// TradeIntent is produced by a strategy evaluator for a closed candle.
type TradeIntent struct {
	Action IntentAction
	Symbol string
	Side   Side
	Type   OrderType
	Qty    float64
	Price  float64 // limit price, ignored for market orders
	ATR    float64 // volatility observed at signal time
	Reason string
}
