// Package trading provides order tracking, reconciliation and protective
// order management for USDT perpetual positions.
package trading

// ExitReason represents the reason a position was closed.
type ExitReason string

const (
	ExitReasonTakeProfit   ExitReason = "take_profit"
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonManual       ExitReason = "manual"
	ExitReasonFlat         ExitReason = "flat"
)

// ExitSignal represents a closed position observed by the engine.
type ExitSignal struct {
	Symbol  string
	Reason  ExitReason
	OrderID string
	Price   float64
}
