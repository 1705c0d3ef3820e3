package engine

import (
	"context"

	"bybit-trader/internal/indicators"
	"bybit-trader/internal/models"
)

// StrategyEvaluator turns a closed candle into trade intents. history holds
// the closed candles of the same timeframe, oldest first, ending with closed.
type StrategyEvaluator interface {
	Evaluate(ctx context.Context, closed models.Candle, history []models.Candle) ([]models.TradeIntent, error)
}

// EvaluatorFunc adapts a function to StrategyEvaluator.
type EvaluatorFunc func(ctx context.Context, closed models.Candle, history []models.Candle) ([]models.TradeIntent, error)

// Evaluate implements StrategyEvaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, closed models.Candle, history []models.Candle) ([]models.TradeIntent, error) {
	return f(ctx, closed, history)
}

// NopEvaluator never trades. The engine still syncs data and manages
// brackets of positions opened elsewhere.
type NopEvaluator struct{}

// Evaluate implements StrategyEvaluator.
func (NopEvaluator) Evaluate(context.Context, models.Candle, []models.Candle) ([]models.TradeIntent, error) {
	return nil, nil
}

// CrossoverEvaluator opens a market position in the direction of a fast/slow
// EMA cross on one timeframe. It is the reference evaluator for paper runs.
type CrossoverEvaluator struct {
	Timeframe models.Timeframe
	Fast      int
	Slow      int
	Qty       float64
}

// Evaluate implements StrategyEvaluator.
func (e CrossoverEvaluator) Evaluate(ctx context.Context, closed models.Candle, history []models.Candle) ([]models.TradeIntent, error) {
	if closed.Timeframe != e.Timeframe || len(history) < e.Slow+1 {
		return nil, nil
	}
	fast, err := indicators.NewEMA(e.Fast).Calculate(history)
	if err != nil {
		return nil, err
	}
	slow, err := indicators.NewEMA(e.Slow).Calculate(history)
	if err != nil {
		return nil, err
	}

	side := models.SideBuy
	switch indicators.LastCross(fast, slow) {
	case indicators.CrossUp:
	case indicators.CrossDown:
		side = models.SideSell
	default:
		return nil, nil
	}
	return []models.TradeIntent{{
		Action: models.IntentOpen,
		Symbol: closed.Symbol,
		Side:   side,
		Type:   models.OrderTypeMarket,
		Qty:    e.Qty,
		Reason: "ema_cross",
	}}, nil
}
