package indicators

import (
	"fmt"

	"bybit-trader/internal/models"
)

// EMA calculates the exponential moving average of closes.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(candles []models.Candle) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < e.period {
		return nil, ErrInsufficientData
	}
	return CalculateEMA(closePrices(candles), e.period), nil
}

// CalculateEMA seeds with the simple mean of the first period values.
func CalculateEMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])
	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// Cross describes how a fast series moved relative to a slow one on the last
// bar.
type Cross int

const (
	NoCross Cross = iota
	CrossUp
	CrossDown
)

// LastCross compares the final two points of fast and slow.
func LastCross(fast, slow []float64) Cross {
	n := len(fast)
	if n < 2 || len(slow) != n {
		return NoCross
	}
	prev := fast[n-2] - slow[n-2]
	cur := fast[n-1] - slow[n-1]
	switch {
	case prev <= 0 && cur > 0:
		return CrossUp
	case prev >= 0 && cur < 0:
		return CrossDown
	}
	return NoCross
}
