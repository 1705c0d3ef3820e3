package indicators

import (
	"fmt"

	"bybit-trader/internal/models"
)

// ATR calculates the Average True Range with Wilder smoothing.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(candles []models.Candle) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	tr := make([]float64, n)

	// The first bar has no previous close.
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		tr[i] = TrueRange(candles[i], candles[i-1])
	}

	result[a.period-1] = mean(tr[:a.period])
	for i := a.period; i < n; i++ {
		result[i] = (result[i-1]*float64(a.period-1) + tr[i]) / float64(a.period)
	}
	return result, nil
}
