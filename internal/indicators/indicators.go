// Package indicators computes the volatility and trend series consumed by the
// engine when sizing protective orders and by the bundled evaluators.
package indicators

import (
	"errors"
	"math"

	"bybit-trader/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Indicator is a single-series indicator over closed candles. The result has
// one value per input candle; values before the warm-up are zero.
type Indicator interface {
	Name() string
	Period() int
	Calculate(candles []models.Candle) ([]float64, error)
}

// Latest returns the last value of ind over candles.
func Latest(ind Indicator, candles []models.Candle) (float64, error) {
	values, err := ind.Calculate(candles)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1], nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func closePrices(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// TrueRange is the widest of the candle's range and its gaps from the
// previous close.
func TrueRange(current, previous models.Candle) float64 {
	return math.Max(current.High-current.Low,
		math.Max(math.Abs(current.High-previous.Close), math.Abs(current.Low-previous.Close)))
}
