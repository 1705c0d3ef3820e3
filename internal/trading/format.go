package trading

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
)

// InstrumentSource fetches trading rules for a symbol.
type InstrumentSource interface {
	GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error)
}

// Formatter rounds order quantities and prices to instrument rules. Rules are
// fetched once per symbol and cached.
type Formatter struct {
	src   InstrumentSource
	cache map[string]models.Instrument
	mu    sync.RWMutex
}

// NewFormatter creates a formatter backed by src.
func NewFormatter(src InstrumentSource) *Formatter {
	return &Formatter{
		src:   src,
		cache: make(map[string]models.Instrument),
	}
}

// Instrument returns the cached rules for symbol, fetching them on first use.
func (f *Formatter) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	f.mu.RLock()
	inst, ok := f.cache[symbol]
	f.mu.RUnlock()
	if ok {
		return inst, nil
	}

	fetched, err := f.src.GetInstrument(ctx, symbol)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("loading instrument %s: %w", symbol, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[symbol]; ok {
		return cached, nil
	}
	f.cache[symbol] = *fetched
	return *fetched, nil
}

// Qty rounds qty for symbol and returns it as a wire string.
func (f *Formatter) Qty(ctx context.Context, symbol string, qty float64) (string, float64, error) {
	if !finite(qty) {
		return "", 0, apperrors.NewValidationError("qty", qty, "must be finite")
	}
	inst, err := f.Instrument(ctx, symbol)
	if err != nil {
		return "", 0, err
	}
	d := RoundQty(inst, qty)
	v, _ := d.Float64()
	return d.String(), v, nil
}

// Price rounds price for symbol and returns it as a wire string.
func (f *Formatter) Price(ctx context.Context, symbol string, price float64) (string, float64, error) {
	if !finite(price) {
		return "", 0, apperrors.NewValidationError("price", price, "must be finite")
	}
	inst, err := f.Instrument(ctx, symbol)
	if err != nil {
		return "", 0, err
	}
	d := RoundPrice(inst, price)
	v, _ := d.Float64()
	return d.StringFixed(inst.PricePrecision), v, nil
}

// RoundQty floors qty to the instrument's step and clamps it to the minimum
// order quantity. A non-positive step leaves qty unstepped.
func RoundQty(inst models.Instrument, qty float64) decimal.Decimal {
	q := decimal.NewFromFloat(qty)
	if inst.QtyStep > 0 {
		step := decimal.NewFromFloat(inst.QtyStep)
		q = q.Div(step).Floor().Mul(step)
	}
	if inst.MinOrderQty > 0 {
		if lo := decimal.NewFromFloat(inst.MinOrderQty); q.LessThan(lo) {
			q = lo
		}
	}
	if inst.MaxOrderQty > 0 {
		if hi := decimal.NewFromFloat(inst.MaxOrderQty); q.GreaterThan(hi) {
			q = hi
		}
	}
	return q
}

// RoundPrice rounds price to the instrument's price precision.
func RoundPrice(inst models.Instrument, price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Round(inst.PricePrecision)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
