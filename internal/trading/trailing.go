package trading

import "bybit-trader/internal/models"

// TrailingStop is the trailing state machine of one position. It is inert
// until price crosses the activation level; after that it proposes stops
// that are strictly more favorable than the current one and never loosens.
// It is not safe for concurrent use; the owning bracket serializes access.
type TrailingStop struct {
	state    models.TrailingStopState
	distance float64
}

// NewTrailingStop creates a trailing stop for a position entered at entry
// with target and initial stop. Activation sits at
// entry + (target - entry) * fraction; distance is the trail width.
func NewTrailingStop(positionID string, isLong bool, entry, target, stop, distance, fraction float64) *TrailingStop {
	return &TrailingStop{
		state: models.TrailingStopState{
			PositionID:      positionID,
			IsLong:          isLong,
			ActivationPrice: entry + (target-entry)*fraction,
			StopPrice:       stop,
			BestPrice:       entry,
		},
		distance: distance,
	}
}

// better reports whether a is more favorable than b for the position.
func (t *TrailingStop) better(a, b float64) bool {
	if t.state.IsLong {
		return a > b
	}
	return a < b
}

// Observe folds price into the state and returns a candidate stop when one
// is strictly more favorable than the current stop.
func (t *TrailingStop) Observe(price float64) (float64, bool) {
	if price <= 0 {
		return 0, false
	}
	if t.better(price, t.state.BestPrice) {
		t.state.BestPrice = price
	}
	if !t.state.Activated {
		reached := price >= t.state.ActivationPrice
		if !t.state.IsLong {
			reached = price <= t.state.ActivationPrice
		}
		if !reached {
			return 0, false
		}
		t.state.Activated = true
	}

	candidate := price - t.distance
	if !t.state.IsLong {
		candidate = price + t.distance
	}
	if !t.better(candidate, t.state.StopPrice) {
		return 0, false
	}
	return candidate, true
}

// Commit records stop as the live stop if it tightens the current one.
func (t *TrailingStop) Commit(stop float64) bool {
	if !t.better(stop, t.state.StopPrice) {
		return false
	}
	t.state.StopPrice = stop
	return true
}

// State returns a copy of the state.
func (t *TrailingStop) State() models.TrailingStopState {
	return t.state
}
