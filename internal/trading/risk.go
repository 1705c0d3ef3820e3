package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
)

// OrderExecutor places and cancels the protective legs of a bracket.
type OrderExecutor interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, reduceOnly bool) (*models.Order, error)
	PlaceStopMarketOrder(ctx context.Context, symbol string, side models.Side, qty, trigger float64) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// RiskConfig holds bracket sizing settings.
type RiskConfig struct {
	StopLossMultiplier   float64
	TakeProfitMultiplier float64
	TrailingEnabled      bool
	TrailMultiplier      float64
	ActivationFraction   float64
}

// BracketState is a snapshot of one protected position.
type BracketState struct {
	Symbol     string
	Side       models.Side // position side
	Qty        float64
	Entry      float64
	ATR        float64
	TakeProfit float64
	StopLoss   float64
	TPOrderID  string
	SLOrderID  string
	Trailing   *models.TrailingStopState
}

// bracket tracks the OCO legs of one position. mu serializes fills, trailing
// replacement and cleanup of the same symbol.
type bracket struct {
	state   BracketState
	trail   *TrailingStop
	retired map[string]bool // replaced stop ids; true while the cancel is unconfirmed
	closed  bool
	mu      sync.Mutex
}

// RiskEngine manages take-profit/stop-loss pairs with an optional trailing
// stop, one bracket per symbol.
type RiskEngine struct {
	exec     OrderExecutor
	cfg      RiskConfig
	brackets map[string]*bracket
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewRiskEngine creates a risk engine.
func NewRiskEngine(exec OrderExecutor, cfg RiskConfig, logger zerolog.Logger) *RiskEngine {
	return &RiskEngine{
		exec:     exec,
		cfg:      cfg,
		brackets: make(map[string]*bracket),
		logger:   logging.WithComponent(logger, "risk"),
	}
}

// Levels returns the stop and target for a position entered at entry.
func (r *RiskEngine) Levels(side models.Side, entry, atr float64) (sl, tp float64) {
	if side == models.SideBuy {
		return entry - atr*r.cfg.StopLossMultiplier, entry + atr*r.cfg.TakeProfitMultiplier
	}
	return entry + atr*r.cfg.StopLossMultiplier, entry - atr*r.cfg.TakeProfitMultiplier
}

// PlaceTpSl protects pos with a reduce-only stop-market and a reduce-only
// limit target sized from atr. The stop is placed first. An existing bracket
// on the symbol is cleaned up before the new one is placed.
func (r *RiskEngine) PlaceTpSl(ctx context.Context, pos models.Position, atr float64) (*BracketState, error) {
	if pos.Size <= 0 {
		return nil, apperrors.NewValidationError("size", pos.Size, "position is flat")
	}
	if atr <= 0 {
		return nil, apperrors.NewValidationError("atr", atr, "must be positive")
	}

	if err := r.Cleanup(ctx, pos.Symbol); err != nil {
		r.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Previous bracket cleanup incomplete")
	}

	sl, tp := r.Levels(pos.Side, pos.EntryPrice, atr)
	exit := pos.Side.Opposite()
	logger := logging.WithSymbol(r.logger, pos.Symbol)

	stop, err := r.exec.PlaceStopMarketOrder(ctx, pos.Symbol, exit, pos.Size, sl)
	if err != nil {
		return nil, fmt.Errorf("placing stop loss: %w", err)
	}
	if stop.TriggerPrice > 0 {
		sl = stop.TriggerPrice
	}

	b := &bracket{
		state: BracketState{
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Qty:       pos.Size,
			Entry:     pos.EntryPrice,
			ATR:       atr,
			StopLoss:  sl,
			SLOrderID: stop.ID,
		},
		retired: make(map[string]bool),
	}

	// Held until the target is recorded, so a fill settling the bracket
	// meanwhile also cancels the target.
	b.mu.Lock()
	defer b.mu.Unlock()
	r.mu.Lock()
	r.brackets[pos.Symbol] = b
	r.mu.Unlock()

	target, err := r.exec.PlaceLimitOrder(ctx, pos.Symbol, exit, pos.Size, tp, true)
	if err != nil {
		// The stop stays live; the position is protected without a target.
		logger.Error().Err(err).Float64("tp", tp).Msg("Take profit placement failed")
		st := b.snapshotLocked()
		return &st, fmt.Errorf("placing take profit: %w", err)
	}

	b.state.TakeProfit = target.Price
	if b.state.TakeProfit == 0 {
		b.state.TakeProfit = tp
	}
	b.state.TPOrderID = target.ID
	if r.cfg.TrailingEnabled {
		b.trail = NewTrailingStop(pos.Symbol, pos.IsLong(), pos.EntryPrice, b.state.TakeProfit, sl,
			atr*r.cfg.TrailMultiplier, r.cfg.ActivationFraction)
	}
	st := b.snapshotLocked()

	logger.Info().
		Str("side", string(pos.Side)).
		Float64("entry", pos.EntryPrice).
		Float64("sl", st.StopLoss).
		Float64("tp", st.TakeProfit).
		Msg("Bracket placed")
	return &st, nil
}

func (r *RiskEngine) lookup(symbol string) *bracket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brackets[symbol]
}

// drop removes b from tracking if it is still the bracket of symbol.
func (r *RiskEngine) drop(symbol string, b *bracket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.brackets[symbol] == b {
		delete(r.brackets, symbol)
	}
}

// HandleTpFill cancels the stop leg after the target filled and drops the
// bracket.
func (r *RiskEngine) HandleTpFill(ctx context.Context, symbol string) error {
	return r.handleFill(ctx, symbol, true)
}

// HandleSlFill cancels the target leg after the stop filled and drops the
// bracket.
func (r *RiskEngine) HandleSlFill(ctx context.Context, symbol string) error {
	return r.handleFill(ctx, symbol, false)
}

func (r *RiskEngine) handleFill(ctx context.Context, symbol string, tpFilled bool) error {
	_, err := r.settle(ctx, symbol, "", tpFilled)
	return err
}

// settle closes the bracket of symbol after one leg filled and cancels the
// other. It returns nil when the bracket was already closed.
func (r *RiskEngine) settle(ctx context.Context, symbol, orderID string, tpFilled bool) (*ExitSignal, error) {
	b := r.lookup(symbol)
	if b == nil {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil
	}
	b.closed = true
	r.drop(symbol, b)

	exit := &ExitSignal{Symbol: symbol, OrderID: orderID, Reason: ExitReasonTakeProfit, Price: b.state.TakeProfit}
	if !tpFilled {
		exit.Reason, exit.Price = ExitReasonStopLoss, b.state.StopLoss
		if b.trail != nil && b.trail.State().Activated {
			exit.Reason = ExitReasonTrailingStop
		}
	}
	logger := logging.WithSymbol(r.logger, symbol)
	logger.Info().Str("reason", string(exit.Reason)).Str("order_id", orderID).Msg("Bracket leg filled")

	// Every other leg goes, including the live stop when a retired one filled.
	filled := orderID
	if filled == "" {
		filled = b.state.SLOrderID
		if tpFilled {
			filled = b.state.TPOrderID
		}
	}
	var errs []error
	for _, id := range b.legs() {
		if id == filled {
			continue
		}
		if err := r.cancelLeg(ctx, symbol, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return exit, fmt.Errorf("cancelling remaining legs after fill: %w", errors.Join(errs...))
	}
	return exit, nil
}

// legs returns the ids that may still be live: both current legs and any
// replaced stop whose cancel was not confirmed. Caller holds b.mu.
func (b *bracket) legs() []string {
	ids := make([]string, 0, 2+len(b.retired))
	for _, id := range []string{b.state.TPOrderID, b.state.SLOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	for id, live := range b.retired {
		if live {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleOrderFilled routes a fill of any tracked leg, including stops that
// were replaced by the trailing logic. It returns nil when orderID belongs to
// no bracket.
func (r *RiskEngine) HandleOrderFilled(ctx context.Context, orderID string) (*ExitSignal, error) {
	for sym, b := range r.all() {
		b.mu.Lock()
		tp := orderID == b.state.TPOrderID
		_, retired := b.retired[orderID]
		hit := tp || orderID == b.state.SLOrderID || retired
		b.mu.Unlock()
		if hit {
			return r.settle(ctx, sym, orderID, tp)
		}
	}
	return nil, nil
}

// all returns the current brackets. Bracket locks are never taken while
// r.mu is held; r.mu may be taken under a bracket lock.
func (r *RiskEngine) all() map[string]*bracket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*bracket, len(r.brackets))
	for sym, b := range r.brackets {
		out[sym] = b
	}
	return out
}

// OnPrice advances the trailing stop of symbol. When a tighter stop is due
// the replacement is placed before the old stop is cancelled, so the
// position is never unprotected. A price arriving while a replacement or a
// fill is being handled is skipped.
func (r *RiskEngine) OnPrice(ctx context.Context, symbol string, price float64) {
	b := r.lookup(symbol)
	if b == nil || !b.mu.TryLock() {
		return
	}
	defer b.mu.Unlock()
	if b.closed || b.trail == nil {
		return
	}

	candidate, ok := b.trail.Observe(price)
	if !ok {
		return
	}

	logger := logging.WithSymbol(r.logger, symbol)
	exit := b.state.Side.Opposite()
	replacement, err := r.exec.PlaceStopMarketOrder(ctx, symbol, exit, b.state.Qty, candidate)
	if err != nil {
		logger.Warn().Err(err).Float64("candidate", candidate).Msg("Trailing stop placement failed, keeping current stop")
		return
	}

	stop := replacement.TriggerPrice
	if stop == 0 {
		stop = candidate
	}
	if !b.trail.Commit(stop) {
		// Rounding erased the improvement.
		if err := r.cancelLeg(ctx, symbol, replacement.ID); err != nil {
			logger.Warn().Err(err).Str("order_id", replacement.ID).Msg("Redundant stop cancel failed")
		}
		return
	}

	old := b.state.SLOrderID
	b.state.SLOrderID = replacement.ID
	b.state.StopLoss = stop
	b.retired[old] = false

	if err := r.cancelLeg(ctx, symbol, old); err != nil {
		b.retired[old] = true
		logger.Warn().Err(err).Str("order_id", old).Msg("Old stop cancel failed, both stops live")
	}
	logger.Info().
		Float64("price", price).
		Float64("stop", stop).
		Msg("Trailing stop moved")
}

// Cleanup cancels any remaining leg of symbol and drops its tracking. It is
// used for manual closes and positions observed flat.
func (r *RiskEngine) Cleanup(ctx context.Context, symbol string) error {
	b := r.lookup(symbol)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	r.drop(symbol, b)

	var errs []error
	for _, id := range b.legs() {
		if err := r.cancelLeg(ctx, symbol, id); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info().Str("symbol", symbol).Msg("Bracket cleaned up")
	if len(errs) > 0 {
		return fmt.Errorf("cleanup %s: %w", symbol, errors.Join(errs...))
	}
	return nil
}

// cancelLeg cancels one leg. A leg the exchange already finished is not an
// error.
func (r *RiskEngine) cancelLeg(ctx context.Context, symbol, orderID string) error {
	err := r.exec.CancelOrder(ctx, symbol, orderID)
	if err != nil && apperrors.IsInvalidOrder(err) {
		return nil
	}
	return err
}

// Bracket returns the bracket of symbol.
func (r *RiskEngine) Bracket(symbol string) (BracketState, bool) {
	b := r.lookup(symbol)
	if b == nil {
		return BracketState{}, false
	}
	return b.snapshot(), true
}

// Symbols returns the protected symbols.
func (r *RiskEngine) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.brackets))
	for sym := range r.brackets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Tracks reports whether orderID is a live leg of any bracket.
func (r *RiskEngine) Tracks(orderID string) bool {
	for _, b := range r.all() {
		b.mu.Lock()
		hit := b.state.TPOrderID == orderID || b.state.SLOrderID == orderID
		b.mu.Unlock()
		if hit {
			return true
		}
	}
	return false
}

func (b *bracket) snapshot() BracketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *bracket) snapshotLocked() BracketState {
	st := b.state
	if b.trail != nil {
		ts := b.trail.State()
		st.Trailing = &ts
	}
	return st
}
