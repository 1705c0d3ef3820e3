// Package engine wires candle closes to strategy evaluation, order entry and
// bracket protection, and periodically reconciles local order state with the
// exchange.
package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/indicators"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/market"
	"bybit-trader/internal/models"
	"bybit-trader/internal/resilience"
	"bybit-trader/internal/trading"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StateDegraded State = "DEGRADED"
)

// CandleJournal records closed candles.
type CandleJournal interface {
	SaveCandles(ctx context.Context, candles []models.Candle) error
}

// Config holds engine settings.
type Config struct {
	Symbol            string
	Timeframes        []models.Timeframe
	ReconcileInterval time.Duration
	ATRPeriod         int
	MaxExits          int
}

// Deps are the collaborators the engine drives. Evaluator, Breaker and
// Candles are optional.
type Deps struct {
	Sync      *market.Synchronizer
	Ledger    *trading.Ledger
	Risk      *trading.RiskEngine
	Evaluator StrategyEvaluator
	Breaker   *resilience.CircuitBreaker
	Candles   CandleJournal
}

// Status is a point-in-time view of the engine.
type Status struct {
	State       State
	Symbol      string
	ServerTime  time.Time
	ClockOffset time.Duration
	LastPrice   float64
	LastClose   map[models.Timeframe]time.Time
	NextClose   map[models.Timeframe]time.Time
	Active      int
	Filled      int
	Cancelled   int
	Brackets    []trading.BracketState
	Exits       []trading.ExitSignal
	Breaker     resilience.CircuitState
	Err         error
}

type pendingEntry struct {
	intent models.TradeIntent
	atr    float64
}

// Engine is the trading orchestrator for one symbol.
type Engine struct {
	cfg     Config
	sync    *market.Synchronizer
	ledger  *trading.Ledger
	risk    *trading.RiskEngine
	eval    StrategyEvaluator
	breaker *resilience.CircuitBreaker
	candles CandleJournal
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	state   State
	fatal   error
	pending map[string]pendingEntry
	exits   []trading.ExitSignal
	mu      sync.RWMutex
}

// New creates an engine.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.MaxExits <= 0 {
		cfg.MaxExits = 50
	}
	if deps.Evaluator == nil {
		deps.Evaluator = NopEvaluator{}
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewCircuitBreaker("entry", resilience.DefaultCircuitBreakerConfig())
	}
	return &Engine{
		cfg:     cfg,
		sync:    deps.Sync,
		ledger:  deps.Ledger,
		risk:    deps.Risk,
		eval:    deps.Evaluator,
		breaker: deps.Breaker,
		candles: deps.Candles,
		logger:  logging.WithSymbol(logging.WithComponent(logger, "engine"), cfg.Symbol),
		state:   StateStopped,
		pending: make(map[string]pendingEntry),
	}
}

// Start starts the synchronizer and the event and reconciliation loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return apperrors.ErrAlreadyRunning
	}
	e.mu.Unlock()

	if err := e.sync.Start(ctx); err != nil {
		return apperrors.Wrap(err, "starting market data")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events := e.sync.Events()

	e.mu.Lock()
	e.state = StateRunning
	e.fatal = nil
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.loop(runCtx, events)
	}()
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(runCtx)
	}()

	e.logger.Info().Dur("reconcile_interval", e.cfg.ReconcileInterval).Msg("Engine started")
	return nil
}

// Stop stops both loops and the synchronizer. Live orders are left in place.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.sync.Stop()
	e.wg.Wait()
	e.logger.Info().Msg("Engine stopped")
}

func (e *Engine) loop(ctx context.Context, events <-chan market.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev market.Event) {
	switch ev.Type {
	case market.EventCandleClose:
		if e.candles != nil {
			if err := e.candles.SaveCandles(ctx, []models.Candle{ev.Candle}); err != nil {
				e.logger.Warn().Err(err).Msg("Candle journal write failed")
			}
		}
		e.onCandleClose(ctx, ev.Candle)
	case market.EventTick:
		e.risk.OnPrice(ctx, ev.Tick.Symbol, ev.Tick.Price)
	case market.EventFatal:
		e.degrade(ev.Err)
	}
}

func (e *Engine) degrade(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StateDegraded
	}
	e.fatal = err
	e.logger.Error().Err(err).Msg("Market data lost, no new entries; brackets still reconciled")
}

func (e *Engine) onCandleClose(ctx context.Context, c models.Candle) {
	history := e.history(c.Timeframe)
	intents, err := e.eval.Evaluate(ctx, c, history)
	if err != nil {
		e.logger.Warn().Err(err).Str("timeframe", string(c.Timeframe)).Msg("Strategy evaluation failed")
		return
	}
	for _, in := range intents {
		if in.Symbol == "" {
			in.Symbol = c.Symbol
		}
		if err := e.execute(ctx, in, history); err != nil {
			e.logger.Error().Err(err).
				Str("action", string(in.Action)).
				Str("side", string(in.Side)).
				Str("reason", in.Reason).
				Msg("Intent failed")
		}
	}
}

func (e *Engine) history(tf models.Timeframe) []models.Candle {
	if e.sync == nil {
		return nil
	}
	store, ok := e.sync.Store(tf)
	if !ok {
		return nil
	}
	return store.Candles()
}

func (e *Engine) execute(ctx context.Context, in models.TradeIntent, history []models.Candle) error {
	switch in.Action {
	case models.IntentClose:
		return e.closePosition(ctx, in.Symbol, trading.ExitReasonManual)
	case models.IntentOpen:
		if e.isDegraded() {
			return apperrors.Wrap(apperrors.ErrNotRunning, "entry skipped while degraded")
		}
		return e.open(ctx, in, history)
	}
	return apperrors.NewValidationError("action", in.Action, "unknown intent action")
}

func (e *Engine) open(ctx context.Context, in models.TradeIntent, history []models.Candle) error {
	if !(in.Qty > 0) || math.IsInf(in.Qty, 0) {
		return apperrors.NewValidationError("qty", in.Qty, "must be positive and finite")
	}
	if in.Type == models.OrderTypeLimit && (!(in.Price > 0) || math.IsInf(in.Price, 0)) {
		return apperrors.NewValidationError("price", in.Price, "must be positive and finite")
	}

	existing, err := e.ledger.GetPosition(ctx, in.Symbol)
	switch {
	case err == nil && existing.Side == in.Side:
		e.logger.Info().Str("side", string(in.Side)).Msg("Already positioned, entry skipped")
		return nil
	case err == nil:
		if err := e.closePosition(ctx, in.Symbol, trading.ExitReasonManual); err != nil {
			return apperrors.Wrap(err, "closing opposite position")
		}
	case !errors.Is(err, apperrors.ErrNoPosition):
		return err
	}

	atr := in.ATR
	if !(atr > 0) || math.IsInf(atr, 0) {
		atr = e.atr(history)
	}

	if err := e.breaker.Allow(); err != nil {
		return err
	}

	if in.Type == models.OrderTypeLimit {
		order, err := e.ledger.PlaceLimitOrder(ctx, in.Symbol, in.Side, in.Qty, in.Price, false)
		e.breaker.Record(err)
		if err != nil {
			return entryRejected(err)
		}
		e.mu.Lock()
		e.pending[order.ID] = pendingEntry{intent: in, atr: atr}
		e.mu.Unlock()
		e.logger.Info().Str("order_id", order.ID).Float64("price", order.Price).Msg("Entry resting")
		return nil
	}

	order, err := e.ledger.PlaceMarketOrder(ctx, in.Symbol, in.Side, in.Qty, false)
	if err != nil {
		e.breaker.Record(err)
		return entryRejected(err)
	}
	// Pending until protected, so a fill only reconciliation learns about
	// still gets its bracket.
	e.mu.Lock()
	e.pending[order.ID] = pendingEntry{intent: in, atr: atr}
	e.mu.Unlock()

	filled, err := e.ledger.ConfirmFill(ctx, in.Symbol, order.ID)
	switch {
	case err == nil:
		e.breaker.Record(nil)
		return e.protectEntry(ctx, order.ID, in.Symbol)
	case filled != nil && filled.FilledQty > 0:
		e.breaker.Record(nil)
		e.logger.Warn().Str("order_id", order.ID).
			Str("status", string(filled.Status)).
			Float64("filled_qty", filled.FilledQty).
			Msg("Entry partially filled")
		return e.protectEntry(ctx, order.ID, in.Symbol)
	case filled != nil:
		e.takePending(order.ID)
	default:
		e.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Entry fill unconfirmed, left to reconciliation")
	}
	e.breaker.Record(err)
	return err
}

func entryRejected(err error) error {
	if errors.Is(err, apperrors.ErrInsufficientBalance) {
		return apperrors.Wrap(err, "entry exceeds available margin")
	}
	return err
}

func (e *Engine) takePending(orderID string) (pendingEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[orderID]
	delete(e.pending, orderID)
	return entry, ok
}

// protectEntry brackets the position opened by a pending entry. It is a no-op
// when another path already claimed the entry.
func (e *Engine) protectEntry(ctx context.Context, orderID, symbol string) error {
	entry, ok := e.takePending(orderID)
	if !ok {
		return nil
	}
	return e.protect(ctx, symbol, entry.atr)
}

// atr measures volatility over history, falling back to the last bar's range
// when history is shorter than the period.
func (e *Engine) atr(history []models.Candle) float64 {
	v, err := indicators.Latest(indicators.NewATR(e.cfg.ATRPeriod), history)
	if err == nil {
		return v
	}
	if n := len(history); n > 0 {
		e.logger.Warn().Err(err).Int("bars", n).Msg("ATR history short, using last range")
		return history[n-1].High - history[n-1].Low
	}
	return 0
}

func (e *Engine) protect(ctx context.Context, symbol string, atr float64) error {
	pos, err := e.ledger.GetPosition(ctx, symbol)
	if err != nil {
		return apperrors.Wrap(err, "loading filled position")
	}
	if atr <= 0 {
		e.logger.Error().Float64("size", pos.Size).Msg("No volatility measure, position left unprotected")
		return apperrors.NewValidationError("atr", atr, "must be positive")
	}
	st, err := e.risk.PlaceTpSl(ctx, *pos, atr)
	if st != nil {
		e.logger.Info().
			Str("side", string(st.Side)).
			Float64("entry", st.Entry).
			Float64("atr", atr).
			Float64("sl", st.StopLoss).
			Float64("tp", st.TakeProfit).
			Msg("Position protected")
	}
	return err
}

func (e *Engine) closePosition(ctx context.Context, symbol string, reason trading.ExitReason) error {
	order, err := e.ledger.ClosePosition(ctx, symbol)
	if errors.Is(err, apperrors.ErrNoPosition) {
		return e.risk.Cleanup(ctx, symbol)
	}
	if err != nil {
		return err
	}
	filled, err := e.ledger.ConfirmFill(ctx, symbol, order.ID)
	if err != nil {
		return err
	}
	if err := e.risk.Cleanup(ctx, symbol); err != nil {
		e.logger.Warn().Err(err).Msg("Bracket cleanup after close incomplete")
	}
	e.recordExit(trading.ExitSignal{Symbol: symbol, Reason: reason, OrderID: order.ID, Price: filled.AvgPrice})
	return nil
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Reconciliation incomplete")
			}
		}
	}
}

// Reconcile syncs order state, routes fills to resting entries and brackets,
// drops brackets of positions observed flat and logs a status line.
func (e *Engine) Reconcile(ctx context.Context) (*trading.SyncReport, error) {
	report, err := e.ledger.SyncOrderStatus(ctx, e.cfg.Symbol)
	if report != nil {
		for _, o := range report.Filled {
			e.routeFill(ctx, o)
		}
		for _, o := range report.Cancelled {
			if o.FilledQty <= 0 {
				e.takePending(o.ID)
				continue
			}
			if err := e.protectEntry(ctx, o.ID, o.Symbol); err != nil {
				e.logger.Error().Err(err).Str("order_id", o.ID).Msg("Partial entry fill left unprotected")
			}
		}
	}

	e.sweepFlat(ctx)
	e.logStatus()
	return report, err
}

func (e *Engine) routeFill(ctx context.Context, o models.Order) {
	if entry, ok := e.takePending(o.ID); ok {
		if err := e.protect(ctx, o.Symbol, entry.atr); err != nil {
			e.logger.Error().Err(err).Str("order_id", o.ID).Msg("Entry filled but protection failed")
		}
		return
	}

	exit, err := e.risk.HandleOrderFilled(ctx, o.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Bracket settlement incomplete")
	}
	if exit != nil {
		if o.AvgPrice > 0 {
			exit.Price = o.AvgPrice
		}
		e.recordExit(*exit)
	}
}

func (e *Engine) sweepFlat(ctx context.Context) {
	for _, sym := range e.risk.Symbols() {
		_, err := e.ledger.GetPosition(ctx, sym)
		if !errors.Is(err, apperrors.ErrNoPosition) {
			continue
		}
		if err := e.risk.Cleanup(ctx, sym); err != nil {
			e.logger.Warn().Err(err).Str("symbol", sym).Msg("Flat position cleanup incomplete")
		}
		e.recordExit(trading.ExitSignal{Symbol: sym, Reason: trading.ExitReasonFlat})
	}
}

func (e *Engine) recordExit(exit trading.ExitSignal) {
	e.mu.Lock()
	e.exits = append(e.exits, exit)
	if len(e.exits) > e.cfg.MaxExits {
		e.exits = e.exits[len(e.exits)-e.cfg.MaxExits:]
	}
	e.mu.Unlock()

	e.logger.Info().
		Str("reason", string(exit.Reason)).
		Str("order_id", exit.OrderID).
		Float64("price", exit.Price).
		Msg("Position exited")
}

func (e *Engine) isDegraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateDegraded
}

// Exits returns the most recent exits, oldest first.
func (e *Engine) Exits() []trading.ExitSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]trading.ExitSignal(nil), e.exits...)
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		State:  e.state,
		Symbol: e.cfg.Symbol,
		Err:    e.fatal,
		Exits:  append([]trading.ExitSignal(nil), e.exits...),
	}
	e.mu.RUnlock()

	if e.sync != nil {
		st.ServerTime = e.sync.Clock().Now()
		st.ClockOffset = e.sync.Clock().Offset()
		st.LastPrice, _ = e.sync.LastPrice()
		st.LastClose = make(map[models.Timeframe]time.Time, len(e.cfg.Timeframes))
		st.NextClose = make(map[models.Timeframe]time.Time, len(e.cfg.Timeframes))
		for _, tf := range e.cfg.Timeframes {
			if t, ok := e.sync.LastClose(tf); ok {
				st.LastClose[tf] = t
			}
			if t, ok := e.sync.NextClose(tf); ok {
				st.NextClose[tf] = t
			}
		}
	}
	st.Active, st.Filled, st.Cancelled = e.ledger.Counts()
	for _, sym := range e.risk.Symbols() {
		if b, ok := e.risk.Bracket(sym); ok {
			st.Brackets = append(st.Brackets, b)
		}
	}
	st.Breaker = e.breaker.State()
	return st
}

func (e *Engine) logStatus() {
	st := e.Status()
	ev := e.logger.Info().
		Str("state", string(st.State)).
		Time("server_time", st.ServerTime).
		Dur("clock_offset", st.ClockOffset).
		Float64("last_price", st.LastPrice).
		Int("active", st.Active).
		Int("filled", st.Filled).
		Int("cancelled", st.Cancelled).
		Int("brackets", len(st.Brackets)).
		Str("breaker", string(st.Breaker))
	for tf, t := range st.LastClose {
		ev = ev.Time("last_close_"+string(tf), t)
	}
	ev.Msg("Status")
}
