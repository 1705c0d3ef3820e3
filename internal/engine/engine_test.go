package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-trader/internal/broker"
	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/market"
	"bybit-trader/internal/models"
	"bybit-trader/internal/resilience"
	"bybit-trader/internal/trading"
)

const sym = "BTCUSDT"

// flatMarket serves bars with a constant 10-point range around 20000.
type flatMarket struct{}

func (flatMarket) ServerTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }

func (flatMarket) GetKlines(ctx context.Context, req broker.KlineRequest) ([]models.Candle, error) {
	period := req.Timeframe.Period()
	end := req.End
	if end.IsZero() {
		end = time.Now()
	}
	last := end.Truncate(period)
	if !req.Start.IsZero() {
		last = req.Start
	}
	out := make([]models.Candle, 0, req.Limit)
	for i := req.Limit - 1; i >= 0; i-- {
		out = append(out, models.Candle{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			OpenTime:  last.Add(-time.Duration(i) * period),
			Open:      20000,
			High:      20005,
			Low:       19995,
			Close:     20000,
		})
	}
	return out, nil
}

func (flatMarket) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return nil, apperrors.ErrNoPriceData
}

func (flatMarket) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	return &models.Instrument{Symbol: symbol, PricePrecision: 2, TickSize: 0.01, QtyStep: 0.001, MinOrderQty: 0.001, MaxOrderQty: 100}, nil
}

type idleStream struct {
	fail chan error
}

func (s *idleStream) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fail:
		return err
	}
}
func (s *idleStream) Subscribe(...string)         {}
func (s *idleStream) OnKline(func(models.Candle)) {}
func (s *idleStream) OnTick(func(models.Tick))    {}
func (s *idleStream) OnError(func(error))         {}
func (s *idleStream) OnConnect(func())            {}
func (s *idleStream) OnDisconnect(func())         {}

// scripted returns queued intents, one batch per candle close.
type scripted struct {
	batches [][]models.TradeIntent
	mu      sync.Mutex
}

func (s *scripted) push(in ...models.TradeIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, in)
}

func (s *scripted) Evaluate(ctx context.Context, closed models.Candle, history []models.Candle) ([]models.TradeIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

// historyGate serves the paper exchange's order history, optionally failing
// it or rewriting what it returns.
type historyGate struct {
	*broker.PaperExchange
	err     error
	rewrite func(*models.Order)
	mu      sync.Mutex
}

func (g *historyGate) set(err error, rewrite func(*models.Order)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
	g.rewrite = rewrite
}

func (g *historyGate) GetOrderHistory(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	g.mu.Lock()
	err, rewrite := g.err, g.rewrite
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	o, err := g.PaperExchange.GetOrderHistory(ctx, symbol, orderID)
	if err == nil && rewrite != nil {
		rewrite(o)
	}
	return o, err
}

type harness struct {
	engine *Engine
	paper  *broker.PaperExchange
	gate   *historyGate
	ledger *trading.Ledger
	risk   *trading.RiskEngine
	stream *idleStream
	eval   *scripted
}

func newHarness(t *testing.T, breaker *resilience.CircuitBreaker) *harness {
	t.Helper()
	logger := zerolog.Nop()
	paper := broker.NewPaperExchange(broker.PaperConfig{Data: flatMarket{}, Logger: logger})
	paper.SetPrice(sym, 20000)

	stream := &idleStream{fail: make(chan error, 1)}
	syncer := market.NewSynchronizer(market.Config{
		Symbol:     sym,
		Timeframes: []models.Timeframe{models.Timeframe1m},
		Lookback:   30,
	}, paper, stream, logger)
	syncer.AddPriceSink(paper)

	gate := &historyGate{PaperExchange: paper}
	ledger := trading.NewLedger(gate, trading.LedgerConfig{
		FillTimeout:  200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger,
	})
	risk := trading.NewRiskEngine(ledger, trading.RiskConfig{
		StopLossMultiplier:   2,
		TakeProfitMultiplier: 4,
		TrailingEnabled:      true,
		TrailMultiplier:      2,
		ActivationFraction:   0.5,
	}, logger)
	eval := &scripted{}

	e := New(Config{
		Symbol:            sym,
		Timeframes:        []models.Timeframe{models.Timeframe1m},
		ReconcileInterval: time.Hour,
	}, Deps{Sync: syncer, Ledger: ledger, Risk: risk, Evaluator: eval, Breaker: breaker}, logger)

	return &harness{engine: e, paper: paper, gate: gate, ledger: ledger, risk: risk, stream: stream, eval: eval}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	h.engine.handleEvent(context.Background(), market.Event{
		Type:   market.EventCandleClose,
		Candle: models.Candle{Symbol: sym, Timeframe: models.Timeframe1m, Close: 20000, Closed: true},
	})
}

func openIntent(side models.Side) models.TradeIntent {
	return models.TradeIntent{Action: models.IntentOpen, Symbol: sym, Side: side, Type: models.OrderTypeMarket, Qty: 0.01, ATR: 100}
}

func TestCandleCloseOpensAndProtects(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	pos, err := h.ledger.GetPosition(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, 0.01, pos.Size)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.Equal(t, 19800.0, b.StopLoss)
	assert.Equal(t, 20400.0, b.TakeProfit)
	assert.Equal(t, resilience.CircuitClosed, h.engine.Status().Breaker)
}

func TestSameSideEntrySkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)
	h.close(t)

	pos, err := h.ledger.GetPosition(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, 0.01, pos.Size)
	_, filled, _ := h.ledger.Counts()
	assert.Equal(t, 1, filled)
}

func TestOppositeEntryFlips(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.eval.push(openIntent(models.SideSell))
	h.close(t)
	h.close(t)

	pos, err := h.ledger.GetPosition(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, models.SideSell, pos.Side)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.Equal(t, models.SideSell, b.Side)
	assert.Equal(t, 20200.0, b.StopLoss)

	exits := h.engine.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, trading.ExitReasonManual, exits[0].Reason)
	active, _, _ := h.ledger.Counts()
	assert.Equal(t, 2, active, "only the new bracket legs remain")
}

func TestCloseIntentFlattens(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.eval.push(models.TradeIntent{Action: models.IntentClose, Symbol: sym})
	h.close(t)
	h.close(t)

	_, err := h.ledger.GetPosition(context.Background(), sym)
	assert.ErrorIs(t, err, apperrors.ErrNoPosition)
	assert.Empty(t, h.risk.Symbols())
	active, _, _ := h.ledger.Counts()
	assert.Zero(t, active)
	require.Len(t, h.engine.Exits(), 1)
	assert.Equal(t, 20000.0, h.engine.Exits()[0].Price)
}

func TestTickMovesTrailingStop(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	h.paper.SetPrice(sym, 20300)
	h.engine.handleEvent(context.Background(), market.Event{Type: market.EventTick, Tick: models.Tick{Symbol: sym, Price: 20300}})

	b, _ := h.risk.Bracket(sym)
	assert.Equal(t, 20100.0, b.StopLoss)
}

func TestReconcileRoutesBracketFill(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	h.paper.SetPrice(sym, 20400)
	report, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Filled, 1)

	exits := h.engine.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, trading.ExitReasonTakeProfit, exits[0].Reason)
	assert.Equal(t, 20400.0, exits[0].Price)
	active, _, _ := h.ledger.Counts()
	assert.Zero(t, active)
	assert.Empty(t, h.risk.Symbols())
}

func TestRestingEntryProtectedOnFill(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(models.TradeIntent{Action: models.IntentOpen, Symbol: sym, Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: 0.01, Price: 19900, ATR: 100})
	h.close(t)
	assert.Empty(t, h.risk.Symbols())

	h.paper.SetPrice(sym, 19900)
	_, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.Equal(t, 19700.0, b.StopLoss)
	assert.Equal(t, 20300.0, b.TakeProfit)
}

func TestReconcileSweepsFlatPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)
	ctx := context.Background()

	// Closed outside the engine.
	_, err := h.paper.PlaceOrder(ctx, models.OrderRequest{Symbol: sym, Side: models.SideSell, Type: models.OrderTypeMarket, Qty: "0.01", ReduceOnly: true})
	require.NoError(t, err)

	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.risk.Symbols())
	active, _, _ := h.ledger.Counts()
	assert.Zero(t, active)

	exits := h.engine.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, trading.ExitReasonFlat, exits[0].Reason)
}

func TestBreakerStopsEntriesAfterFailures(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("entry", resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	h := newHarness(t, breaker)

	h.paper.InjectError("PlaceOrder", apperrors.Classify(10016, "server busy"))
	h.eval.push(openIntent(models.SideBuy))
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)
	h.close(t)

	assert.Equal(t, resilience.CircuitOpen, breaker.State())
	_, err := h.ledger.GetPosition(context.Background(), sym)
	assert.ErrorIs(t, err, apperrors.ErrNoPosition)
	assert.Equal(t, int64(1), breaker.Stats().TotalRejected)
}

func TestStartStopAndDegrade(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	assert.ErrorIs(t, h.engine.Start(ctx), apperrors.ErrAlreadyRunning)

	st := h.engine.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.ServerTime.IsZero())
	assert.Contains(t, st.NextClose, models.Timeframe1m)

	// Backfilled bars give a 10-point ATR.
	assert.InDelta(t, 10.0, h.engine.atr(h.engine.history(models.Timeframe1m)), 1e-9)

	lost := errors.New("reconnect exhausted")
	h.stream.fail <- lost
	require.Eventually(t, func() bool {
		return h.engine.Status().State == StateDegraded
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.engine.Status().Err, lost)

	h.eval.push(openIntent(models.SideBuy))
	h.close(t)
	assert.Empty(t, h.risk.Symbols(), "no entries while degraded")

	h.engine.Stop()
	assert.Equal(t, StateStopped, h.engine.Status().State)
	h.engine.Stop()
}

func TestComputedATRSizesBracket(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()

	in := openIntent(models.SideBuy)
	in.ATR = 0
	h.eval.push(in)
	h.close(t)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.InDelta(t, 19980.0, b.StopLoss, 1e-9)
	assert.InDelta(t, 20040.0, b.TakeProfit, 1e-9)
}

func (h *harness) pendingCount() int {
	h.engine.mu.RLock()
	defer h.engine.mu.RUnlock()
	return len(h.engine.pending)
}

func TestUnconfirmedEntryProtectedByReconcile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.gate.set(apperrors.Classify(10016, "server busy"), nil)
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	pos, err := h.ledger.GetPosition(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, 0.01, pos.Size)
	assert.Empty(t, h.risk.Symbols(), "fill not yet confirmed")
	assert.Equal(t, 1, h.pendingCount())

	h.gate.set(nil, nil)
	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Filled, 1)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.Equal(t, 19800.0, b.StopLoss)
	assert.Equal(t, 20400.0, b.TakeProfit)
	assert.Zero(t, h.pendingCount())

	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	active, _, _ := h.ledger.Counts()
	assert.Equal(t, 2, active, "protected once")
}

func TestPartialEntryFillProtected(t *testing.T) {
	h := newHarness(t, nil)
	h.gate.set(nil, func(o *models.Order) {
		if o.Type == models.OrderTypeMarket && !o.ReduceOnly && o.TriggerPrice == 0 {
			o.Status = models.OrderStatusPartiallyFilledCanceled
		}
	})
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	b, ok := h.risk.Bracket(sym)
	require.True(t, ok)
	assert.Equal(t, 0.01, b.Qty)
	assert.Equal(t, 19800.0, b.StopLoss)
	assert.Zero(t, h.pendingCount())
	assert.Equal(t, resilience.CircuitClosed, h.engine.Status().Breaker)

	_, _, cancelled := h.ledger.Counts()
	assert.Equal(t, 1, cancelled)
}

func TestRejectedEntryDropsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.gate.set(nil, func(o *models.Order) {
		if o.Type == models.OrderTypeMarket && !o.ReduceOnly {
			o.Status = models.OrderStatusRejected
			o.FilledQty = 0
		}
	})
	h.eval.push(openIntent(models.SideBuy))
	h.close(t)

	assert.Empty(t, h.risk.Symbols())
	assert.Zero(t, h.pendingCount())
}

func TestNonFiniteQtyRejected(t *testing.T) {
	h := newHarness(t, nil)
	for _, q := range []float64{math.NaN(), math.Inf(1), -1} {
		in := openIntent(models.SideBuy)
		in.Qty = q
		err := h.engine.execute(context.Background(), in, nil)
		var vErr *apperrors.ValidationError
		assert.True(t, errors.As(err, &vErr), "qty %v", q)
	}

	in := openIntent(models.SideBuy)
	in.Type = models.OrderTypeLimit
	in.Price = math.NaN()
	assert.Error(t, h.engine.execute(context.Background(), in, nil))

	_, err := h.ledger.GetPosition(context.Background(), sym)
	assert.ErrorIs(t, err, apperrors.ErrNoPosition)
}

func TestInsufficientBalanceEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.paper.InjectError("PlaceOrder", apperrors.Classify(110007, "ab not enough for new order"))

	err := h.engine.execute(context.Background(), openIntent(models.SideBuy), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "available margin")
	assert.Zero(t, h.pendingCount())
}
