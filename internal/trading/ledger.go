package trading

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-trader/internal/broker"
	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
)

// OrderJournal records orders that reached a terminal state.
type OrderJournal interface {
	RecordOrder(ctx context.Context, order models.Order) error
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Filled     []models.Order // moved from active to filled
	Cancelled  []models.Order // moved from active to cancelled
	Unresolved []string       // absent remotely but without a terminal status yet
}

// Empty reports whether the pass changed nothing.
func (r *SyncReport) Empty() bool {
	return len(r.Filled) == 0 && len(r.Cancelled) == 0 && len(r.Unresolved) == 0
}

// LedgerConfig holds ledger settings.
type LedgerConfig struct {
	FillTimeout  time.Duration
	PollInterval time.Duration
	Journal      OrderJournal
	Logger       zerolog.Logger
}

// Ledger tracks orders placed through it and reconciles them against the
// exchange. Local tables are optimistic; the exchange is authoritative.
type Ledger struct {
	ex        broker.Exchange
	formatter *Formatter
	journal   OrderJournal

	active    map[string]*models.Order
	filled    map[string]*models.Order
	cancelled map[string]*models.Order

	fillTimeout  time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger
	mu           sync.Mutex
}

// NewLedger creates a ledger on top of ex.
func NewLedger(ex broker.Exchange, cfg LedgerConfig) *Ledger {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Ledger{
		ex:           ex,
		formatter:    NewFormatter(ex),
		journal:      cfg.Journal,
		active:       make(map[string]*models.Order),
		filled:       make(map[string]*models.Order),
		cancelled:    make(map[string]*models.Order),
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.PollInterval,
		logger:       logging.WithComponent(cfg.Logger, "ledger"),
	}
}

// Formatter returns the ledger's instrument formatter.
func (l *Ledger) Formatter() *Formatter {
	return l.formatter
}

// PlaceMarketOrder places a market order.
func (l *Ledger) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, reduceOnly bool) (*models.Order, error) {
	qtyStr, qtyVal, err := l.formatter.Qty(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	return l.place(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        models.OrderTypeMarket,
		Qty:         qtyStr,
		TimeInForce: models.TimeInForceIOC,
		ReduceOnly:  reduceOnly,
	}, models.Order{Qty: qtyVal})
}

// PlaceLimitOrder places a good-till-cancelled limit order.
func (l *Ledger) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, reduceOnly bool) (*models.Order, error) {
	qtyStr, qtyVal, err := l.formatter.Qty(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	priceStr, priceVal, err := l.formatter.Price(ctx, symbol, price)
	if err != nil {
		return nil, err
	}
	return l.place(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Qty:         qtyStr,
		Price:       priceStr,
		TimeInForce: models.TimeInForceGTC,
		ReduceOnly:  reduceOnly,
	}, models.Order{Qty: qtyVal, Price: priceVal})
}

// PlaceStopMarketOrder places a reduce-only conditional market order. A sell
// stop fires when the price falls to trigger, a buy stop when it rises.
func (l *Ledger) PlaceStopMarketOrder(ctx context.Context, symbol string, side models.Side, qty, trigger float64) (*models.Order, error) {
	qtyStr, qtyVal, err := l.formatter.Qty(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	triggerStr, triggerVal, err := l.formatter.Price(ctx, symbol, trigger)
	if err != nil {
		return nil, err
	}
	direction := 2
	if side == models.SideBuy {
		direction = 1
	}
	return l.place(ctx, models.OrderRequest{
		Symbol:           symbol,
		Side:             side,
		Type:             models.OrderTypeMarket,
		Qty:              qtyStr,
		TriggerPrice:     triggerStr,
		TriggerDirection: direction,
		TimeInForce:      models.TimeInForceIOC,
		ReduceOnly:       true,
	}, models.Order{Qty: qtyVal, TriggerPrice: triggerVal})
}

func (l *Ledger) place(ctx context.Context, req models.OrderRequest, order models.Order) (*models.Order, error) {
	req.ClientID = uuid.NewString()

	res, err := l.ex.PlaceOrder(ctx, req)
	if err != nil {
		l.logger.Error().Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Str("type", string(req.Type)).
			Str("qty", req.Qty).
			Msg("Order placement failed")
		return nil, apperrors.NewOrderError("", req.Symbol, "place", "exchange rejected order", err)
	}

	now := time.Now()
	order.ID = res.OrderID
	order.ClientID = req.ClientID
	order.Symbol = req.Symbol
	order.Side = req.Side
	order.Type = req.Type
	order.ReduceOnly = req.ReduceOnly
	order.TimeInForce = req.TimeInForce
	order.Status = models.OrderStatusNew
	if req.TriggerPrice != "" {
		order.Status = models.OrderStatusUntriggered
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	l.mu.Lock()
	l.active[order.ID] = &order
	l.mu.Unlock()

	logging.LogOrder(l.logger, order.ID, order.Symbol, string(order.Side), string(order.Status))
	cp := order
	return &cp, nil
}

// CancelOrder cancels an order and moves it to the cancelled table. An order
// the exchange no longer considers open stays active until reconciliation
// learns its terminal status.
func (l *Ledger) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := l.ex.CancelOrder(ctx, symbol, orderID); err != nil {
		return apperrors.NewOrderError(orderID, symbol, "cancel", "exchange refused cancel", err)
	}

	l.mu.Lock()
	o := l.moveLocked(orderID, models.OrderStatusCancelled, l.cancelled)
	l.mu.Unlock()

	if o != nil {
		l.record(ctx, *o)
	}
	logging.LogOrder(l.logger, orderID, symbol, "", string(models.OrderStatusCancelled))
	return nil
}

// CancelAllOrders cancels every open order on symbol and returns the ids the
// exchange reported.
func (l *Ledger) CancelAllOrders(ctx context.Context, symbol string) ([]string, error) {
	ids, err := l.ex.CancelAllOrders(ctx, symbol)
	if err != nil {
		return nil, apperrors.NewOrderError("", symbol, "cancel_all", "exchange refused cancel", err)
	}

	var moved []models.Order
	l.mu.Lock()
	for _, id := range ids {
		if o := l.moveLocked(id, models.OrderStatusCancelled, l.cancelled); o != nil {
			moved = append(moved, *o)
		}
	}
	l.mu.Unlock()

	for _, o := range moved {
		l.record(ctx, o)
	}
	l.logger.Info().Str("symbol", symbol).Int("count", len(ids)).Msg("Cancelled all orders")
	return ids, nil
}

// moveLocked moves an active order into dst with status. Caller holds l.mu.
func (l *Ledger) moveLocked(id string, status models.OrderStatus, dst map[string]*models.Order) *models.Order {
	o, ok := l.active[id]
	if !ok {
		return nil
	}
	delete(l.active, id)
	o.Status = status
	o.UpdatedAt = time.Now()
	dst[id] = o
	cp := *o
	return &cp
}

// settleLocked moves an active order into the table matching remote's
// terminal status. Caller holds l.mu.
func (l *Ledger) settleLocked(remote *models.Order) (*models.Order, bool) {
	o, ok := l.active[remote.ID]
	if !ok {
		return nil, false
	}
	delete(l.active, remote.ID)
	o.Status = remote.Status
	o.FilledQty = remote.FilledQty
	o.AvgPrice = remote.AvgPrice
	o.UpdatedAt = time.Now()

	filled := remote.Status == models.OrderStatusFilled
	if filled {
		l.filled[o.ID] = o
	} else {
		l.cancelled[o.ID] = o
	}
	cp := *o
	return &cp, filled
}

// SyncOrderStatus reconciles locally active orders on symbol with the
// exchange. Ids absent from the exchange's open list are looked up in order
// history and moved to filled or cancelled. Running it again without remote
// changes leaves the tables as they are.
func (l *Ledger) SyncOrderStatus(ctx context.Context, symbol string) (*SyncReport, error) {
	remote, err := l.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, apperrors.Wrap(err, "reconcile open orders")
	}
	open := make(map[string]models.Order, len(remote))
	for _, o := range remote {
		open[o.ID] = o
	}

	var missing []string
	l.mu.Lock()
	for id, o := range l.active {
		if o.Symbol != symbol {
			continue
		}
		if r, ok := open[id]; ok {
			o.Status = r.Status
			o.FilledQty = r.FilledQty
			continue
		}
		missing = append(missing, id)
	}
	l.mu.Unlock()
	sort.Strings(missing)

	report := &SyncReport{}
	var errs []error
	for _, id := range missing {
		h, err := l.ex.GetOrderHistory(ctx, symbol, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				report.Unresolved = append(report.Unresolved, id)
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !h.Status.IsTerminal() {
			report.Unresolved = append(report.Unresolved, id)
			continue
		}

		l.mu.Lock()
		o, filled := l.settleLocked(h)
		l.mu.Unlock()
		if o == nil {
			continue
		}
		if filled {
			report.Filled = append(report.Filled, *o)
		} else {
			report.Cancelled = append(report.Cancelled, *o)
		}
		l.record(ctx, *o)
		logging.LogOrder(l.logger, o.ID, o.Symbol, string(o.Side), string(o.Status))
	}

	if len(report.Unresolved) > 0 {
		l.logger.Warn().Strs("order_ids", report.Unresolved).Msg("Orders missing remotely without terminal status")
	}
	if len(errs) > 0 {
		return report, apperrors.Wrap(errors.Join(errs...), "reconcile order history")
	}
	return report, nil
}

// ConfirmFill polls the exchange until orderID reaches a terminal status or
// the fill timeout passes. A non-filled terminal status is returned as an
// error.
func (l *Ledger) ConfirmFill(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, l.fillTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		h, err := l.ex.GetOrderHistory(ctx, symbol, orderID)
		switch {
		case err == nil && h.Status.IsTerminal():
			l.mu.Lock()
			o, filled := l.settleLocked(h)
			l.mu.Unlock()
			if o == nil {
				o = h
				filled = h.Status == models.OrderStatusFilled
			} else {
				l.record(ctx, *o)
			}
			logging.LogOrder(l.logger, o.ID, o.Symbol, string(o.Side), string(o.Status))
			if !filled {
				return o, apperrors.NewOrderError(orderID, symbol, "confirm", "order ended "+string(o.Status), nil)
			}
			return o, nil
		case err != nil && ctx.Err() == nil && !errors.Is(err, apperrors.ErrOrderNotFound) && !apperrors.IsRetryable(err):
			return nil, apperrors.NewOrderError(orderID, symbol, "confirm", "history lookup failed", err)
		}

		select {
		case <-ctx.Done():
			lg := logging.WithOrderID(l.logger, orderID)
			lg.Warn().Dur("timeout", l.fillTimeout).Msg("Fill not confirmed")
			return nil, apperrors.NewOrderError(orderID, symbol, "confirm", "no terminal status", apperrors.ErrFillTimeout)
		case <-ticker.C:
		}
	}
}

// GetPositions returns open positions, dropping the flat entries the exchange
// may report.
func (l *Ledger) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	positions, err := l.ex.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	open := positions[:0]
	for _, p := range positions {
		if p.Size > 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// GetPosition returns the open position on symbol.
func (l *Ledger) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := l.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return &p, nil
		}
	}
	return nil, apperrors.ErrNoPosition
}

// ClosePosition flattens the position on symbol with a reduce-only market
// order.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string) (*models.Order, error) {
	pos, err := l.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return l.PlaceMarketOrder(ctx, symbol, pos.Side.Opposite(), pos.Size, true)
}

// IsActive reports whether orderID is tracked as active.
func (l *Ledger) IsActive(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[orderID]
	return ok
}

// Active returns a snapshot of active orders.
func (l *Ledger) Active() []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.active)
}

// Filled returns a snapshot of filled orders.
func (l *Ledger) Filled() []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.filled)
}

// Cancelled returns a snapshot of cancelled orders.
func (l *Ledger) Cancelled() []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.cancelled)
}

// Counts returns the sizes of the active, filled and cancelled tables.
func (l *Ledger) Counts() (active, filled, cancelled int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active), len(l.filled), len(l.cancelled)
}

func (l *Ledger) record(ctx context.Context, o models.Order) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordOrder(ctx, o); err != nil {
		l.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Journal write failed")
	}
}

func snapshot(m map[string]*models.Order) []models.Order {
	out := make([]models.Order, 0, len(m))
	for _, o := range m {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
