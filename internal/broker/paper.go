package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
)

// PaperExchange implements Exchange for paper trading simulation. Market
// data is delegated to a real client when one is configured; orders, fills,
// positions and balance are simulated locally against prices fed through
// SetPrice.
type PaperExchange struct {
	// Real exchange for market data
	data MarketData

	orders    map[string]*models.Order
	seq       map[string]int // placement order for deterministic triggering
	direction map[string]int // trigger direction of conditional orders
	positions map[string]*models.Position
	wallet    float64

	// Price cache for simulation
	prices map[string]float64

	// Test hooks
	injected map[string]error

	orderCounter int
	logger       zerolog.Logger
	now          func() time.Time

	mu sync.RWMutex
}

// PaperConfig holds configuration for the paper exchange.
type PaperConfig struct {
	Data           MarketData
	InitialBalance float64
	Logger         zerolog.Logger
}

// NewPaperExchange creates a new paper trading exchange.
func NewPaperExchange(cfg PaperConfig) *PaperExchange {
	balance := cfg.InitialBalance
	if balance == 0 {
		balance = 10000
	}
	return &PaperExchange{
		data:      cfg.Data,
		orders:    make(map[string]*models.Order),
		seq:       make(map[string]int),
		direction: make(map[string]int),
		positions: make(map[string]*models.Position),
		wallet:    balance,
		prices:    make(map[string]float64),
		injected:  make(map[string]error),
		logger:    logging.WithComponent(cfg.Logger, "paper"),
		now:       time.Now,
	}
}

// InjectError makes the next call of op fail with err. op is the method
// name, e.g. "PlaceOrder" or "CancelOrder".
func (p *PaperExchange) InjectError(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected[op] = err
}

// ForceStatus overrides the status of an order.
func (p *PaperExchange) ForceStatus(orderID string, status models.OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.Status = status
		o.UpdatedAt = p.now()
	}
}

// Forget drops an order entirely, as if the exchange had purged it.
func (p *PaperExchange) Forget(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, orderID)
	delete(p.seq, orderID)
	delete(p.direction, orderID)
}

func (p *PaperExchange) takeInjected(op string) error {
	if err, ok := p.injected[op]; ok {
		delete(p.injected, op)
		return err
	}
	return nil
}

// ServerTime returns the exchange time, or local time without a data source.
func (p *PaperExchange) ServerTime(ctx context.Context) (time.Time, error) {
	if p.data != nil {
		return p.data.ServerTime(ctx)
	}
	return p.now(), nil
}

// GetKlines fetches historical candles from the data source.
func (p *PaperExchange) GetKlines(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
	if p.data != nil {
		return p.data.GetKlines(ctx, req)
	}
	return nil, fmt.Errorf("no data source configured")
}

// GetTicker fetches the ticker from the data source and caches its price.
func (p *PaperExchange) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if p.data != nil {
		t, err := p.data.GetTicker(ctx, symbol)
		if err == nil && t.LastPrice > 0 {
			p.SetPrice(symbol, t.LastPrice)
		}
		return t, err
	}

	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrNoPriceData)
	}
	return &models.Ticker{Symbol: symbol, LastPrice: price, MarkPrice: price, Timestamp: p.now()}, nil
}

// GetInstrument fetches instrument rules from the data source, or returns
// USDT perpetual defaults.
func (p *PaperExchange) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	if p.data != nil {
		return p.data.GetInstrument(ctx, symbol)
	}
	return &models.Instrument{
		Symbol:         symbol,
		PricePrecision: 2,
		TickSize:       0.01,
		QtyStep:        0.001,
		MinOrderQty:    0.001,
		MaxOrderQty:    1000,
	}, nil
}

// SetPrice records a live price and fills any resting order it crosses.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok && pos.Size > 0 {
		pos.MarkPrice = price
		pos.UnrealizedPnL = unrealized(pos, price)
	}

	ids := make([]string, 0)
	for id, o := range p.orders {
		if o.Symbol == symbol && isOpen(o.Status) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return p.seq[ids[i]] < p.seq[ids[j]] })

	for _, id := range ids {
		o := p.orders[id]
		// An earlier fill in this pass may have closed the position.
		if !isOpen(o.Status) {
			continue
		}
		switch {
		case o.TriggerPrice > 0:
			if triggered(p.direction[id], o.TriggerPrice, price) {
				p.fill(o, price)
			}
		case o.Type == models.OrderTypeLimit:
			if crosses(o.Side, o.Price, price) {
				p.fill(o, o.Price)
			}
		}
	}
}

// PlaceOrder simulates order placement.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("PlaceOrder"); err != nil {
		return nil, err
	}

	qty, err := strconv.ParseFloat(req.Qty, 64)
	if err != nil || qty <= 0 {
		return nil, apperrors.Classify(110003, fmt.Sprintf("invalid qty %q", req.Qty))
	}
	var limitPrice, triggerPrice float64
	if req.Type == models.OrderTypeLimit {
		limitPrice, err = strconv.ParseFloat(req.Price, 64)
		if err != nil || limitPrice <= 0 {
			return nil, apperrors.Classify(110003, fmt.Sprintf("invalid price %q", req.Price))
		}
	}
	if req.TriggerPrice != "" {
		triggerPrice, err = strconv.ParseFloat(req.TriggerPrice, 64)
		if err != nil || triggerPrice <= 0 {
			return nil, apperrors.Classify(110003, fmt.Sprintf("invalid trigger price %q", req.TriggerPrice))
		}
	}

	price := p.prices[req.Symbol]
	if price == 0 && req.Type == models.OrderTypeMarket && triggerPrice == 0 {
		return nil, fmt.Errorf("%s: %w", req.Symbol, apperrors.ErrNoPriceData)
	}

	if req.ReduceOnly {
		pos, ok := p.positions[req.Symbol]
		if !ok || pos.Size == 0 || pos.Side == req.Side {
			return nil, apperrors.Classify(110017, "reduce-only order has same side with current position")
		}
	}

	p.orderCounter++
	id := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)
	clientID := req.ClientID
	if clientID == "" {
		clientID = id
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TimeInForceGTC
	}

	now := p.now()
	o := &models.Order{
		ID:           id,
		ClientID:     clientID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Qty:          qty,
		Price:        limitPrice,
		TriggerPrice: triggerPrice,
		ReduceOnly:   req.ReduceOnly,
		TimeInForce:  tif,
		Status:       models.OrderStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.orders[id] = o
	p.seq[id] = p.orderCounter

	switch {
	case triggerPrice > 0:
		o.Status = models.OrderStatusUntriggered
		p.direction[id] = req.TriggerDirection
	case req.Type == models.OrderTypeMarket:
		p.fill(o, price)
	case price > 0 && crosses(req.Side, limitPrice, price):
		p.fill(o, limitPrice)
	}

	p.logger.Debug().
		Str("order_id", id).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("status", string(o.Status)).
		Msg("Paper order placed")

	return &OrderResult{OrderID: id, ClientID: clientID}, nil
}

// CancelOrder simulates order cancellation.
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("CancelOrder"); err != nil {
		return err
	}

	o, ok := p.orders[orderID]
	if !ok || !isOpen(o.Status) {
		return apperrors.Classify(110001, "order not exists or too late to cancel")
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = p.now()
	return nil
}

// CancelAllOrders cancels every open order for symbol.
func (p *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("CancelAllOrders"); err != nil {
		return nil, err
	}

	var ids []string
	for id, o := range p.orders {
		if o.Symbol == symbol && isOpen(o.Status) {
			o.Status = models.OrderStatusCancelled
			o.UpdatedAt = p.now()
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return p.seq[ids[i]] < p.seq[ids[j]] })
	return ids, nil
}

// GetOpenOrders returns resting orders for symbol.
func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("GetOpenOrders"); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0)
	for _, o := range p.orders {
		if (symbol == "" || o.Symbol == symbol) && isOpen(o.Status) {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return p.seq[orders[i].ID] < p.seq[orders[j].ID] })
	return orders, nil
}

// GetOrderHistory returns one order in any state.
func (p *PaperExchange) GetOrderHistory(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("GetOrderHistory"); err != nil {
		return nil, err
	}

	o, ok := p.orders[orderID]
	if !ok {
		return nil, apperrors.NewOrderError(orderID, symbol, "history", "lookup failed", apperrors.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

// GetPositions returns simulated positions, including flat ones for symbols
// that have traded.
func (p *PaperExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjected("GetPositions"); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetBalance returns the simulated wallet.
func (p *PaperExchange) GetBalance(ctx context.Context, accountType string) (*models.Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var upnl, margin float64
	for _, pos := range p.positions {
		if pos.Size == 0 {
			continue
		}
		upnl += pos.UnrealizedPnL
		margin += pos.EntryPrice * pos.Size
	}
	if accountType == "" {
		accountType = "UNIFIED"
	}
	return &models.Balance{
		AccountType:      accountType,
		WalletBalance:    p.wallet,
		TotalEquity:      p.wallet + upnl,
		AvailableBalance: p.wallet + upnl - margin,
		UnrealizedPnL:    upnl,
	}, nil
}

// fill executes o at price and updates the position. Caller holds p.mu.
func (p *PaperExchange) fill(o *models.Order, price float64) {
	qty := o.Qty
	pos, ok := p.positions[o.Symbol]

	if o.ReduceOnly {
		if !ok || pos.Size == 0 || pos.Side == o.Side {
			// Nothing left to reduce.
			if o.TriggerPrice > 0 {
				o.Status = models.OrderStatusDeactivated
			} else {
				o.Status = models.OrderStatusCancelled
			}
			o.UpdatedAt = p.now()
			return
		}
		if qty > pos.Size {
			qty = pos.Size
		}
	}

	o.Status = models.OrderStatusFilled
	o.FilledQty = qty
	o.AvgPrice = price
	o.UpdatedAt = p.now()

	p.updatePosition(o.Symbol, o.Side, qty, price)
}

// updatePosition nets a trade into the one-way position for symbol.
func (p *PaperExchange) updatePosition(symbol string, side models.Side, qty, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &models.Position{Symbol: symbol}
		p.positions[symbol] = pos
	}

	switch {
	case pos.Size == 0:
		pos.Side = side
		pos.Size = qty
		pos.EntryPrice = price
	case pos.Side == side:
		// Add to position
		total := pos.Size + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / total
		pos.Size = total
	default:
		closed := qty
		if closed > pos.Size {
			closed = pos.Size
		}
		p.wallet += realized(pos, price, closed)
		pos.Size -= closed
		if rest := qty - closed; rest > 0 {
			// Flip
			pos.Side = side
			pos.Size = rest
			pos.EntryPrice = price
		} else if pos.Size == 0 {
			pos.EntryPrice = 0
		}
	}

	pos.MarkPrice = price
	pos.UnrealizedPnL = unrealized(pos, price)
	pos.UpdatedAt = p.now()
}

func realized(pos *models.Position, price, qty float64) float64 {
	if pos.IsLong() {
		return (price - pos.EntryPrice) * qty
	}
	return (pos.EntryPrice - price) * qty
}

func unrealized(pos *models.Position, price float64) float64 {
	if pos.Size == 0 {
		return 0
	}
	return realized(pos, price, pos.Size)
}

func isOpen(s models.OrderStatus) bool {
	return s == models.OrderStatusNew || s == models.OrderStatusPartiallyFilled || s == models.OrderStatusUntriggered
}

// crosses reports whether a limit order at limit is marketable at price.
func crosses(side models.Side, limit, price float64) bool {
	if side == models.SideBuy {
		return price <= limit
	}
	return price >= limit
}

// triggered reports whether a conditional order fires. direction 1 fires on
// a rise to trigger, 2 on a fall to trigger.
func triggered(direction int, trigger, price float64) bool {
	switch direction {
	case 1:
		return price >= trigger
	case 2:
		return price <= trigger
	}
	return false
}

var (
	_ Exchange  = (*PaperExchange)(nil)
	_ PriceSink = (*PaperExchange)(nil)
)
