package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
)

func newPaper(t *testing.T, price float64) *PaperExchange {
	t.Helper()
	p := NewPaperExchange(PaperConfig{InitialBalance: 10000, Logger: zerolog.Nop()})
	if price > 0 {
		p.SetPrice("BTCUSDT", price)
	}
	return p
}

func marketReq(side models.Side, qty string) models.OrderRequest {
	return models.OrderRequest{Symbol: "BTCUSDT", Side: side, Type: models.OrderTypeMarket, Qty: qty}
}

func TestPaperMarketOrderOpensPosition(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)

	res, err := p.PlaceOrder(ctx, marketReq(models.SideBuy, "2"))
	require.NoError(t, err)

	o, err := p.GetOrderHistory(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
	assert.Equal(t, 100.0, o.AvgPrice)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideBuy, positions[0].Side)
	assert.Equal(t, 2.0, positions[0].Size)

	p.SetPrice("BTCUSDT", 110)
	bal, err := p.GetBalance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 20.0, bal.UnrealizedPnL)
	assert.Equal(t, 10020.0, bal.TotalEquity)
}

func TestPaperMarketOrderNeedsPrice(t *testing.T) {
	p := newPaper(t, 0)
	_, err := p.PlaceOrder(context.Background(), marketReq(models.SideBuy, "1"))
	assert.ErrorIs(t, err, apperrors.ErrNoPriceData)
}

func TestPaperLimitRestsThenFills(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)

	res, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: "1", Price: "95",
	})
	require.NoError(t, err)

	open, err := p.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.OrderStatusNew, open[0].Status)

	p.SetPrice("BTCUSDT", 96)
	o, _ := p.GetOrderHistory(ctx, "BTCUSDT", res.OrderID)
	assert.Equal(t, models.OrderStatusNew, o.Status)

	p.SetPrice("BTCUSDT", 94)
	o, _ = p.GetOrderHistory(ctx, "BTCUSDT", res.OrderID)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
	assert.Equal(t, 95.0, o.AvgPrice)
}

func TestPaperStopTriggersOnDirection(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)
	_, err := p.PlaceOrder(ctx, marketReq(models.SideBuy, "1"))
	require.NoError(t, err)

	stop, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Qty: "1",
		TriggerPrice: "90", TriggerDirection: 2, ReduceOnly: true,
	})
	require.NoError(t, err)

	o, _ := p.GetOrderHistory(ctx, "BTCUSDT", stop.OrderID)
	assert.Equal(t, models.OrderStatusUntriggered, o.Status)

	p.SetPrice("BTCUSDT", 120)
	o, _ = p.GetOrderHistory(ctx, "BTCUSDT", stop.OrderID)
	assert.Equal(t, models.OrderStatusUntriggered, o.Status)

	p.SetPrice("BTCUSDT", 89)
	o, _ = p.GetOrderHistory(ctx, "BTCUSDT", stop.OrderID)
	assert.Equal(t, models.OrderStatusFilled, o.Status)

	positions, _ := p.GetPositions(ctx, "BTCUSDT")
	require.Len(t, positions, 1)
	assert.Zero(t, positions[0].Size)

	bal, _ := p.GetBalance(ctx, "")
	assert.Equal(t, 9989.0, bal.WalletBalance)
}

func TestPaperReduceOnlyWithoutPosition(t *testing.T) {
	p := newPaper(t, 100)
	req := marketReq(models.SideSell, "1")
	req.ReduceOnly = true

	_, err := p.PlaceOrder(context.Background(), req)
	assert.True(t, apperrors.IsInvalidOrder(err))
}

func TestPaperReduceOnlyDeactivatedWhenFlat(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)
	_, err := p.PlaceOrder(ctx, marketReq(models.SideBuy, "1"))
	require.NoError(t, err)

	tp, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeLimit, Qty: "1", Price: "110", ReduceOnly: true,
	})
	require.NoError(t, err)
	sl, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Qty: "1",
		TriggerPrice: "95", TriggerDirection: 2, ReduceOnly: true,
	})
	require.NoError(t, err)

	p.SetPrice("BTCUSDT", 111)
	p.SetPrice("BTCUSDT", 94)

	o, _ := p.GetOrderHistory(ctx, "BTCUSDT", tp.OrderID)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
	o, _ = p.GetOrderHistory(ctx, "BTCUSDT", sl.OrderID)
	assert.Equal(t, models.OrderStatusDeactivated, o.Status)
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)

	res, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: "1", Price: "90",
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", res.OrderID))
	// Too late to cancel twice.
	assert.True(t, apperrors.IsInvalidOrder(p.CancelOrder(ctx, "BTCUSDT", res.OrderID)))
	assert.True(t, apperrors.IsInvalidOrder(p.CancelOrder(ctx, "BTCUSDT", "nope")))

	_, err = p.GetOrderHistory(ctx, "BTCUSDT", "nope")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestPaperCancelAll(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)
	for _, price := range []string{"80", "85", "90"} {
		_, err := p.PlaceOrder(ctx, models.OrderRequest{
			Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: "1", Price: price,
		})
		require.NoError(t, err)
	}

	ids, err := p.CancelAllOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	open, _ := p.GetOpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)
}

func TestPaperInjectErrorFiresOnce(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)
	boom := errors.New("boom")
	p.InjectError("PlaceOrder", boom)

	_, err := p.PlaceOrder(ctx, marketReq(models.SideBuy, "1"))
	assert.ErrorIs(t, err, boom)

	_, err = p.PlaceOrder(ctx, marketReq(models.SideBuy, "1"))
	assert.NoError(t, err)
}

func TestPaperForceStatus(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 100)
	res, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: "1", Price: "90",
	})
	require.NoError(t, err)

	p.ForceStatus(res.OrderID, models.OrderStatusRejected)
	o, _ := p.GetOrderHistory(ctx, "BTCUSDT", res.OrderID)
	assert.Equal(t, models.OrderStatusRejected, o.Status)

	open, _ := p.GetOpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)
}

func TestPaperTickerFromCache(t *testing.T) {
	p := newPaper(t, 0)
	_, err := p.GetTicker(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrNoPriceData)

	p.SetPrice("BTCUSDT", 123.4)
	tk, err := p.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 123.4, tk.LastPrice)
}
