package broker

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"bybit-trader/internal/models"
)

// Property: backoff delays never exceed the cap and the policy refuses
// exactly from MaxAttempts on.
func TestProperty_CappedBackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("delay within [0, Max] and refusal at MaxAttempts", prop.ForAll(
		func(baseMs, maxMs, maxAttempts, attempt int) bool {
			b := CappedBackoff{
				Base:        time.Duration(baseMs) * time.Millisecond,
				Max:         time.Duration(maxMs) * time.Millisecond,
				MaxAttempts: maxAttempts,
			}
			d, ok := b.Next(attempt)
			if attempt >= maxAttempts {
				return !ok
			}
			return ok && d >= 0 && d <= b.Max
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 60000),
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// Property: buying then selling the same quantity leaves the paper position
// flat and moves the wallet by exactly the realized PnL.
func TestProperty_PaperRoundTripRealizesPnL(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("round trip is flat and pays (exit-entry)*qty", prop.ForAll(
		func(entry, exit float64, qtyUnits int, long bool) bool {
			ctx := context.Background()
			p := NewPaperExchange(PaperConfig{InitialBalance: 1000, Logger: zerolog.Nop()})
			qty := float64(qtyUnits) / 1000
			qtyStr := fmt.Sprintf("%.3f", qty)

			open, closeSide := models.SideBuy, models.SideSell
			if !long {
				open, closeSide = models.SideSell, models.SideBuy
			}

			p.SetPrice("BTCUSDT", entry)
			if _, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: open, Type: models.OrderTypeMarket, Qty: qtyStr}); err != nil {
				return false
			}
			p.SetPrice("BTCUSDT", exit)
			if _, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: closeSide, Type: models.OrderTypeMarket, Qty: qtyStr, ReduceOnly: true}); err != nil {
				return false
			}

			positions, _ := p.GetPositions(ctx, "BTCUSDT")
			if len(positions) != 1 || positions[0].Size != 0 {
				return false
			}

			want := (exit - entry) * qty
			if !long {
				want = -want
			}
			bal, _ := p.GetBalance(ctx, "")
			return math.Abs(bal.WalletBalance-1000-want) < 1e-6
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(1, 100000),
		gen.IntRange(1, 10000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
