package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
	"bybit-trader/internal/store"
	"bybit-trader/internal/trading"
	"bybit-trader/pkg/utils"
)

func addTradeCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
}

// ledger builds a ledger over the live client, journaling to the configured
// journal when enabled.
func (a *App) ledger() (*trading.Ledger, error) {
	cfg := trading.LedgerConfig{
		FillTimeout: a.Config.Trading.FillTimeout,
		Logger:      a.Logger,
	}
	journal, err := a.Journal()
	if err != nil {
		return nil, err
	}
	if journal != nil {
		cfg.Journal = journal
	}
	return trading.NewLedger(a.Client(), cfg), nil
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions [symbol]",
		Short: "Show open positions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.RequireCredentials(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			symbol := app.Config.Trading.Symbol
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			}
			positions, err := app.Client().GetPositions(ctx, symbol)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Info("No open positions for %s", symbol)
				return nil
			}

			table := NewTable(output, "Symbol", "Side", "Size", "Entry", "Mark", "Unrealized")
			var total float64
			for _, p := range positions {
				total += p.UnrealizedPnL
				table.AddRow(
					p.Symbol,
					output.FormatSide(p.Side),
					utils.FormatQty(p.Size),
					fmt.Sprintf("%g", p.EntryPrice),
					fmt.Sprintf("%g", p.MarkPrice),
					output.FormatPnL(p.UnrealizedPnL),
				)
			}
			table.Render()
			output.Println()
			output.Printf("Total unrealized: %s\n", output.FormatPnL(total))
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	var (
		history bool
		status  string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "orders [symbol]",
		Short: "Show open orders, or journaled order history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			symbol := app.Config.Trading.Symbol
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			}

			var orders []models.Order
			if history {
				journal, err := app.Journal()
				if err != nil {
					return err
				}
				if journal == nil {
					return fmt.Errorf("journal is disabled; set journal.enabled = true")
				}
				filter := store.OrderFilter{
					Symbol: symbol,
					Status: models.OrderStatus(status),
					Limit:  limit,
				}
				if since > 0 {
					filter.Since = time.Now().Add(-since)
				}
				orders, err = journal.GetOrders(ctx, filter)
				if err != nil {
					return err
				}
			} else {
				if err := app.RequireCredentials(); err != nil {
					return err
				}
				var err error
				orders, err = app.Client().GetOpenOrders(ctx, symbol)
				if err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Info("No orders")
				return nil
			}

			table := NewTable(output, "Order ID", "Side", "Type", "Qty", "Price", "Trigger", "Status", "Updated")
			for _, o := range orders {
				price := "-"
				if o.Price > 0 {
					price = fmt.Sprintf("%g", o.Price)
				}
				trigger := "-"
				if o.TriggerPrice > 0 {
					trigger = fmt.Sprintf("%g", o.TriggerPrice)
				}
				table.AddRow(
					o.ID,
					output.FormatSide(o.Side),
					string(o.Type),
					utils.FormatQty(o.Qty),
					price,
					trigger,
					output.FormatStatus(o.Status),
					o.UpdatedAt.Local().Format("01-02 15:04:05"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "read terminal orders from the journal")
	cmd.Flags().StringVar(&status, "status", "", "history: filter by status (e.g. Filled)")
	cmd.Flags().DurationVar(&since, "since", 0, "history: only orders updated within this window")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "history: maximum rows")
	return cmd
}

func newCloseCmd(app *App) *cobra.Command {
	var keepOrders bool

	cmd := &cobra.Command{
		Use:   "close [symbol]",
		Short: "Cancel resting orders and close the position at market",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.RequireCredentials(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			symbol := app.Config.Trading.Symbol
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			}
			ledger, err := app.ledger()
			if err != nil {
				return err
			}

			result := map[string]interface{}{"symbol": symbol}
			if !keepOrders {
				ids, err := ledger.CancelAllOrders(ctx, symbol)
				if err != nil {
					return err
				}
				result["cancelled"] = ids
				if !output.IsJSON() {
					output.Dim("Cancelled %d resting orders", len(ids))
				}
			}

			order, err := ledger.ClosePosition(ctx, symbol)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrNoPosition) {
					if output.IsJSON() {
						return output.JSON(result)
					}
					output.Info("No open position for %s", symbol)
					return nil
				}
				return err
			}
			filled, err := ledger.ConfirmFill(ctx, symbol, order.ID)
			if err != nil {
				return err
			}
			result["order"] = filled

			if output.IsJSON() {
				return output.JSON(result)
			}
			output.Success("Closed %s: %s %s @ %g", symbol, filled.Side, utils.FormatQty(filled.FilledQty), filled.AvgPrice)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepOrders, "keep-orders", false, "leave resting orders in place")
	return cmd
}
