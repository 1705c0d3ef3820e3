package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bybit-trader/internal/market"
	"bybit-trader/internal/models"
	"bybit-trader/pkg/utils"
)

const commandTimeout = 30 * time.Second

func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newTimeCmd(app))
	rootCmd.AddCommand(newTickerCmd(app))
	rootCmd.AddCommand(newCandlesCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
}

func newTimeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Show exchange time, clock offset and the next candle closes",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			tfs, err := app.Config.ParsedTimeframes()
			if err != nil {
				return err
			}

			clock := market.NewClockSync(app.Client(), app.Logger)
			offset, err := clock.Sync(ctx)
			if err != nil {
				return fmt.Errorf("server time: %w", err)
			}
			now := clock.Now()

			next := make(map[string]time.Time, len(tfs))
			for _, tf := range tfs {
				next[string(tf)] = market.NextBoundary(now, tf.Period())
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"server_time": now,
					"offset_ms":   offset.Milliseconds(),
					"next_close":  next,
				})
			}

			output.Printf("Server time:  %s\n", now.UTC().Format(time.RFC3339Nano))
			output.Printf("Local offset: %s\n", offset)
			table := NewTable(output, "Timeframe", "Next close (UTC)", "In")
			for _, tf := range tfs {
				at := next[string(tf)]
				table.AddRow(string(tf), at.UTC().Format(time.RFC3339), at.Sub(now).Round(time.Second).String())
			}
			table.Render()
			return nil
		},
	}
}

func newTickerCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ticker [symbol]",
		Short: "Show the latest ticker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			symbol := app.Config.Trading.Symbol
			if len(args) == 1 {
				symbol = args[0]
			}
			t, err := app.Client().GetTicker(ctx, symbol)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(t)
			}
			output.Bold("%s", t.Symbol)
			output.Printf("  Last:   %g\n", t.LastPrice)
			output.Printf("  Mark:   %g\n", t.MarkPrice)
			output.Printf("  Bid:    %g\n", t.BidPrice)
			output.Printf("  Ask:    %g\n", t.AskPrice)
			output.Printf("  Vol 24h: %s\n", utils.FormatQty(t.Volume24h))
			return nil
		},
	}
}

func newCandlesCmd(app *App) *cobra.Command {
	var (
		timeframe   string
		limit       int
		fromJournal bool
		save        bool
	)

	cmd := &cobra.Command{
		Use:   "candles [symbol]",
		Short: "Show recent closed candles",
		Long: `Show recent closed candles fetched from the exchange, or read back from
the journal with --journal. --save writes fetched candles to the journal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			symbol := app.Config.Trading.Symbol
			if len(args) == 1 {
				symbol = args[0]
			}
			if timeframe == "" {
				timeframe = app.Config.Trading.Timeframes[0]
			}
			tf, err := models.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}

			var candles []models.Candle
			if fromJournal {
				journal, err := app.Journal()
				if err != nil {
					return err
				}
				if journal == nil {
					return fmt.Errorf("journal is disabled; set journal.enabled = true")
				}
				to := time.Now()
				candles, err = journal.GetCandles(ctx, symbol, tf, to.Add(-time.Duration(limit)*tf.Period()), to)
				if err != nil {
					return err
				}
			} else {
				clock := market.NewClockSync(app.Client(), app.Logger)
				if _, err := clock.Sync(ctx); err != nil {
					return fmt.Errorf("server time: %w", err)
				}
				candles, err = market.Backfill(ctx, app.Client(), symbol, tf, limit, clock.Now(), app.Logger)
				if err != nil {
					return err
				}
				if save {
					journal, err := app.Journal()
					if err != nil {
						return err
					}
					if journal == nil {
						return fmt.Errorf("journal is disabled; set journal.enabled = true")
					}
					if err := journal.SaveCandles(ctx, candles); err != nil {
						return err
					}
					output.Dim("Saved %d candles", len(candles))
				}
			}

			if output.IsJSON() {
				return output.JSON(candles)
			}
			if len(candles) == 0 {
				output.Warning("No candles for %s %s", symbol, tf)
				return nil
			}
			table := NewTable(output, "Open time (UTC)", "Open", "High", "Low", "Close", "Volume")
			for _, c := range candles {
				table.AddRow(
					c.OpenTime.UTC().Format("2006-01-02 15:04"),
					fmt.Sprintf("%g", c.Open),
					fmt.Sprintf("%g", c.High),
					fmt.Sprintf("%g", c.Low),
					fmt.Sprintf("%g", c.Close),
					utils.FormatQty(c.Volume),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&timeframe, "timeframe", "t", "", "candle timeframe (default: first configured)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of candles")
	cmd.Flags().BoolVar(&fromJournal, "journal", false, "read candles from the journal")
	cmd.Flags().BoolVar(&save, "save", false, "write fetched candles to the journal")
	return cmd
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show unified account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.RequireCredentials(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			b, err := app.Client().GetBalance(ctx, "UNIFIED")
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(b)
			}
			output.Bold("%s account", b.AccountType)
			output.Printf("  Equity:     %s\n", utils.FormatUSDT(b.TotalEquity))
			output.Printf("  Wallet:     %s\n", utils.FormatUSDT(b.WalletBalance))
			output.Printf("  Available:  %s\n", utils.FormatUSDT(b.AvailableBalance))
			output.Printf("  Unrealized: %s\n", output.FormatPnL(b.UnrealizedPnL))
			return nil
		},
	}
}
