package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bybit-trader/internal/broker"
	"bybit-trader/internal/engine"
	"bybit-trader/internal/market"
	"bybit-trader/internal/resilience"
	"bybit-trader/internal/trading"
	"bybit-trader/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		strategy       string
		fast, slow     int
		qty            float64
		statusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine until interrupted",
		Long: `Run synchronizes candles for the configured symbol, evaluates the selected
strategy at every candle close, protects positions with TP/SL brackets and
reconciles orders with the exchange.

In paper mode orders are simulated locally against live prices.`,
		Example: `  trader run
  trader run --strategy ema-cross --fast 9 --slow 21 --qty 0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config
			if err := cfg.Validate(); err != nil {
				return err
			}
			tfs, err := cfg.ParsedTimeframes()
			if err != nil {
				return err
			}

			var eval engine.StrategyEvaluator
			switch strategy {
			case "", "none":
				eval = engine.NopEvaluator{}
			case "ema-cross":
				if fast <= 0 || slow <= fast || qty <= 0 {
					return fmt.Errorf("ema-cross needs 0 < fast < slow and qty > 0")
				}
				eval = engine.CrossoverEvaluator{Timeframe: tfs[0], Fast: fast, Slow: slow, Qty: qty}
			default:
				return fmt.Errorf("unknown strategy %q (none, ema-cross)", strategy)
			}

			client := app.Client()
			var ex broker.Exchange = client
			var paper *broker.PaperExchange
			if cfg.IsPaperMode() {
				paper = broker.NewPaperExchange(broker.PaperConfig{
					Data:           client,
					InitialBalance: cfg.Trading.PaperBalance,
					Logger:         app.Logger,
				})
				ex = paper
			}

			stream := broker.NewBybitStream(broker.StreamConfig{
				URL:          broker.StreamURLFor(cfg.Credentials.Testnet),
				PingInterval: cfg.Stream.PingInterval,
				ReadTimeout:  cfg.Stream.ReadTimeout,
				Policy: broker.CappedBackoff{
					Base:        cfg.Stream.ReconnectDelay,
					Max:         cfg.Stream.MaxReconnectDelay,
					MaxAttempts: cfg.Stream.MaxReconnectAttempts,
				},
				Logger: app.Logger,
			})

			syncer := market.NewSynchronizer(market.Config{
				Symbol:      cfg.Trading.Symbol,
				Timeframes:  tfs,
				Lookback:    cfg.Trading.Lookback,
				ClockResync: cfg.Exchange.ClockResync,
			}, client, stream, app.Logger)
			if paper != nil {
				syncer.AddPriceSink(paper)
			}

			ledgerCfg := trading.LedgerConfig{
				FillTimeout: cfg.Trading.FillTimeout,
				Logger:      app.Logger,
			}
			deps := engine.Deps{
				Sync:      syncer,
				Evaluator: eval,
				Breaker:   resilience.NewCircuitBreaker("entry", resilience.DefaultCircuitBreakerConfig()),
			}
			journal, err := app.Journal()
			if err != nil {
				return err
			}
			if journal != nil {
				ledgerCfg.Journal = journal
				deps.Candles = journal
			}

			rc := cfg.RiskSettings()
			deps.Ledger = trading.NewLedger(ex, ledgerCfg)
			deps.Risk = trading.NewRiskEngine(deps.Ledger, trading.RiskConfig{
				StopLossMultiplier:   rc.StopLossMultiplier,
				TakeProfitMultiplier: rc.TakeProfitMultiplier,
				TrailingEnabled:      rc.TrailingEnabled,
				TrailMultiplier:      rc.TrailMultiplier,
				ActivationFraction:   rc.ActivationFraction,
			}, app.Logger)

			eng := engine.New(engine.Config{
				Symbol:            cfg.Trading.Symbol,
				Timeframes:        tfs,
				ReconcileInterval: cfg.Trading.ReconcileInterval,
			}, deps, app.Logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			err = eng.Start(startCtx)
			cancel()
			if err != nil {
				return err
			}
			defer eng.Stop()

			monitor := resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig(), app.Logger)
			monitor.RegisterComponent("stream", resilience.StreamHealthCheck(func() time.Time {
				_, at := syncer.LastPrice()
				return at
			}, syncer.Clock().Now, 2*cfg.Stream.ReadTimeout))
			monitor.RegisterComponent("clock", resilience.ClockHealthCheck(syncer.Clock().LastSync, time.Now, 2*cfg.Exchange.ClockResync))
			monitor.RegisterComponent("exchange", resilience.APIHealthCheck(func(ctx context.Context) error {
				_, err := client.ServerTime(ctx)
				return err
			}, 2*time.Second))
			monitor.RegisterComponent("engine", engineHealthCheck(eng))
			monitorDone := make(chan struct{})
			go func() {
				defer close(monitorDone)
				monitor.Run(ctx)
			}()

			output.Success("Engine running: %s %v (%s mode, strategy %s)", cfg.Trading.Symbol, cfg.Trading.Timeframes, cfg.Trading.Mode, strategy)

			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					<-monitorDone
					output.Info("Shutting down; resting orders stay on the exchange")
					return nil
				case <-ticker.C:
					printStatus(output, eng.Status(), monitor.GetHealth())
				}
			}
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "none", "strategy evaluator: none, ema-cross")
	cmd.Flags().IntVar(&fast, "fast", 9, "ema-cross: fast EMA period")
	cmd.Flags().IntVar(&slow, "slow", 21, "ema-cross: slow EMA period")
	cmd.Flags().Float64Var(&qty, "qty", 0, "ema-cross: order quantity")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", time.Minute, "how often to print status")
	return cmd
}

func engineHealthCheck(eng *engine.Engine) resilience.HealthCheck {
	return func(ctx context.Context) resilience.ComponentHealth {
		st := eng.Status()
		switch {
		case st.State == engine.StateDegraded:
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: fmt.Sprintf("degraded: %v", st.Err)}
		case st.Breaker != resilience.CircuitClosed:
			return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: "entry breaker " + string(st.Breaker)}
		}
		return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: string(st.State)}
	}
}

func printStatus(output *Output, st engine.Status, health resilience.SystemHealth) {
	if output.IsJSON() {
		view := map[string]interface{}{
			"state":        st.State,
			"symbol":       st.Symbol,
			"server_time":  st.ServerTime,
			"clock_offset": st.ClockOffset.String(),
			"last_price":   st.LastPrice,
			"last_close":   st.LastClose,
			"next_close":   st.NextClose,
			"active":       st.Active,
			"filled":       st.Filled,
			"cancelled":    st.Cancelled,
			"brackets":     st.Brackets,
			"exits":        st.Exits,
			"breaker":      st.Breaker,
			"health":       health,
		}
		if st.Err != nil {
			view["error"] = st.Err.Error()
		}
		output.JSON(view)
		return
	}

	state := output.ColoredString(ColorGreen, string(st.State))
	if st.State != engine.StateRunning {
		state = output.ColoredString(ColorRed, string(st.State))
	}
	output.Printf("%s  %s  %s  last %g  offset %s  orders %d/%d/%d  breaker %s\n",
		st.ServerTime.UTC().Format(time.RFC3339), st.Symbol, state, st.LastPrice,
		st.ClockOffset.Round(time.Millisecond), st.Active, st.Filled, st.Cancelled, st.Breaker)
	for _, b := range st.Brackets {
		trail := "off"
		if b.Trailing != nil {
			trail = "armed"
			if b.Trailing.Activated {
				trail = "active"
			}
		}
		output.Printf("  %s %s %s entry %g  SL %g  TP %g  trailing %s\n",
			b.Symbol, output.FormatSide(b.Side), utils.FormatQty(b.Qty), b.Entry, b.StopLoss, b.TakeProfit, trail)
	}
	for _, c := range health.Components {
		if c.Status != resilience.HealthStatusHealthy {
			output.Warning("  %s %s: %s", c.Name, c.Status, c.Message)
		}
	}
	if st.Err != nil {
		output.Error("  %v", st.Err)
	}
}
