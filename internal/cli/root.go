// Package cli provides the command-line interface for the trading application.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bybit-trader/internal/broker"
	"bybit-trader/internal/config"
	"bybit-trader/internal/store"
	"bybit-trader/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. The REST client and journal are
// built on first use so config commands work without credentials.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	client  *broker.BybitClient
	journal store.Journal
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Bybit trader - real-time USDT perpetual trading core",
		Long: `Bybit trader keeps candles for one USDT perpetual in lockstep with the
exchange clock, executes strategy intents and protects every position with
an ATR-sized take-profit and trailing stop-loss.

Paper mode simulates fills locally against live prices.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				loaded, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = loaded
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/bybit-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addMarketCommands(rootCmd, app)
	addTradeCommands(rootCmd, app)
	rootCmd.AddCommand(newRunCmd(app))

	return rootCmd
}

// Client returns the REST client, creating it on first use.
func (a *App) Client() *broker.BybitClient {
	if a.client == nil {
		cfg := a.Config
		creds := cfg.APICredentials()
		a.client = broker.NewBybitClient(broker.BybitConfig{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Testnet:    creds.Testnet,
			BaseURL:    cfg.Exchange.BaseURL,
			RecvWindow: cfg.Exchange.RecvWindow,
			RateLimit:  cfg.Exchange.RateLimit,
			Timeout:    cfg.Exchange.Timeout,
			Retry: utils.RetryConfig{
				MaxAttempts:   cfg.Exchange.MaxRetries,
				InitialDelay:  cfg.Exchange.RetryBaseDelay,
				MaxDelay:      10 * cfg.Exchange.RetryBaseDelay,
				BackoffFactor: 2.0,
			},
			Logger: a.Logger,
		})
	}
	return a.client
}

// RequireCredentials fails when signed endpoints cannot be called.
func (a *App) RequireCredentials() error {
	creds := a.Config.APICredentials()
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("api_key and api_secret are required; set them in %s/credentials.toml or BYBIT_API_KEY/BYBIT_API_SECRET", config.DefaultConfigDir())
	}
	return nil
}

// Journal opens the SQLite journal when enabled. It returns nil when the
// journal is disabled.
func (a *App) Journal() (store.Journal, error) {
	if !a.Config.Journal.Enabled {
		return nil, nil
	}
	if a.journal == nil {
		j, err := store.NewSQLiteJournal(a.Config.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.Logger.Debug().Str("path", a.Config.Journal.Path).Msg("Journal opened")
	}
	return a.journal, nil
}

// Close releases the journal.
func (a *App) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close journal")
		}
		a.journal = nil
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Bybit trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(struct {
					Trading  config.TradingConfig  `json:"trading"`
					Risk     config.RiskConfig     `json:"risk"`
					Exchange config.ExchangeConfig `json:"exchange"`
					Stream   config.StreamConfig   `json:"stream"`
					Journal  config.JournalConfig  `json:"journal"`
					Testnet  bool                  `json:"testnet"`
				}{app.Config.Trading, app.Config.Risk, app.Config.Exchange, app.Config.Stream, app.Config.Journal, app.Config.Credentials.Testnet})
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

// showConfig never prints credentials.
func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:              %s\n", cfg.Trading.Mode)
	output.Printf("  Symbol:            %s\n", cfg.Trading.Symbol)
	output.Printf("  Timeframes:        %v\n", cfg.Trading.Timeframes)
	output.Printf("  Lookback:          %d bars\n", cfg.Trading.Lookback)
	output.Printf("  Reconcile every:   %s\n", cfg.Trading.ReconcileInterval)
	output.Printf("  Fill timeout:      %s\n", cfg.Trading.FillTimeout)
	if cfg.IsPaperMode() {
		output.Printf("  Paper balance:     %s\n", utils.FormatUSDT(cfg.Trading.PaperBalance))
	}
	output.Println()

	output.Bold("Risk")
	output.Printf("  Stop loss:         %.2f x ATR\n", cfg.Risk.StopLossMultiplier)
	output.Printf("  Take profit:       %.2f x ATR\n", cfg.Risk.TakeProfitMultiplier)
	output.Printf("  Trailing:          %v\n", cfg.Risk.TrailingEnabled)
	if cfg.Risk.TrailingEnabled {
		output.Printf("  Trail distance:    %.2f x ATR\n", cfg.Risk.TrailMultiplier)
		output.Printf("  Activation:        %.0f%% of target\n", cfg.Risk.ActivationFraction*100)
	}
	output.Println()

	output.Bold("Exchange")
	output.Printf("  Endpoint:          %s\n", broker.BaseURLFor(cfg.Credentials.Testnet))
	output.Printf("  Rate limit:        %d/s\n", cfg.Exchange.RateLimit)
	output.Printf("  Recv window:       %d ms\n", cfg.Exchange.RecvWindow)
	output.Printf("  Reconnect:         %d attempts, %s..%s\n", cfg.Stream.MaxReconnectAttempts, cfg.Stream.ReconnectDelay, cfg.Stream.MaxReconnectDelay)
	output.Println()

	output.Bold("Journal")
	output.Printf("  Enabled:           %v\n", cfg.Journal.Enabled)
	if cfg.Journal.Enabled {
		output.Printf("  Path:              %s\n", cfg.Journal.Path)
	}
}
