// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Logging     logging.LogConfig `mapstructure:"logging"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"` // "live", "paper"
	Symbol            string        `mapstructure:"symbol"`
	Timeframes        []string      `mapstructure:"timeframes"`
	Lookback          int           `mapstructure:"lookback"` // bars per timeframe
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	FillTimeout       time.Duration `mapstructure:"fill_timeout"`
	PaperBalance      float64       `mapstructure:"paper_balance"`
}

// RiskConfig holds stop and target sizing.
type RiskConfig struct {
	StopLossMultiplier   float64 `mapstructure:"stop_loss_multiplier"`
	TakeProfitMultiplier float64 `mapstructure:"take_profit_multiplier"`
	TrailingEnabled      bool    `mapstructure:"trailing_enabled"`
	TrailMultiplier      float64 `mapstructure:"trail_multiplier"`
	ActivationFraction   float64 `mapstructure:"activation_fraction"`
}

// ExchangeConfig holds REST transport settings.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`    // empty selects mainnet or testnet
	RateLimit      int           `mapstructure:"rate_limit"`  // calls per second
	RecvWindow     int           `mapstructure:"recv_window"` // milliseconds
	Timeout        time.Duration `mapstructure:"timeout"`
	ClockResync    time.Duration `mapstructure:"clock_resync"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// StreamConfig holds websocket settings.
type StreamConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
}

// JournalConfig controls the optional SQLite audit journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Credentials holds API credentials.
type Credentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

// Provider supplies trading and risk settings to the engine.
type Provider interface {
	TradingSettings() TradingConfig
	RiskSettings() RiskConfig
}

// CredentialProvider supplies API credentials to the transport.
type CredentialProvider interface {
	APICredentials() Credentials
}

// TradingSettings implements Provider.
func (c *Config) TradingSettings() TradingConfig { return c.Trading }

// RiskSettings implements Provider.
func (c *Config) RiskSettings() RiskConfig { return c.Risk }

// APICredentials implements CredentialProvider.
func (c *Config) APICredentials() Credentials { return c.Credentials }

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/bybit-trader"
	}
	return filepath.Join(home, ".config", "bybit-trader")
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	logCfg := logging.DefaultLogConfig()

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.timeframes", []string{"15m"})
	v.SetDefault("trading.lookback", 500)
	v.SetDefault("trading.reconcile_interval", 30*time.Second)
	v.SetDefault("trading.fill_timeout", 10*time.Second)
	v.SetDefault("trading.paper_balance", 10000.0)

	v.SetDefault("risk.stop_loss_multiplier", 2.0)
	v.SetDefault("risk.take_profit_multiplier", 4.0)
	v.SetDefault("risk.trailing_enabled", true)
	v.SetDefault("risk.trail_multiplier", 2.0)
	v.SetDefault("risk.activation_fraction", 0.5)

	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.rate_limit", 10)
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.clock_resync", time.Hour)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_base_delay", 500*time.Millisecond)

	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.reconnect_delay", 2*time.Second)
	v.SetDefault("stream.max_reconnect_delay", 30*time.Second)
	v.SetDefault("stream.ping_interval", 20*time.Second)
	v.SetDefault("stream.read_timeout", 30*time.Second)

	v.SetDefault("logging.level", logCfg.Level)
	v.SetDefault("logging.console", logCfg.Console)
	v.SetDefault("logging.file", logCfg.File)
	v.SetDefault("logging.file_path", logCfg.FilePath)
	v.SetDefault("logging.max_size", logCfg.MaxSize)
	v.SetDefault("logging.max_backups", logCfg.MaxBackups)
	v.SetDefault("logging.max_age", logCfg.MaxAge)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", filepath.Join(DefaultConfigDir(), "journal.db"))
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetDefault("testnet", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Credentials.APISecret = v
	}
	if v := os.Getenv("BYBIT_TESTNET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Credentials.Testnet = b
		}
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration. Failures wrap
// apperrors.ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if len(c.Trading.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	if _, err := c.ParsedTimeframes(); err != nil {
		return err
	}
	if c.Trading.Lookback <= 0 {
		return fmt.Errorf("trading.lookback must be positive")
	}

	if c.Risk.StopLossMultiplier <= 0 || c.Risk.TakeProfitMultiplier <= 0 {
		return fmt.Errorf("stop_loss_multiplier and take_profit_multiplier must be positive")
	}
	if c.Risk.TrailingEnabled {
		if c.Risk.TrailMultiplier <= 0 {
			return fmt.Errorf("trail_multiplier must be positive")
		}
		if c.Risk.ActivationFraction <= 0 || c.Risk.ActivationFraction > 1 {
			return fmt.Errorf("activation_fraction must be in (0, 1]")
		}
	}

	if c.Exchange.RateLimit <= 0 {
		return fmt.Errorf("exchange.rate_limit must be positive")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be positive")
	}

	if c.Trading.Mode == "live" && (c.Credentials.APIKey == "" || c.Credentials.APISecret == "") {
		return fmt.Errorf("live mode requires api_key and api_secret")
	}

	return nil
}

// ParsedTimeframes returns the configured timeframes as models.Timeframe values.
func (c *Config) ParsedTimeframes() ([]models.Timeframe, error) {
	out := make([]models.Timeframe, 0, len(c.Trading.Timeframes))
	for _, s := range c.Trading.Timeframes {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
