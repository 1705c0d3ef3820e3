package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Bybit Trader Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# USDT perpetual symbol
symbol = "BTCUSDT"
# Candle timeframes to synchronize: 1m 3m 5m 15m 30m 1h 2h 4h 6h 12h 1d
timeframes = ["15m"]
# Bars to backfill per timeframe
lookback = 500
# How often local orders are reconciled with the exchange
reconcile_interval = "30s"
# How long to wait for a market order fill confirmation
fill_timeout = "10s"
# Starting balance for paper mode (USDT)
paper_balance = 10000.0

[risk]
# Stop distance = ATR * stop_loss_multiplier
stop_loss_multiplier = 2.0
# Target distance = ATR * take_profit_multiplier
take_profit_multiplier = 4.0
# Trail the stop once price covers activation_fraction of the way to target
trailing_enabled = true
trail_multiplier = 2.0
activation_fraction = 0.5

[exchange]
# REST endpoint override; empty selects mainnet or testnet
base_url = ""
# Maximum REST calls per second
rate_limit = 10
# Signed request receive window in milliseconds
recv_window = 5000
timeout = "10s"
# Server clock re-sync interval
clock_resync = "1h"
max_retries = 3
retry_base_delay = "500ms"

[stream]
max_reconnect_attempts = 5
reconnect_delay = "2s"
max_reconnect_delay = "30s"
ping_interval = "20s"
read_timeout = "30s"

[logging]
level = "info"
console = true
file = true

[journal]
# Record closed candles and terminal orders to SQLite
enabled = false
`

const credentialsTemplate = `# Bybit Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.

api_key = ""
api_secret = ""
# Use the Bybit testnet endpoints
testnet = true
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
