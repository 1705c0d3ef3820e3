package main

import (
	"context"
	"fmt"
	"os"

	"bybit-trader/internal/cli"
	"bybit-trader/internal/config"
	"bybit-trader/internal/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; using defaults\n", err)
		cfg = config.Default()
	}

	logger := logging.NewLoggerWithConfig(cfg.Logging)

	if err := cli.NewRootCmd(cfg, logger).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
