package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/txproxy/txproxy/internal/config"
	"github.com/txproxy/txproxy/pkg/logger"
)

func main() {
	configPath := os.Getenv("TXPROXYCTL_CONFIG")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "txproxyctl: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	})
	slog.SetDefault(log)

	cli := NewCLI(cfg, log)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
