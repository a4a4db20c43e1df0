package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/txproxy/txproxy/internal/storage/migrations"
)

func main() {
	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load migration config: %v", err)
	}

	logger := migrationConfig.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}

	cli := migrations.NewCLI(manager, logger)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
