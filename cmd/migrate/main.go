// Command migrate applies or rolls back the embedded schema.
//
//	migrate [up|down]
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"tellbrandz/config"
	"tellbrandz/db"
	"tellbrandz/logging"
)

func main() {
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.LoadMigrate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env == "development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := db.Migrate(cfg.DatabaseURL, direction); err != nil {
		logger.Error("migration failed", zap.String("direction", direction), zap.Error(err))
		os.Exit(1)
	}
	logger.Info("migration complete", zap.String("direction", direction))
}
