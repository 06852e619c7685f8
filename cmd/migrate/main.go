package main

import (
	"log"

	"github.com/robertarktes/expedition-reservations/internal/adapters/crdb"
	"github.com/robertarktes/expedition-reservations/internal/config"
	"github.com/robertarktes/expedition-reservations/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	if err := crdb.Migrate(cfg.CRDBDSN); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	logger.Info("migrations applied")
}
