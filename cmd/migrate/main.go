// migrate applies the gateway's embedded SQL migrations; use go run ./cmd/migrate -direction up|down.
package main

import (
	"errors"
	"flag"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/config"
	"remote-admin-gateway/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.WithField("direction", *direction).Info("no migrations to apply")
			return
		}
		log.Fatalf("migrate: %v", err)
	}
	log.WithField("direction", *direction).Info("migrations applied")
}
