package main

import (
	"context"
	"flag"
	"time"

	"potroulette/internal/config"
	"potroulette/internal/observability"
	"potroulette/internal/persistence"
)

func main() {
	direction := flag.String("direction", "up", "up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := observability.NewLogger("migrate", "info")
		l.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLogger("migrate", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := persistence.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	switch *direction {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	default:
		log.Fatal().Str("direction", *direction).Msg("unknown direction")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Str("direction", *direction).Msg("migrations complete")
}
