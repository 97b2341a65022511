package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sdrdh/guessgame/internal/config"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/store"
	"github.com/sdrdh/guessgame/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  POSTGRES_URL            - Postgres connection string")
		fmt.Println("  POSTGRES_MIGRATIONS_DIR - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	pg, err := store.OpenPostgres(ctx, store.PostgresConfig{URL: cfg.Postgres.URL}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open postgres")
	}
	defer pg.Close()

	migrator := store.NewMigrator(pg.DB(), migrations.Source(cfg.Postgres.MigrationsDir), logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
