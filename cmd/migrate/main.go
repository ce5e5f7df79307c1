package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ms-registration/internal/config"
	"ms-registration/internal/database"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/logger"
)

func main() {
	direction := flag.String("direction", "up", "up, down or to")
	version := flag.Uint("version", 0, "target version for -direction=to")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.NewLogger(logger.Options{Service: "ms-registration-migrate", Level: cfg.Log.Level})
	defer logger.Close()

	if cfg.Database.Driver != "postgres" {
		logger.Fatal("MIGRATION", "migrations only run against postgres; sqlite builds its schema on start")
	}

	bunDB, err := database.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, logger)
	defer runner.Close()

	switch *direction {
	case "up":
		err = runner.MigrateUp()
	case "down":
		err = runner.MigrateDown()
	case "to":
		err = runner.MigrateTo(*version)
	default:
		err = fmt.Errorf("unknown direction %q", *direction)
	}
	if err != nil {
		logger.Fatal("MIGRATION", err.Error())
	}
	logger.Info("MIGRATION", "✅ Done")
}
