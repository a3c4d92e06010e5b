package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/liamcoop/riskrules/config"
	"github.com/liamcoop/riskrules/internal/logger"
	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/migrations"
)

func main() {
	var (
		configPath  string
		databaseURL string
		driver      string
		command     string
	)
	flag.StringVar(&configPath, "config", os.Getenv("RULES_CONFIG"), "Path to the YAML configuration file")
	flag.StringVar(&databaseURL, "database", "", "Database URL (overrides configuration)")
	flag.StringVar(&driver, "driver", "", "Database driver: postgres or sqlite (overrides configuration)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	cfg, err := config.Read(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	dialect := cfg.Database.Dialect()
	logger.Info("Connecting to database...", "driver", dialect)

	if dialect == sqldialect.SQLite {
		if err := migrateSQLite(cfg.Database.URL, command); err != nil {
			logger.Fatal("Migration failed", "error", err)
		}
		return
	}

	m, err := migrations.NewMigrator(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to create migration instance", "error", err)
	}
	defer m.Close()

	if err := runCommand(m, command, flag.Args()); err != nil {
		logger.Fatal("Migration failed", "command", command, "error", err)
	}
}

// migrateSQLite applies the idempotent SQLite schema. SQLite keeps no
// migration bookkeeping, so only up is supported.
func migrateSQLite(url, command string) error {
	if command != "up" {
		return fmt.Errorf("command %q is not supported for sqlite (use: up)", command)
	}
	ctx := context.Background()
	db, err := sqldialect.Open(ctx, sqldialect.SQLite, url)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db, sqldialect.SQLite); err != nil {
		return err
	}
	logger.Info("Migrations completed successfully!")
	return nil
}

func runCommand(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		logger.Info("Running migrations up...")
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to run (database is up to date)")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Migrations completed successfully!")

	case "down":
		logger.Info("Rolling back migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		logger.Info("Rollback completed successfully!")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current version", "version", version, "dirty", dirty)

	case "force":
		if len(args) < 1 {
			return errors.New("force command requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Info("Forced version", "version", version)

	default:
		return fmt.Errorf("unknown command: %s (use: up, down, version, force)", command)
	}
	return nil
}
