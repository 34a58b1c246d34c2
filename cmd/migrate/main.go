package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

func main() {
	var (
		command string
		dbURL   string
		path    string
		version int
	)

	flag.StringVar(&command, "command", "up", "up, down, version or force")
	flag.StringVar(&dbURL, "db", "", "Database URL (defaults to the configured database)")
	flag.StringVar(&path, "path", "internal/repository/postgres/migrations", "Path to migration files")
	flag.IntVar(&version, "version", -1, "Version to force (with -command=force)")
	flag.Parse()

	logger := observability.InitLogger("info", os.Stdout).With().Str("service", "apgateway-migrate").Logger()

	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
		dbURL = cfg.Database.MigrationURL()
	}

	m, err := migrate.New("file://"+path, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create migrate instance")
	}
	defer m.Close()

	if err := run(m, command, version, logger); err != nil {
		logger.Error().Err(err).Str("command", command).Msg("migration failed")
		m.Close()
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, command string, version int, logger zerolog.Logger) error {
	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "force":
		if version < 0 {
			return errors.New("force requires -version")
		}
		if err := m.Force(version); err != nil {
			return err
		}
	case "version":
	default:
		return errors.New("unknown command " + command)
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info().Str("command", command).Msg("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info().Str("command", command).Uint("version", v).Bool("dirty", dirty).Msg("migrations done")
	return nil
}
