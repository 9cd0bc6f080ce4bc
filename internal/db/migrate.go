package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrateUp applies every pending migration. No pending migration is not an error.
func MigrateUp(dbURL string, log *zap.Logger) error {
	m, err := newMigrate(dbURL, log)
	if err != nil {
		return err
	}
	defer m.Close()

	log.Info("running database migration")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("database migration: no change needed")
			return nil
		}
		log.Error("database migration failed", zap.Error(err))
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(dbURL string, log *zap.Logger) error {
	m, err := newMigrate(dbURL, log)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down: %w", err)
	}
	return nil
}

func newMigrate(dbURL string, log *zap.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dbURL))
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: log.Sugar()}
	return m, nil
}

// migrateURL rewrites postgres URLs to the scheme the pgx/v5 driver registers.
func migrateURL(dbURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dbURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(dbURL, prefix)
		}
	}
	return dbURL
}

type migrateLogger struct {
	log     *zap.SugaredLogger
	verbose bool
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Infof("db migration: "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.verbose
}
