package sqlstore

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"gearhouse-backend/internal/logger"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Migrate applies the embedded migrations for the dialect. It opens its own
// connection from dsn (postgres URL or sqlite file path).
func Migrate(dialect Dialect, dsn string) error {
	logger.EnterMethod("sqlstore.Migrate", "dialect", dialect.String())

	source, err := iofs.New(migrationFS, "migrations/"+dialect.String())
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	databaseURL := dsn
	if dialect == SQLite {
		abs, err := filepath.Abs(dsn)
		if err != nil {
			return fmt.Errorf("failed to resolve sqlite path: %w", err)
		}
		databaseURL = "sqlite://" + abs
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.ExitMethodWithError("sqlstore.Migrate", err)
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.ExitMethod("sqlstore.Migrate", "version", version, "dirty", dirty)
	return nil
}
