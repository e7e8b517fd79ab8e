package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending migration of the given driver to db.
// A nil logger silences goose.
func Migrate(db *sql.DB, driver string, logger goose.Logger) error {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return err
	}

	dir, err := fs.Sub(migrations, "migrations/"+driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(dir)
	defer goose.SetBaseFS(nil)
	if logger == nil {
		logger = goose.NopLogger()
	}
	goose.SetLogger(logger)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migrate %s: %w", driver, err)
	}
	return nil
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(db *sql.DB, driver string, logger goose.Logger) error {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return err
	}
	dir, err := fs.Sub(migrations, "migrations/"+driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(dir)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(logger)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Status(db, ".")
}

func gooseDialect(driver string) (string, error) {
	switch driver {
	case DriverClickHouse:
		return "clickhouse", nil
	case DriverSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
