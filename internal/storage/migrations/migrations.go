// Package migrations embeds the schema of every supported dialect and applies
// it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// NewPostgres returns a migrator for the PostgreSQL database at dsn.
func NewPostgres(dsn string) (*migrate.Migrate, error) {
	const op = "migrations.NewPostgres"

	src, err := iofs.New(FS, DialectPostgres)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, pgxURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return m, nil
}

// NewSQLite returns a migrator bound to an already open SQLite handle.
// Closing the returned migrator closes db as well.
func NewSQLite(db *sql.DB) (*migrate.Migrate, error) {
	const op = "migrations.NewSQLite"

	src, err := iofs.New(FS, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, DialectSQLite, driver)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return m, nil
}

// Up applies every pending migration. No pending migrations is not an error.
func Up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations.Up: %w", err)
	}

	return nil
}

// Down reverts every applied migration.
func Down(m *migrate.Migrate) error {
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations.Down: %w", err)
	}

	return nil
}

// pgxURL rewrites a postgres:// DSN to the scheme registered by the pgx/v5 driver.
func pgxURL(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}

	return dsn
}
