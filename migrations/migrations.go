// Package migrations embeds the schema for the rule tables and the container
// ledger, one directory per SQL dialect
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/liamcoop/riskrules/internal/sqldialect"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

func dir(d sqldialect.Dialect) string {
	if d == sqldialect.SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Source returns a golang-migrate source driver over the embedded files
func Source(d sqldialect.Dialect) (source.Driver, error) {
	return iofs.New(files, dir(d))
}

// NewMigrator returns a golang-migrate instance that applies the embedded
// Postgres migrations to the database at url. Closing it closes its own
// connection only.
func NewMigrator(url string) (*migrate.Migrate, error) {
	src, err := Source(sqldialect.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Up brings the database to the latest schema. Postgres goes through
// golang-migrate and its version table; SQLite uses Apply.
func Up(ctx context.Context, db *sql.DB, d sqldialect.Dialect, url string) error {
	if d == sqldialect.SQLite {
		return Apply(ctx, db, d)
	}
	m, err := NewMigrator(url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Apply executes every up migration in order. The statements are idempotent,
// so Apply is safe on an already migrated database; it is used for SQLite
// and in tests, where no migration bookkeeping is kept.
func Apply(ctx context.Context, db *sql.DB, d sqldialect.Dialect) error {
	entries, err := fs.ReadDir(files, dir(d))
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := fs.ReadFile(files, dir(d)+"/"+name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}
