package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoChange is returned by Migrate when the database is already at the target version.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded migrations in direction ("up" or "down").
// Already being at the target version is not an error.
func Migrate(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("LEARNHUB_DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// ApplyUpInto runs every up migration against pool with the default schema
// name rewritten to schema. It bypasses migration bookkeeping and exists for
// integration tests that isolate themselves in a fresh schema.
func ApplyUpInto(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	names, err := fs.Glob(MigrationFS, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	quoted := pgx.Identifier{schema}.Sanitize()
	r := strings.NewReplacer(
		"SCHEMA IF NOT EXISTS "+DefaultSchema, "SCHEMA IF NOT EXISTS "+quoted,
		DefaultSchema+".", quoted+".",
	)

	for _, name := range names {
		raw, err := fs.ReadFile(MigrationFS, name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, r.Replace(string(raw))); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
