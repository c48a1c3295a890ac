// Package db owns the learnhub Postgres schema: embedded migrations, the
// runner behind `learnhub migrate`, and a helper that applies the same DDL
// into a throwaway schema for integration tests.
package db

import "embed"

// DefaultSchema is the schema the migrations create.
const DefaultSchema = "learnhub"

//go:embed migrations/*.sql
var MigrationFS embed.FS
