// Package migrations embeds the event_map schema for each SQL dialect and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	appLog "coursecal/internal/log"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Up applies all pending migrations for dialect ("sqlite" or "postgres").
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	var (
		gooseDialect goose.Dialect
		dir          string
	)
	switch dialect {
	case "sqlite":
		gooseDialect, dir = goose.DialectSQLite3, "sqlite"
	case "postgres":
		gooseDialect, dir = goose.DialectPostgres, "postgres"
	default:
		return fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}

	fsys, err := fs.Sub(files, dir)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose new provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	for _, r := range results {
		appLog.Info("store: applied migration", "dialect", dialect, "version", r.Source.Version)
	}
	return nil
}
