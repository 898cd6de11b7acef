// Package migrations embeds the run-history schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/neboloop/pagewright/internal/logging"
)

//go:embed *.sql
var fsys embed.FS

// Run applies every pending migration.
func Run(db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(context.Background())
	if err != nil {
		return err
	}
	for _, r := range results {
		logging.Debugf("applied migration %s (%s)", r.Source.Path, r.Duration)
	}
	return nil
}
