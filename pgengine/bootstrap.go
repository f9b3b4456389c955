package pgengine

import (
	"context"
	"database/sql"
	"fmt"
)

// Bootstrap creates the tables and indexes the engines rely on. It is
// idempotent: every statement guards with IF NOT EXISTS, so running it against
// an already bootstrapped database changes nothing.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			store      text NOT NULL,
			key        text NOT NULL,
			seq        bigint NOT NULL,
			version    text NOT NULL,
			body       jsonb NOT NULL,
			metadata   jsonb,
			created_at timestamptz NOT NULL DEFAULT now(),
			size       bigint NOT NULL,
			PRIMARY KEY (store, key, seq)
		)`,
		// Version tokens address revisions in Get; the index also enforces
		// their uniqueness within one key's history.
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_by_version
			ON documents (store, key, version)`,
		`CREATE TABLE IF NOT EXISTS wide_rows (
			table_name    text NOT NULL,
			partition_key text NOT NULL,
			row_key       text NOT NULL,
			fields        jsonb NOT NULL,
			PRIMARY KEY (table_name, partition_key, row_key)
		)`,
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}
