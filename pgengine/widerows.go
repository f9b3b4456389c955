package pgengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielorbach/go-component"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// WideRows is a PostgreSQL-backed wide-row projection store. The per-row
// fields live in a single jsonb column; the row-key range scans the primary
// key index.
type WideRows struct {
	db *sql.DB
}

// NewWideRows returns a wide-row store over the given database. The database
// must have been bootstrapped (see Bootstrap).
func NewWideRows(db *sql.DB) *WideRows {
	return &WideRows{db: db}
}

// Upsert implements producttwin.WideRowStore.
func (w *WideRows) Upsert(ctx context.Context, table string, row producttwin.WideRow) error {
	fields, err := json.Marshal(row.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %q: %w", row.RowKey, err)
	}
	_, err = w.db.ExecContext(ctx, `INSERT INTO wide_rows (table_name, partition_key, row_key, fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, partition_key, row_key) DO UPDATE SET fields = EXCLUDED.fields`,
		table, row.PartitionKey, row.RowKey, fields)
	if err != nil {
		return fmt.Errorf("upsert row %q: %w", row.RowKey, err)
	}
	return nil
}

// Query implements producttwin.WideRowStore.
func (w *WideRows) Query(ctx context.Context, table, partition string, rows producttwin.RowRange) ([]producttwin.WideRow, error) {
	var b strings.Builder
	b.WriteString(`SELECT row_key, fields FROM wide_rows WHERE table_name = $1 AND partition_key = $2`)
	args := []any{table, partition}
	if rows.From != "" {
		args = append(args, rows.From)
		fmt.Fprintf(&b, " AND row_key >= $%d", len(args))
	}
	if rows.To != "" {
		args = append(args, rows.To)
		fmt.Fprintf(&b, " AND row_key <= $%d", len(args))
	}
	b.WriteString(" ORDER BY row_key")

	result, err := w.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select rows: %w", err)
	}
	defer func() {
		if err := result.Close(); err != nil {
			component.Logger(ctx).Error("Failed to close a wide-row cursor", "error", err)
		}
	}()

	var matched []producttwin.WideRow
	for result.Next() {
		row := producttwin.WideRow{PartitionKey: partition}
		var fields []byte
		if err := result.Scan(&row.RowKey, &fields); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(fields, &row.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %q: %w", row.RowKey, err)
		}
		matched = append(matched, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return matched, nil
}

// Delete implements producttwin.WideRowStore.
func (w *WideRows) Delete(ctx context.Context, table, partition, rowKey string) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM wide_rows
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`, table, partition, rowKey)
	if err != nil {
		return fmt.Errorf("delete row %q: %w", rowKey, err)
	}
	return nil
}
