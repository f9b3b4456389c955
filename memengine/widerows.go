package memengine

import (
	"context"
	"sort"
	"sync"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// WideRows is an in-memory wide-row projection store. The zero value is not
// usable; call NewWideRows.
type WideRows struct {
	mu sync.Mutex
	// table -> partition -> rowKey -> fields
	tables map[string]map[string]map[string]map[string]string
}

// NewWideRows returns an empty wide-row store.
func NewWideRows() *WideRows {
	return &WideRows{tables: make(map[string]map[string]map[string]map[string]string)}
}

// Upsert implements producttwin.WideRowStore.
func (w *WideRows) Upsert(ctx context.Context, table string, row producttwin.WideRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	partitions, ok := w.tables[table]
	if !ok {
		partitions = make(map[string]map[string]map[string]string)
		w.tables[table] = partitions
	}
	rows, ok := partitions[row.PartitionKey]
	if !ok {
		rows = make(map[string]map[string]string)
		partitions[row.PartitionKey] = rows
	}
	rows[row.RowKey] = cloneFields(row.Fields)
	return nil
}

// Query implements producttwin.WideRowStore, returning the partition's rows
// within the inclusive range ordered by row key ascending.
func (w *WideRows) Query(ctx context.Context, table, partition string, rows producttwin.RowRange) ([]producttwin.WideRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var matched []producttwin.WideRow
	for rowKey, fields := range w.tables[table][partition] {
		if rows.From != "" && rowKey < rows.From {
			continue
		}
		if rows.To != "" && rowKey > rows.To {
			continue
		}
		matched = append(matched, producttwin.WideRow{
			PartitionKey: partition,
			RowKey:       rowKey,
			Fields:       cloneFields(fields),
		})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].RowKey < matched[j].RowKey })
	return matched, nil
}

// Delete implements producttwin.WideRowStore.
func (w *WideRows) Delete(ctx context.Context, table, partition, rowKey string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tables[table][partition], rowKey)
	return nil
}

func cloneFields(fields map[string]string) map[string]string {
	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone
}
