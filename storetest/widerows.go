package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// The suite keeps all of its rows in one table so that engines which
// namespace per-table (rather than creating physical tables) are exercised
// the same way as engines which do not.
const rowTable = "conformance_rows"

type wideRowCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// Each case executes one or more operations on the tested store and
	// returns a problem describing any unexpected behaviour.
	do func(ctx context.Context, rows producttwin.WideRowStore) (problem string)
}

var wideRowCases = []wideRowCase{
	{
		name:     "query-empty-partition",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query(empty partition) failed: %v", err)
			}
			if len(matched) != 0 {
				return fmt.Sprintf("len(Query(empty partition)) = %v, want 0", len(matched))
			}
			return ""
		},
	},
	{
		name:     "upsert-and-read-back",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			row := producttwin.WideRow{
				PartitionKey: "P",
				RowKey:       "item_001",
				Fields:       map[string]string{"entity": "alpha", "C_encryption": "Passed|3|0|High"},
			}
			if err := rows.Upsert(ctx, rowTable, row); err != nil {
				return fmt.Sprintf("Upsert() failed: %v", err)
			}
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query() failed: %v", err)
			}
			if diff := cmp.Diff([]producttwin.WideRow{row}, matched); diff != "" {
				return fmt.Sprintf("rows mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "overwrite-replaces-fields",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			// The new row drops C_encryption entirely; an upsert replaces the
			// whole row, so the dropped field must not survive.
			row := producttwin.WideRow{
				PartitionKey: "P",
				RowKey:       "item_001",
				Fields:       map[string]string{"entity": "alpha", "C_firewall": "Failed|2|2|Critical"},
			}
			if err := rows.Upsert(ctx, rowTable, row); err != nil {
				return fmt.Sprintf("Upsert(overwrite) failed: %v", err)
			}
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query() failed: %v", err)
			}
			if diff := cmp.Diff([]producttwin.WideRow{row}, matched); diff != "" {
				return fmt.Sprintf("rows mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "rows-sort-ascending",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			// Upsert out of order to catch engines that return insertion order.
			for _, key := range []string{"item_003", "item_002"} {
				row := producttwin.WideRow{PartitionKey: "P", RowKey: key, Fields: map[string]string{"entity": "alpha"}}
				if err := rows.Upsert(ctx, rowTable, row); err != nil {
					return fmt.Sprintf("Upsert(%q) failed: %v", key, err)
				}
			}
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query() failed: %v", err)
			}
			want := []string{"item_001", "item_002", "item_003"}
			got := make([]string, 0, len(matched))
			for _, row := range matched {
				got = append(got, row.RowKey)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Sprintf("row order mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "range-bounds-are-inclusive",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			ranges := []struct {
				scan producttwin.RowRange
				want []string
			}{
				{producttwin.RowRange{From: "item_002", To: "item_003"}, []string{"item_002", "item_003"}},
				{producttwin.RowRange{To: "item_001"}, []string{"item_001"}},
				{producttwin.RowRange{From: "item_002"}, []string{"item_002", "item_003"}},
				{producttwin.RowRange{From: "item_004"}, nil},
			}
			for _, bounds := range ranges {
				matched, err := rows.Query(ctx, rowTable, "P", bounds.scan)
				if err != nil {
					return fmt.Sprintf("Query(%+v) failed: %v", bounds.scan, err)
				}
				var got []string
				for _, row := range matched {
					got = append(got, row.RowKey)
				}
				if diff := cmp.Diff(bounds.want, got); diff != "" {
					return fmt.Sprintf("Query(%+v) mismatch (-want +got):\n%v", bounds.scan, diff)
				}
			}
			return ""
		},
	},
	{
		name:     "partitions-are-disjoint",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			row := producttwin.WideRow{PartitionKey: "Q", RowKey: "item_001", Fields: map[string]string{"entity": "beta"}}
			if err := rows.Upsert(ctx, rowTable, row); err != nil {
				return fmt.Sprintf("Upsert(other partition) failed: %v", err)
			}
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query() failed: %v", err)
			}
			if len(matched) != 3 {
				return fmt.Sprintf("len(Query(P)) = %v, want 3: a write to Q leaked into P", len(matched))
			}
			return ""
		},
	},
	{
		name:     "delete-removes-row",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			if err := rows.Delete(ctx, rowTable, "P", "item_002"); err != nil {
				return fmt.Sprintf("Delete() failed: %v", err)
			}
			matched, err := rows.Query(ctx, rowTable, "P", producttwin.RowRange{})
			if err != nil {
				return fmt.Sprintf("Query() failed: %v", err)
			}
			want := []string{"item_001", "item_003"}
			got := make([]string, 0, len(matched))
			for _, row := range matched {
				got = append(got, row.RowKey)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Sprintf("rows after delete mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "delete-missing-row-is-silent",
		location: locateSource(),
		do: func(ctx context.Context, rows producttwin.WideRowStore) string {
			if err := rows.Delete(ctx, rowTable, "P", "item_404"); err != nil {
				return fmt.Sprintf("Delete(missing) = %v, want nil: deletes are idempotent", err)
			}
			return ""
		},
	},
}

// RunWideRows executes a sequence of test cases on a wide-row projection store
// through the producttwin.WideRowStore interface. The store must be empty when
// RunWideRows is called.
//
// As with Run, the cases execute in a strict sequence on the background
// context; each case's queries depend on the rows written by the previous
// ones.
func RunWideRows(t *testing.T, rows producttwin.WideRowStore) {
	t.Helper()

	ctx := context.Background()
	for _, c := range wideRowCases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if problem := c.do(ctx, rows); problem != "" {
			t.Fatalf("Test-case %v: %v", c.name, problem)
		}
	}
}
