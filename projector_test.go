package producttwin

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func intptr(n int) *int { return &n }

var checkFieldTests = []struct {
	Name    string
	Encoded string
	Want    ProjectedCheck
	WantErr bool
}{
	{
		Name:    "Failed",
		Encoded: "Failed|12|3|High",
		Want:    ProjectedCheck{Key: "k", State: StateFailed, Total: 12, AffectedCount: intptr(3), Severity: SeverityHigh},
	},
	{
		Name:    "PassedWithoutSeverity",
		Encoded: "Passed|7|0|",
		Want:    ProjectedCheck{Key: "k", State: StatePassed, Total: 7, AffectedCount: intptr(0)},
	},
	{
		Name:    "InconclusiveSentinelCount",
		Encoded: "Inconclusive|4|N/A|Low",
		Want:    ProjectedCheck{Key: "k", State: StateInconclusive, Total: 4, Severity: SeverityLow},
	},
	{
		// Rows written before the severity segment existed have three parts.
		Name:    "LegacyThreeSegments",
		Encoded: "Passed|3|0",
		Want:    ProjectedCheck{Key: "k", State: StatePassed, Total: 3, AffectedCount: intptr(0)},
	},
	{
		// The sentinel is matched case-insensitively.
		Name:    "LowercaseSentinel",
		Encoded: "Failed|10|n/a|High",
		Want:    ProjectedCheck{Key: "k", State: StateFailed, Total: 10, Severity: SeverityHigh},
	},
	{
		// Unknown states and severities collapse instead of erroring, so a
		// newer writer never breaks this reader.
		Name:    "UnknownStateAndSeverity",
		Encoded: "Skipped|2|1|Catastrophic",
		Want:    ProjectedCheck{Key: "k", State: StateInconclusive, Total: 2, AffectedCount: intptr(1)},
	},
	{
		Name:    "MalformedTotal",
		Encoded: "Passed|x|0|Low",
		WantErr: true,
	},
	{
		Name:    "MalformedCount",
		Encoded: "Passed|3|x|Low",
		WantErr: true,
	},
	{
		Name:    "TooFewSegments",
		Encoded: "Passed|3",
		WantErr: true,
	},
}

func TestDecodeCheckField(t *testing.T) {
	for _, tt := range checkFieldTests {
		t.Run(tt.Name, func(t *testing.T) {
			got, err := decodeCheckField("k", tt.Encoded)
			if tt.WantErr {
				if err == nil {
					t.Fatalf("decodeCheckField(%q) succeeded, want an error", tt.Encoded)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeCheckField(%q) failed: %v", tt.Encoded, err)
			}
			if diff := cmp.Diff(tt.Want, got); diff != "" {
				t.Errorf("decodeCheckField(%q) mismatch (-want +got):\n%v", tt.Encoded, diff)
			}
		})
	}
}

func TestEncodeCheckFieldRoundTrip(t *testing.T) {
	records := []CheckRecord{
		{Key: "a", Total: 12, Affected: map[string]any{"x": "x", "y": "y"}, State: StateFailed, Severity: SeverityCritical},
		{Key: "b", Total: 7, Affected: map[string]any{}, State: StatePassed},
		{Key: "c", Total: 4, Affected: nil, State: StateInconclusive, Severity: SeverityMedium},
	}
	want := []ProjectedCheck{
		{Key: "a", State: StateFailed, Total: 12, AffectedCount: intptr(2), Severity: SeverityCritical},
		{Key: "b", State: StatePassed, Total: 7, AffectedCount: intptr(0)},
		{Key: "c", State: StateInconclusive, Total: 4, Severity: SeverityMedium},
	}

	for i, record := range records {
		got, err := decodeCheckField(record.Key, encodeCheckField(record))
		if err != nil {
			t.Fatalf("decodeCheckField(%v) failed: %v", record.Key, err)
		}
		if diff := cmp.Diff(want[i], got); diff != "" {
			t.Errorf("Round trip of %v mismatch (-want +got):\n%v", record.Key, diff)
		}
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		Name  string
		Items int
		Size  int
		Want  []int // group lengths
	}{
		// Zero checks still produce a single (empty) batch row, so a product
		// that passes everything remains visible in the projections.
		{Name: "Empty", Items: 0, Size: 150, Want: []int{0}},
		{Name: "Partial", Items: 40, Size: 150, Want: []int{40}},
		{Name: "Exact", Items: 150, Size: 150, Want: []int{150}},
		{Name: "Split", Items: 340, Size: 150, Want: []int{150, 150, 40}},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			items := make([]int, tt.Items)
			for i := range items {
				items[i] = i
			}

			var lengths []int
			var total int
			for _, group := range chunk(items, tt.Size) {
				lengths = append(lengths, len(group))
				total += len(group)
			}
			if diff := cmp.Diff(tt.Want, lengths); diff != "" {
				t.Errorf("Group lengths mismatch (-want +got):\n%v", diff)
			}
			if total != tt.Items {
				t.Errorf("Total chunked items = %v, want %v", total, tt.Items)
			}
		})
	}
}

func TestInvertedStampSortsNewestFirst(t *testing.T) {
	older := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	stamps := []string{invertedStamp(older), invertedStamp(newer)}
	sort.Strings(stamps)

	if stamps[0] != invertedStamp(newer) {
		t.Errorf("Ascending order = %v, want the newer stamp first", stamps)
	}
	if len(stamps[0]) != 19 {
		t.Errorf("len(stamp) = %v, want a fixed 19 digits", len(stamps[0]))
	}
}
