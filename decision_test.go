package producttwin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var parseAffectedTests = []struct {
	Name string
	Raw  string
	// Want is the expected affected set; nil means the shape must fail
	// parsing.
	Want map[string]any
}{
	{
		Name: "Absent",
		Raw:  "",
		Want: map[string]any{},
	},
	{
		Name: "Null",
		Raw:  `null`,
		Want: map[string]any{},
	},
	{
		Name: "String",
		Raw:  `"vm-1"`,
		Want: map[string]any{"vm-1": "vm-1"},
	},
	{
		Name: "Object",
		Raw:  `{"disk-1": {"size": 42}, "disk-2": null}`,
		Want: map[string]any{
			"disk-1": map[string]any{"size": json.Number("42")},
			"disk-2": nil,
		},
	},
	{
		Name: "EmptyArray",
		Raw:  `[]`,
		Want: map[string]any{},
	},
	{
		Name: "ArrayOfNamedObjects",
		Raw:  `[{"name": "db-1", "tier": "basic"}, {"name": "db-2"}]`,
		Want: map[string]any{
			"db-1": map[string]any{"tier": "basic"},
			"db-2": map[string]any{},
		},
	},
	{
		Name: "ArrayObjectWithoutNameIsDropped",
		Raw:  `[{"tier": "basic"}, {"name": "db-1"}]`,
		Want: map[string]any{"db-1": map[string]any{}},
	},
	{
		Name: "ArrayObjectWithNonScalarNameIsDropped",
		Raw:  `[{"name": {"nested": true}}]`,
		Want: map[string]any{},
	},
	{
		Name: "ArrayDuplicateNameKeepsFirst",
		Raw:  `[{"name": "db-1", "tier": "basic"}, {"name": "db-1", "tier": "premium"}]`,
		Want: map[string]any{"db-1": map[string]any{"tier": "basic"}},
	},
	{
		Name: "ArrayOfStrings",
		Raw:  `["vm-1", "vm-2"]`,
		Want: map[string]any{"vm-1": "vm-1", "vm-2": "vm-2"},
	},
	{
		Name: "ArrayOfNumbersKeepsLiteralForm",
		Raw:  `[1, 2.50]`,
		Want: map[string]any{"1": json.Number("1"), "2.50": json.Number("2.50")},
	},
	{
		Name: "ArrayDuplicateScalarKeepsFirst",
		Raw:  `["vm-1", "vm-1"]`,
		Want: map[string]any{"vm-1": "vm-1"},
	},
	{
		Name: "ArrayOtherElementKeyedByIndex",
		Raw:  `["vm-1", ["nested"]]`,
		Want: map[string]any{"vm-1": "vm-1", "1": []any{"nested"}},
	},
	{
		Name: "TopLevelNumberFails",
		Raw:  `42`,
		Want: nil,
	},
	{
		Name: "TopLevelBoolFails",
		Raw:  `true`,
		Want: nil,
	},
	{
		Name: "InvalidJSONFails",
		Raw:  `{"unterminated`,
		Want: nil,
	},
}

func TestParseAffected(t *testing.T) {
	for _, tt := range parseAffectedTests {
		t.Run(tt.Name, func(t *testing.T) {
			got := parseAffected(context.Background(), "some-check", json.RawMessage(tt.Raw))
			if tt.Want == nil {
				if got != nil {
					t.Fatalf("parseAffected(%q) = %v, want a parse failure", tt.Raw, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("parseAffected(%q) failed, want %v", tt.Raw, tt.Want)
			}
			if diff := cmp.Diff(tt.Want, got); diff != "" {
				t.Errorf("parseAffected(%q) mismatch (-want +got):\n%v", tt.Raw, diff)
			}
		})
	}
}

func TestRawDecisionResultKeepsWireOrder(t *testing.T) {
	// Deliberately unsorted keys, metadata after the checks, and an unknown
	// sibling in between.
	wire := `{
		"checks": {
			"zeta": {"total": 3, "affected": []},
			"alpha": {"total": 1, "affected": ["vm-1"]},
			"mike": {"total": 2}
		},
		"provenance": {"engine": "opa"},
		"_metadata": {"productCode": "subscriptions/alpha", "digitalTwinVersion": "v1"}
	}`

	var result RawDecisionResult
	if err := json.Unmarshal([]byte(wire), &result); err != nil {
		t.Fatal("Unmarshal()", err)
	}

	wantMetadata := DecisionMetadata{EntityKey: "subscriptions/alpha", TwinVersion: "v1"}
	if diff := cmp.Diff(wantMetadata, result.Metadata); diff != "" {
		t.Errorf("Metadata mismatch (-want +got):\n%v", diff)
	}

	var keys []string
	for _, check := range result.Checks {
		keys = append(keys, check.Key)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mike"}, keys); diff != "" {
		t.Errorf("Check order mismatch (-want +got):\n%v", diff)
	}
}

func TestRawDecisionResultRejectsNonObject(t *testing.T) {
	var result RawDecisionResult
	if err := json.Unmarshal([]byte(`[1, 2, 3]`), &result); err == nil {
		t.Error("Unmarshal(array) succeeded, want an error")
	}
}

func rawCheck(key string, total int, affected string) RawCheck {
	c := RawCheck{Key: key, Total: total}
	if affected != "" {
		c.Affected = json.RawMessage(affected)
	}
	return c
}

func TestMergeDiffsConsecutiveSnapshots(t *testing.T) {
	ctx := context.Background()
	executedOn := time.Date(2026, time.August, 29, 10, 0, 0, 0, time.UTC)

	current := DecisionSnapshot{
		EntityKey:  "subscriptions/alpha",
		DecisionID: "dec-1",
		Checks: []CheckRecord{
			{Key: "encryption", Total: 2, Affected: map[string]any{"x": "x", "y": "y"}, State: StateFailed},
			{Key: "firewall", Total: 5, Affected: map[string]any{}, State: StatePassed},
			{Key: "retired", Total: 1, Affected: map[string]any{"z": "z"}, State: StateFailed},
		},
	}
	result := RawDecisionResult{Checks: []RawCheck{
		rawCheck("encryption", 2, `["y", "z"]`),
		rawCheck("firewall", 7, `[]`), // only the total moved
		rawCheck("quota", 1, `["q-1"]`),
		rawCheck("broken", 1, `42`),
	}}

	next := merge(ctx, current, result, "dec-2", executedOn)

	if next.EntityKey != "subscriptions/alpha" {
		t.Errorf(".EntityKey = %q, want the current snapshot's", next.EntityKey)
	}
	if next.DecisionID != "dec-2" {
		t.Errorf(".DecisionID = %q, want %q", next.DecisionID, "dec-2")
	}
	if !next.ExecutedOn.Equal(executedOn) {
		t.Errorf(".ExecutedOn = %v, want %v", next.ExecutedOn, executedOn)
	}

	wantChecks := []CheckRecord{
		{Key: "encryption", Total: 2, Affected: map[string]any{"y": "y", "z": "z"}, State: StateFailed},
		{Key: "firewall", Total: 7, Affected: map[string]any{}, State: StatePassed},
		{Key: "quota", Total: 1, Affected: map[string]any{"q-1": "q-1"}, State: StateFailed},
		{Key: "broken", Total: 1, State: StateInconclusive, Error: affectedParseError},
	}
	if diff := cmp.Diff(wantChecks, next.Checks); diff != "" {
		t.Errorf("Checks mismatch (-want +got):\n%v", diff)
	}

	wantChanges := []ChangeRecord{
		{
			CheckKey:         "encryption",
			Type:             ChangeResources,
			ResourcesAdded:   []string{"z"},
			ResourcesRemoved: []string{"x"},
			CurrentState:     StateFailed,
			PreviousState:    StateFailed,
		},
		{
			CheckKey:       "quota",
			Type:           ChangeNewCheck,
			ResourcesAdded: []string{"q-1"},
			CurrentState:   StateFailed,
		},
		{
			CheckKey:     "broken",
			Type:         ChangeNewCheck,
			CurrentState: StateInconclusive,
		},
		{
			CheckKey:      "retired",
			Type:          ChangeCheckRemoved,
			PreviousState: StateFailed,
		},
	}
	if diff := cmp.Diff(wantChanges, next.Changes); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%v", diff)
	}
}

func TestMergeFirstEvaluationMarksEverythingNew(t *testing.T) {
	ctx := context.Background()

	next := merge(ctx, emptySnapshot("subscriptions/alpha"), RawDecisionResult{Checks: []RawCheck{
		rawCheck("encryption", 1, `["vm-1"]`),
		rawCheck("firewall", 2, `[]`),
	}}, "dec-1", time.Now())

	wantChanges := []ChangeRecord{
		{CheckKey: "encryption", Type: ChangeNewCheck, ResourcesAdded: []string{"vm-1"}, CurrentState: StateFailed},
		{CheckKey: "firewall", Type: ChangeNewCheck, CurrentState: StatePassed},
	}
	if diff := cmp.Diff(wantChanges, next.Changes); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%v", diff)
	}
}

func TestMergeIdenticalResultProducesNoChanges(t *testing.T) {
	ctx := context.Background()

	result := RawDecisionResult{Checks: []RawCheck{
		rawCheck("encryption", 2, `["x"]`),
	}}
	first := merge(ctx, emptySnapshot("subscriptions/alpha"), result, "dec-1", time.Now())
	second := merge(ctx, first, result, "dec-2", time.Now())

	if len(second.Changes) != 0 {
		t.Errorf("len(.Changes) = %v, want 0: identical membership is not a change", len(second.Changes))
	}
}
