package producttwin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
)

// CheckState classifies the outcome of a single policy check.
type CheckState string

const (
	// StatePassed means the check ran and affected no resources.
	StatePassed CheckState = "Passed"
	// StateFailed means the check ran and affected at least one resource.
	StateFailed CheckState = "Failed"
	// StateInconclusive means the check's affected shape could not be parsed.
	StateInconclusive CheckState = "Inconclusive"
)

// Severity is the externally registered classification of a check key, used
// for prioritisation. The zero value means no severity has been registered.
type Severity string

const (
	SeverityNotSet   Severity = ""
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// knownSeverity guards decoding: anything else collapses to SeverityNotSet.
func knownSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ChangeType classifies an entry of a decision snapshot's changeset.
type ChangeType string

const (
	// ChangeNewCheck marks a check key that was absent from the previous
	// snapshot.
	ChangeNewCheck ChangeType = "NewCheck"
	// ChangeResources marks a check whose affected-set membership changed.
	ChangeResources ChangeType = "ResourceChanges"
	// ChangeCheckRemoved marks a check key that disappeared from the result.
	ChangeCheckRemoved ChangeType = "CheckRemoved"
)

// A CheckRecord is the normalised outcome of one policy check within a
// decision snapshot.
type CheckRecord struct {
	// Key uniquely identifies the check within one snapshot.
	Key string `json:"key"`
	// Total is the number of resources the check inspected.
	Total int `json:"total"`
	// Affected maps resource identifiers to arbitrary JSON detail. A nil map
	// records a parse failure; an empty non-nil map records a clean pass.
	Affected map[string]any `json:"affected"`
	// State derives from Affected: nil is Inconclusive, empty is Passed,
	// anything else is Failed.
	State CheckState `json:"state"`
	// Severity is looked up from the check-metadata registry; it stays unset
	// when the registry has no entry for the key.
	Severity Severity `json:"severity,omitempty"`
	// Error holds the parse failure text of an Inconclusive check.
	Error string `json:"error,omitempty"`
}

// A ChangeRecord describes how one check evolved between two consecutive
// decision snapshots. It exists only when state-relevant content differs: a
// total that moved without altering affected-set membership produces no
// ChangeRecord.
type ChangeRecord struct {
	CheckKey string     `json:"checkKey"`
	Type     ChangeType `json:"type"`
	// ResourcesAdded and ResourcesRemoved list the affected-set keys that
	// appeared and disappeared, sorted, possibly empty.
	ResourcesAdded   []string   `json:"resourcesAdded,omitempty"`
	ResourcesRemoved []string   `json:"resourcesRemoved,omitempty"`
	CurrentState     CheckState `json:"currentState,omitempty"`
	PreviousState    CheckState `json:"previousState,omitempty"`
}

// A DecisionSnapshot is the most recent set of policy check outcomes for one
// product, plus the diff against the previous set. Exactly one snapshot is
// current per product at any time; older snapshots stay addressable through
// their version tokens.
type DecisionSnapshot struct {
	EntityKey string `json:"entityKey"`
	// DecisionID references the raw decision this snapshot was derived from.
	DecisionID string    `json:"decisionId"`
	ExecutedOn time.Time `json:"executedOn"`
	// Checks preserve the evaluation order of the raw result.
	Checks  []CheckRecord  `json:"checks"`
	Changes []ChangeRecord `json:"changes"`
}

// check returns the snapshot's record for the key, if any.
func (s DecisionSnapshot) check(key string) (CheckRecord, bool) {
	for _, c := range s.Checks {
		if c.Key == key {
			return c, true
		}
	}
	return CheckRecord{}, false
}

// emptySnapshot seeds the decision store for a product that has never been
// evaluated: no checks, no changes.
func emptySnapshot(entityKey string) DecisionSnapshot {
	return DecisionSnapshot{EntityKey: entityKey}
}

// DecisionMetadata echoes the twin the policy evaluator was invoked with.
type DecisionMetadata struct {
	EntityKey   string       `json:"productCode"`
	TwinVersion VersionToken `json:"digitalTwinVersion"`
}

// A RawCheck is the unprocessed output of one policy check: a total and an
// affected value whose shape is only inspected during ingestion.
type RawCheck struct {
	Key      string
	Total    int
	Affected json.RawMessage
}

// A RawDecisionResult is the external policy output for one product: an
// ordered sequence of raw checks plus metadata about the evaluated twin.
//
// The wire format is an object of check-key to {total, affected} under
// "checks", with an optional "_metadata" sibling. Decoding preserves the key
// order of the wire object because the snapshot's check order is defined as
// the evaluation order.
type RawDecisionResult struct {
	Metadata DecisionMetadata
	Checks   []RawCheck
}

// A DecisionLog is the envelope a policy evaluator emits for one evaluation.
// A missing Result means the evaluation did not produce a decision; ingestion
// skips such envelopes with a warning.
type DecisionLog struct {
	DecisionID string             `json:"decision_id"`
	Result     *RawDecisionResult `json:"result"`
	Timestamp  time.Time          `json:"timestamp"`
}

// UnmarshalJSON decodes the result with a token stream instead of a map so
// that the checks keep their wire order.
func (r *RawDecisionResult) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("result key: %w", err)
		}
		key := tok.(string) // after '{', keys are always strings
		switch key {
		case "_metadata":
			if err := dec.Decode(&r.Metadata); err != nil {
				return fmt.Errorf("decode _metadata: %w", err)
			}
		case "checks":
			if err := r.decodeChecks(dec); err != nil {
				return fmt.Errorf("decode checks: %w", err)
			}
		default:
			// Unknown siblings (metrics, provenance) are skipped, not errors.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("skip %q: %w", key, err)
			}
		}
	}
	_, err := dec.Token() // consume the closing '}'
	return err
}

func (r *RawDecisionResult) decodeChecks(dec *json.Decoder) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		var body struct {
			Total    int             `json:"total"`
			Affected json.RawMessage `json:"affected"`
		}
		if err := dec.Decode(&body); err != nil {
			return fmt.Errorf("check %q: %w", tok, err)
		}
		r.Checks = append(r.Checks, RawCheck{Key: tok.(string), Total: body.Total, Affected: body.Affected})
	}
	_, err := dec.Token() // consume the closing '}'
	return err
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// The fixed error recorded on an Inconclusive check. The affected shape was
// none of the recognised ones.
const affectedParseError = "affected-property could not be parsed: expected either object, array, string or null"

// parseAffected normalises the heterogeneous affected value of one raw check
// into an affected set: a mapping of resource identifier to JSON detail.
//
// Shape rules:
//
//   - null (or absent) parses to an empty set.
//   - A string parses to one entry keyed by the string itself.
//   - An object parses to one entry per property, keyed by property name.
//   - An array parses element-wise: objects are keyed by their "name" property
//     (with the name removed from the detail), scalars by their literal form,
//     and anything else by its positional index. Elements without a usable
//     name, and elements deriving an identifier already taken, are logged and
//     dropped.
//
// Any other top-level shape fails parsing: the returned set is nil, not empty,
// which the caller records as an Inconclusive state.
func parseAffected(ctx context.Context, checkKey string, raw json.RawMessage) map[string]any {
	logger := component.Logger(ctx)

	if len(raw) == 0 {
		return map[string]any{}
	}

	// UseNumber keeps the literal form of numbers, which matters when a number
	// becomes a resource identifier.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		logger.Warn("Affected value is not valid JSON", "check", checkKey, "error", err)
		return nil
	}

	set := make(map[string]any)
	switch v := v.(type) {
	case nil:
		// Zero entries: a clean pass.
	case string:
		set[v] = v
	case map[string]any:
		for name, detail := range v {
			set[name] = detail
		}
	case []any:
		for i, element := range v {
			switch element := element.(type) {
			case map[string]any:
				name := scalarString(element["name"])
				if name == "" {
					logger.Warn("Affected element has no usable 'name' property", "check", checkKey, "index", i)
					continue
				}
				if _, dup := set[name]; dup {
					logger.Warn("Affected set already has an entry with that name", "check", checkKey, "name", name)
					continue
				}
				detail := make(map[string]any, len(element)-1)
				for k, e := range element {
					if k != "name" {
						detail[k] = e
					}
				}
				set[name] = detail
			case string, json.Number:
				name := scalarString(element)
				if _, dup := set[name]; dup {
					logger.Warn("Affected set already has an entry with that name", "check", checkKey, "name", name)
					continue
				}
				set[name] = element
			default:
				// Unrecognised element shapes keep their slot under a
				// positional key rather than being lost.
				set[strconv.Itoa(i)] = element
			}
		}
	default:
		// A bare number, bool, or anything else the rules above do not cover.
		return nil
	}
	return set
}

// scalarString renders a scalar identifier the way it appeared on the wire.
// Non-scalar values render as the empty string.
func scalarString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
