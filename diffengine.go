package producttwin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CheckMetadata is the externally registered description of one check key.
type CheckMetadata struct {
	Key      string   `json:"key" yaml:"key"`
	Title    string   `json:"title" yaml:"title"`
	Severity Severity `json:"severity" yaml:"severity"`
}

// A MetadataRegistry resolves check keys to their registered metadata,
// adjusted for a specific product. It is a read-only external dependency from
// this core's perspective: lookup failures only cost enrichment, never an
// ingestion.
type MetadataRegistry interface {
	ChecksMetadata(ctx context.Context, entityKey string) ([]CheckMetadata, error)
}

// A DiffEngine turns raw policy-evaluation results into versioned decision
// snapshots.
//
// For every ingested result it loads the product's current snapshot, computes
// the semantic diff (new checks, affected-set membership changes, removed
// checks), enriches the new checks with registered severities, and persists
// the new snapshot through the same optimistic-concurrency discipline as twin
// updates, so concurrent ingestions for one product serialise through version
// conflicts instead of overwriting each other.
type DiffEngine struct {
	snapshots Store[DecisionSnapshot]
	registry  MetadataRegistry
	projector *ViewProjector // optional
	now       func() time.Time
}

// NewDiffEngine returns a DiffEngine persisting snapshots in the given store.
//
// The registry may be nil, in which case no severity is ever attached. The
// projector may be nil, in which case snapshots are persisted without updating
// the read-optimised views.
func NewDiffEngine(snapshots Store[DecisionSnapshot], registry MetadataRegistry, projector *ViewProjector) *DiffEngine {
	return &DiffEngine{
		snapshots: snapshots,
		registry:  registry,
		projector: projector,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one raw decision result for the product identified by
// entityKey and returns the version token of the newly persisted snapshot.
//
// Per-check parse failures are soft: they produce Inconclusive records and
// processing continues. Registry failures are soft: enrichment is skipped with
// a warning. Only a failure to persist the snapshot itself is surfaced to the
// caller, aborting ingestion for this product without affecting others.
func (e *DiffEngine) Ingest(ctx context.Context, entityKey string, result RawDecisionResult, decisionID string) (_ VersionToken, err error) {
	ctx, span := tracer.Start(ctx, "DiffEngine.Ingest", trace.WithAttributes(
		attribute.String("entity.key", entityKey),
		attribute.String("decision.id", decisionID),
	))
	defer span.End()
	logger := component.Logger(ctx).With("entity", entityKey, "decision", decisionID)
	ctx = component.InjectLogger(ctx, logger) // Inject for further logs down the call-stack.

	defer func(start time.Time) {
		measureIngest(ctx, entityKey, err == nil, time.Since(start))
	}(time.Now())

	severities := e.lookupSeverities(ctx, entityKey)
	executedOn := e.now()

	// The mutator runs once per conditional-write attempt, each time against
	// the latest persisted snapshot, so a lost race never loses a diff. The
	// snapshot of the winning attempt is kept for the projection below.
	var persisted DecisionSnapshot
	rev, err := Update(ctx, e.snapshots, entityKey, emptySnapshot, func(current DecisionSnapshot, _ map[string]string) (DecisionSnapshot, bool) {
		next := merge(ctx, current, result, decisionID, executedOn)
		applySeverities(ctx, next.Checks, severities)
		persisted = next
		return next, true
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return NoVersion, fmt.Errorf("persist snapshot of %q: %w", entityKey, err)
	}

	if e.projector != nil {
		if err = e.projector.Project(ctx, persisted, rev.Version, executedOn); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return NoVersion, fmt.Errorf("project snapshot of %q: %w", entityKey, err)
		}
	}
	return rev.Version, nil
}

// IngestLog unwraps a decision envelope and ingests its result. Envelopes
// without a result are skipped with a warning, mirroring the at-least-once
// delivery contract of the ingestion feed.
func (e *DiffEngine) IngestLog(ctx context.Context, entityKey string, log DecisionLog) (VersionToken, error) {
	if log.Result == nil {
		component.Logger(ctx).Warn("Missing result in decision log", "entity", entityKey, "decision", log.DecisionID)
		return NoVersion, ErrNoChange
	}
	return e.Ingest(ctx, entityKey, *log.Result, log.DecisionID)
}

// Snapshot returns a persisted decision snapshot. With NoVersion it returns
// the product's current snapshot, otherwise the exact revision addressed by
// the token.
func (e *DiffEngine) Snapshot(ctx context.Context, entityKey string, version VersionToken) (DecisionSnapshot, Revision, error) {
	return e.snapshots.Get(ctx, entityKey, version)
}

// lookupSeverities resolves the registry once per ingestion. A missing or
// failing registry yields an empty mapping and a warning.
func (e *DiffEngine) lookupSeverities(ctx context.Context, entityKey string) map[string]Severity {
	severities := make(map[string]Severity)
	if e.registry == nil {
		return severities
	}
	metadata, err := e.registry.ChecksMetadata(ctx, entityKey)
	if err != nil {
		component.Logger(ctx).Warn("Could not list check metadata, ingesting without severities", "error", err)
		return severities
	}
	for _, m := range metadata {
		severities[m.Key] = m.Severity
	}
	return severities
}

func applySeverities(ctx context.Context, checks []CheckRecord, severities map[string]Severity) {
	for i := range checks {
		severity, ok := severities[checks[i].Key]
		if !ok {
			component.Logger(ctx).Warn("Could not find metadata for check, unable to determine severity", "check", checks[i].Key)
			continue
		}
		checks[i].Severity = severity
	}
}

// merge computes the new decision snapshot from the product's current snapshot
// and an incoming raw result.
//
// Every raw check is normalised into a CheckRecord; the diff against the
// current snapshot's same-key record becomes a ChangeRecord only when the
// affected-set membership differs. Check keys present before but absent from
// the result are recorded as removed.
func merge(ctx context.Context, current DecisionSnapshot, result RawDecisionResult, decisionID string, executedOn time.Time) DecisionSnapshot {
	next := DecisionSnapshot{
		EntityKey:  current.EntityKey,
		DecisionID: decisionID,
		ExecutedOn: executedOn,
	}

	for _, raw := range result.Checks {
		affected := parseAffected(ctx, raw.Key, raw.Affected)

		record := CheckRecord{Key: raw.Key, Total: raw.Total, Affected: affected}
		switch {
		case affected == nil:
			record.State = StateInconclusive
			record.Error = affectedParseError
		case len(affected) == 0:
			record.State = StatePassed
		default:
			record.State = StateFailed
		}
		next.Checks = append(next.Checks, record)

		newResources := sortedKeys(affected)
		previous, existed := current.check(raw.Key)
		if !existed {
			next.Changes = append(next.Changes, ChangeRecord{
				CheckKey:       raw.Key,
				Type:           ChangeNewCheck,
				ResourcesAdded: newResources,
				CurrentState:   record.State,
			})
			continue
		}

		added, removed := diffResources(previous.Affected, affected)
		if len(added) > 0 || len(removed) > 0 {
			next.Changes = append(next.Changes, ChangeRecord{
				CheckKey:         raw.Key,
				Type:             ChangeResources,
				ResourcesAdded:   added,
				ResourcesRemoved: removed,
				CurrentState:     record.State,
				PreviousState:    previous.State,
			})
		}
		// Identical membership means no semantic change, even when incidental
		// fields such as the total moved.
	}

	for _, previous := range current.Checks {
		if _, still := next.check(previous.Key); !still {
			next.Changes = append(next.Changes, ChangeRecord{
				CheckKey:      previous.Key,
				Type:          ChangeCheckRemoved,
				PreviousState: previous.State,
			})
		}
	}
	return next
}

// diffResources returns the affected-set keys that appeared in and disappeared
// from the newer set, both sorted. A nil set contributes no keys.
func diffResources(older, newer map[string]any) (added, removed []string) {
	for key := range newer {
		if _, ok := older[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range older {
		if _, ok := newer[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func sortedKeys(set map[string]any) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
