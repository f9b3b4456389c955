package producttwin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// A WideRow is one physical row of a read-optimised projection: a bounded
// mapping of field names to string values, addressed by partition and row key.
type WideRow struct {
	PartitionKey string
	RowKey       string
	Fields       map[string]string
}

// A RowRange bounds a query by inclusive lexical row-key limits. The zero
// value is unbounded on both sides.
type RowRange struct {
	From string // inclusive lower bound; empty means unbounded
	To   string // inclusive upper bound; empty means unbounded
}

// A WideRowStore stores projection rows with a hard cap on embeddable fields
// per row. The interface is deliberately narrow so the projection logic works
// equally over a key-value store, a relational table, or an in-memory map.
//
// Query returns the partition's rows within the range, ordered by row key
// ascending. Upsert replaces a whole row. Delete removes a row and is a no-op
// for rows that do not exist.
type WideRowStore interface {
	Upsert(ctx context.Context, table string, row WideRow) error
	Query(ctx context.Context, table, partition string, rows RowRange) ([]WideRow, error)
	Delete(ctx context.Context, table, partition, rowKey string) error
}

// Projection table names.
const (
	// HistoryTable holds one logical row per product per evaluation,
	// partitioned by entity key and row-keyed so that ascending key order is
	// reverse-chronological.
	HistoryTable = "decision_history"
	// LatestTable holds one logical row per product in a single constant
	// partition, overwritten on every projection.
	LatestTable = "decision_latest"
)

// latestPartition is the constant partition key of the latest view.
const latestPartition = "LATEST"

// Shared fields every batch row carries next to its check fields.
const (
	fieldEntity  = "entity"
	fieldVersion = "version"
	fieldDate    = "date"
)

// checkFieldPrefix namespaces the per-check fields of a batch row.
const checkFieldPrefix = "C_"

// DefaultBatchSize is the number of checks embedded per physical row. A single
// row has a hard cap on fields, so snapshots with more checks split into
// multiple batch rows sharing the same logical identity.
const DefaultBatchSize = 150

// A ProjectedCheck is the compact, queryable form of a check within a
// projection row: the full affected detail is dropped, only its cardinality
// survives.
type ProjectedCheck struct {
	Key   string     `json:"key"`
	State CheckState `json:"state"`
	Total int        `json:"total"`
	// AffectedCount is nil when the check was Inconclusive (the affected shape
	// never parsed into a set).
	AffectedCount *int     `json:"affectedCount"`
	Severity      Severity `json:"severity,omitempty"`
}

// A DecisionView is one reconstructed logical projection row: all batch rows
// sharing the same logical identity concatenated back into a single check
// list.
type DecisionView struct {
	EntityKey  string           `json:"entityKey"`
	ExecutedOn time.Time        `json:"executedOn"`
	Version    VersionToken     `json:"version"`
	Checks     []ProjectedCheck `json:"checks"`
}

// A ViewProjector serialises decision snapshots into the two read-optimised
// projections and answers the corresponding queries.
type ViewProjector struct {
	rows      WideRowStore
	batchSize int
	now       func() time.Time
}

// A ProjectorOption adjusts a ViewProjector.
type ProjectorOption func(*ViewProjector)

// WithBatchSize overrides the number of checks per physical row. Use it when
// the underlying WideRowStore caps fields below the default.
func WithBatchSize(n int) ProjectorOption {
	return func(p *ViewProjector) { p.batchSize = n }
}

// NewViewProjector returns a projector writing through the given store.
func NewViewProjector(rows WideRowStore, opts ...ProjectorOption) *ViewProjector {
	p := &ViewProjector{
		rows:      rows,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project writes the snapshot into both projections: an append to the history
// view and an overwrite of the latest view. The two writes proceed in
// parallel; either failure fails the projection as a whole, leaving the other
// view possibly updated (consumers tolerate that, the feed is at-least-once).
func (p *ViewProjector) Project(ctx context.Context, snapshot DecisionSnapshot, version VersionToken, at time.Time) error {
	ctx, span := tracer.Start(ctx, "ViewProjector.Project", trace.WithAttributes(
		attribute.String("entity.key", snapshot.EntityKey),
		attribute.Int("checks", len(snapshot.Checks)),
	))
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.projectHistory(ctx, snapshot, version, at) })
	g.Go(func() error { return p.projectLatest(ctx, snapshot, version, at) })
	return g.Wait()
}

func (p *ViewProjector) projectHistory(ctx context.Context, snapshot DecisionSnapshot, version VersionToken, at time.Time) error {
	batches := chunk(snapshot.Checks, p.batchSize)
	for i, batch := range batches {
		row := p.batchRow(snapshot, version, at, batch)
		row.PartitionKey = snapshot.EntityKey
		row.RowKey = fmt.Sprintf("%s_%03d", invertedStamp(at), i)
		if err := p.rows.Upsert(ctx, HistoryTable, row); err != nil {
			return fmt.Errorf("upsert history row %q: %w", row.RowKey, err)
		}
	}
	measureProjection(ctx, HistoryTable, len(batches))
	return nil
}

func (p *ViewProjector) projectLatest(ctx context.Context, snapshot DecisionSnapshot, version VersionToken, at time.Time) error {
	batches := chunk(snapshot.Checks, p.batchSize)
	for i, batch := range batches {
		row := p.batchRow(snapshot, version, at, batch)
		row.PartitionKey = latestPartition
		row.RowKey = fmt.Sprintf("%s_%03d", snapshot.EntityKey, i)
		if err := p.rows.Upsert(ctx, LatestTable, row); err != nil {
			return fmt.Errorf("upsert latest row %q: %w", row.RowKey, err)
		}
	}
	measureProjection(ctx, LatestTable, len(batches))

	// A snapshot with fewer checks than its predecessor writes fewer batch
	// rows, which would leave the predecessor's surplus rows serving stale
	// checks forever. Reconcile by deleting every row past the new batch
	// count.
	stale, err := p.rows.Query(ctx, LatestTable, latestPartition, entityRowRange(snapshot.EntityKey))
	if err != nil {
		return fmt.Errorf("query latest rows of %q: %w", snapshot.EntityKey, err)
	}
	cutoff := fmt.Sprintf("%s_%03d", snapshot.EntityKey, len(batches))
	for _, row := range stale {
		if row.RowKey >= cutoff {
			if err := p.rows.Delete(ctx, LatestTable, latestPartition, row.RowKey); err != nil {
				return fmt.Errorf("delete stale latest row %q: %w", row.RowKey, err)
			}
		}
	}
	return nil
}

// batchRow builds one physical row carrying the shared snapshot fields plus
// one batch worth of encoded check fields.
func (p *ViewProjector) batchRow(snapshot DecisionSnapshot, version VersionToken, at time.Time, batch []CheckRecord) WideRow {
	fields := map[string]string{
		fieldEntity:  snapshot.EntityKey,
		fieldVersion: string(version),
		fieldDate:    at.UTC().Format(time.RFC3339Nano),
	}
	for _, check := range batch {
		fields[checkFieldPrefix+check.Key] = encodeCheckField(check)
	}
	return WideRow{Fields: fields}
}

// Latest returns the reconstructed latest view. With an entity key it is
// filtered to that product; with the empty string it lists every product,
// ordered by entity key ascending.
func (p *ViewProjector) Latest(ctx context.Context, entityKey string) ([]DecisionView, error) {
	var rows RowRange
	if entityKey != "" {
		rows = entityRowRange(entityKey)
	}
	matched, err := p.rows.Query(ctx, LatestTable, latestPartition, rows)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}

	views := reconstruct(ctx, matched, func(row WideRow) string { return row.Fields[fieldEntity] })
	sort.Slice(views, func(i, j int) bool { return views[i].EntityKey < views[j].EntityKey })
	return views, nil
}

// History returns the reconstructed history of one product covering the given
// number of days back from now, newest first.
func (p *ViewProjector) History(ctx context.Context, entityKey string, daysBack int) ([]DecisionView, error) {
	// Row keys embed an inverted timestamp, so "newer than the cutoff" is an
	// upper lexical bound.
	cutoff := p.now().AddDate(0, 0, -daysBack)
	matched, err := p.rows.Query(ctx, HistoryTable, entityKey, RowRange{To: invertedStamp(cutoff) + "_999"})
	if err != nil {
		return nil, fmt.Errorf("query history of %q: %w", entityKey, err)
	}

	views := reconstruct(ctx, matched, func(row WideRow) string { return row.Fields[fieldDate] })
	sort.Slice(views, func(i, j int) bool { return views[i].ExecutedOn.After(views[j].ExecutedOn) })
	return views, nil
}

// reconstruct groups batch rows by logical identity and concatenates their
// check fields back into one check list per group. Fields that fail to decode
// are logged and skipped rather than failing the whole view.
func reconstruct(ctx context.Context, rows []WideRow, identity func(WideRow) string) []DecisionView {
	logger := component.Logger(ctx)

	groups := make(map[string]*DecisionView)
	var order []string
	for _, row := range rows {
		id := identity(row)
		view, ok := groups[id]
		if !ok {
			executedOn, err := time.Parse(time.RFC3339Nano, row.Fields[fieldDate])
			if err != nil {
				logger.Warn("Projection row has an unreadable date", "rowKey", row.RowKey, "error", err)
			}
			view = &DecisionView{
				EntityKey:  row.Fields[fieldEntity],
				ExecutedOn: executedOn,
				Version:    VersionToken(row.Fields[fieldVersion]),
			}
			groups[id] = view
			order = append(order, id)
		}
		for name, encoded := range row.Fields {
			if !strings.HasPrefix(name, checkFieldPrefix) {
				continue
			}
			check, err := decodeCheckField(strings.TrimPrefix(name, checkFieldPrefix), encoded)
			if err != nil {
				logger.Warn("Projection row has an unreadable check field", "rowKey", row.RowKey, "field", name, "error", err)
				continue
			}
			view.Checks = append(view.Checks, check)
		}
	}

	views := make([]DecisionView, 0, len(order))
	for _, id := range order {
		view := groups[id]
		sort.Slice(view.Checks, func(i, j int) bool { return view.Checks[i].Key < view.Checks[j].Key })
		views = append(views, *view)
	}
	return views
}

// affectedCountSentinel encodes a nil affected set (Inconclusive check) in the
// compact field format.
const affectedCountSentinel = "N/A"

// encodeCheckField packs one check into the compact projection format:
// <state>|<total>|<affectedCount-or-sentinel>|<severity>.
func encodeCheckField(check CheckRecord) string {
	count := affectedCountSentinel
	if check.Affected != nil {
		count = strconv.Itoa(len(check.Affected))
	}
	return fmt.Sprintf("%s|%d|%s|%s", check.State, check.Total, count, check.Severity)
}

// decodeCheckField unpacks a compact projection field.
//
// Decoding tolerates a missing severity segment (older rows were written
// without one) and collapses unknown states and severities to Inconclusive and
// unset respectively, so newer writers never break older readers.
func decodeCheckField(key, data string) (ProjectedCheck, error) {
	parts := strings.Split(data, "|")
	if len(parts) < 3 {
		return ProjectedCheck{}, fmt.Errorf("malformed check field %q", data)
	}

	check := ProjectedCheck{Key: key}

	switch state := CheckState(parts[0]); state {
	case StatePassed, StateFailed, StateInconclusive:
		check.State = state
	default:
		check.State = StateInconclusive
	}

	total, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProjectedCheck{}, fmt.Errorf("malformed total in check field %q: %w", data, err)
	}
	check.Total = total

	if !strings.EqualFold(parts[2], affectedCountSentinel) {
		count, err := strconv.Atoi(parts[2])
		if err != nil {
			return ProjectedCheck{}, fmt.Errorf("malformed affected count in check field %q: %w", data, err)
		}
		check.AffectedCount = &count
	}

	if len(parts) > 3 && knownSeverity(Severity(parts[3])) {
		check.Severity = Severity(parts[3])
	}
	return check, nil
}

// invertedStamp renders the timestamp so that ascending lexical order is
// reverse-chronological: newer times sort first.
func invertedStamp(t time.Time) string {
	return fmt.Sprintf("%019d", math.MaxInt64-t.UTC().UnixNano())
}

// entityRowRange bounds a row-key query to the batch rows of one product. The
// batch index suffix is three digits, so "_000".."_999" covers every possible
// batch.
func entityRowRange(entityKey string) RowRange {
	return RowRange{From: entityKey + "_000", To: entityKey + "_999"}
}

// chunk splits items into fixed-size groups, preserving order. The final
// group may be shorter. Zero items yield a single empty group so that callers
// always write at least one row carrying the shared fields.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return [][]T{nil}
	}
	groups := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		groups = append(groups, items[:size])
		items = items[size:]
	}
	return append(groups, items)
}
