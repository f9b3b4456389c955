package producttwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-producttwin/go-producttwin")
var meter = otel.Meter("github.com/go-producttwin/go-producttwin")

const (
	// entityKeyAttr is the attribute key used to associate each record with
	// the corresponding product. This enables both collective examination
	// across all products and individual analysis per product.
	entityKeyAttr = "entity"
	// tableAttr is the attribute key naming the projection table a record
	// belongs to.
	tableAttr = "table"
)

var (
	// ingestDuration measures the duration of a single decision ingestion,
	// including the diff computation, the conditional-write cycle, and the
	// projection writes.
	//
	// Each record is associated with the entityKeyAttr.
	ingestDuration metric.Float64Histogram
	// ingestFailures measures the number of failed decision ingestions.
	//
	// Each record is associated with the entityKeyAttr.
	ingestFailures metric.Int64Counter
	// updateRetries measures the number of conditional-write retries caused by
	// concurrent writers to the same key.
	updateRetries metric.Int64Counter
	// projectionRows measures the number of physical batch rows written to the
	// projection tables.
	//
	// Each record is associated with the tableAttr.
	projectionRows metric.Int64Counter
)

func init() {
	var err error
	ingestDuration, err = meter.Float64Histogram(
		"decision.ingest.duration",
		metric.WithDescription("The duration of a single decision ingestion, including the diff computation, the conditional-write cycle, and the projection writes."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("producttwin: failed to init 'decision.ingest.duration' instrument")
	}

	ingestFailures, err = meter.Int64Counter(
		"decision.ingest.failures",
		metric.WithDescription("The number of decision ingestions that have failed."),
	)
	if err != nil {
		panic("producttwin: failed to init 'decision.ingest.failures' instrument")
	}

	updateRetries, err = meter.Int64Counter(
		"store.update.retries",
		metric.WithDescription("The number of conditional-write retries caused by concurrent writers to the same key."),
	)
	if err != nil {
		panic("producttwin: failed to init 'store.update.retries' instrument")
	}

	projectionRows, err = meter.Int64Counter(
		"projection.rows.written",
		metric.WithDescription("The number of physical batch rows written to the projection tables."),
	)
	if err != nil {
		panic("producttwin: failed to init 'projection.rows.written' instrument")
	}
}

// measureIngest measures one ingestion using the ingestDuration and
// ingestFailures instruments. A successful ingestion records its duration; a
// failed one increments the failure counter.
func measureIngest(ctx context.Context, entityKey string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(entityKeyAttr, entityKey))
	if succeeded {
		// We use floating-point division here for higher precision (instead of
		// the Millisecond method).
		duration := float64(d) / float64(time.Millisecond)
		ingestDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		ingestFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureUpdateRetry(ctx context.Context, key string) {
	updateRetries.Add(ctx, 1, metric.WithAttributeSet(
		attribute.NewSet(attribute.String(entityKeyAttr, key)),
	))
}

func measureProjection(ctx context.Context, table string, rows int) {
	projectionRows.Add(ctx, int64(rows), metric.WithAttributeSet(
		attribute.NewSet(attribute.String(tableAttr, table)),
	))
}
