package pgengine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-producttwin/go-producttwin/pgengine")
var meter = otel.Meter("github.com/go-producttwin/go-producttwin/pgengine")

// storeAttr is the attribute key used to associate each record with the store
// name (e.g. "twins", "decisions") sharing the database.
const storeAttr = "store"

// writeConflicts measures the number of conditional writes lost to a
// concurrent writer. A steadily climbing rate for one store hints that its
// writers contend on few keys.
//
// Each record is associated with the storeAttr.
var writeConflicts metric.Int64Counter

func init() {
	var err error
	writeConflicts, err = meter.Int64Counter(
		"documents.write.conflicts",
		metric.WithDescription("The number of conditional writes lost to a concurrent writer."),
	)
	if err != nil {
		panic("pgengine: failed to init 'documents.write.conflicts' instrument")
	}
}

func measureConflict(ctx context.Context, store string) {
	writeConflicts.Add(ctx, 1, metric.WithAttributeSet(
		attribute.NewSet(attribute.String(storeAttr, store)),
	))
}
