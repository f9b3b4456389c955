package producttwin_test

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/danielorbach/go-component/loader"

	producttwin "github.com/go-producttwin/go-producttwin"
	"github.com/go-producttwin/go-producttwin/checkmeta"
	"github.com/go-producttwin/go-producttwin/memengine"
)

// The following example walks the whole decision pipeline on in-memory
// engines: a twin gains facts, a policy result is ingested, and the latest
// view answers the dashboard query.
func ExampleDiffEngine_Ingest() {
	ctx := context.Background()

	// Twins and snapshots live in versioned stores; the projections live in a
	// wide-row store. In production these would be the postgres and redis
	// engines, here everything stays in memory.
	twins := producttwin.NewTwinStore(memengine.New[producttwin.Document](), nil)
	rows := memengine.NewWideRows()
	engine := producttwin.NewDiffEngine(
		memengine.New[producttwin.DecisionSnapshot](),
		checkmeta.Static{{Key: "encryption-in-transit", Severity: producttwin.SeverityHigh}},
		producttwin.NewViewProjector(rows),
	)

	// Fact gatherers update the twin; the first update creates it from a
	// minimal shell carrying the product code.
	_, err := twins.Update(ctx, "subscriptions/alpha",
		func(twin producttwin.Document, _ map[string]string) (producttwin.Document, bool) {
			twin["storage"] = map[string]any{"accounts": []any{"st1", "st2"}}
			return twin, true
		})
	if err != nil {
		panic(err)
	}

	// A policy evaluation of that twin produced a raw result; ingesting it
	// persists a snapshot, computes the diff and updates the projections.
	result := producttwin.RawDecisionResult{Checks: []producttwin.RawCheck{
		{Key: "encryption-in-transit", Total: 2, Affected: []byte(`["st2"]`)},
	}}
	if _, err := engine.Ingest(ctx, "subscriptions/alpha", result, producttwin.NewDecisionID()); err != nil {
		panic(err)
	}

	// The latest view answers without touching the snapshots.
	views, err := producttwin.NewViewProjector(rows).Latest(ctx, "subscriptions/alpha")
	if err != nil {
		panic(err)
	}
	for _, view := range views {
		for _, check := range view.Checks {
			fmt.Printf("%s: %s (%d of %d affected, severity %s)\n",
				check.Key, check.State, *check.AffectedCount, check.Total, check.Severity)
		}
	}

	// Output:
	// encryption-in-transit: Failed (1 of 2 affected, severity High)
}

//=============================================================================

// Next, we create a component.Descriptor that will be used to bootstrap a
// deployable evaluation pipeline.

// Component describes an exemplar deployment that listens for twin changes,
// evaluates policies and ingests the decisions.
//
// For this example, we will omit most of its fields - do not omit them in your
// own components.
var Component = component.Descriptor{
	Name: "ExampleEvaluator",
	// ...
	Bootstrap: func(l *component.L, linker component.Linker, options any) error {
		logger := component.Logger(l.Context())

		// The twin-changed feed arrives over an interest subscription.
		twinChangedAspect := "product-twin.twin-changed"
		logger.Debug("Opening interest subscription...", slog.String("topic-name", twinChangedAspect))
		twinChanges, err := linker.LinkInterest(l.GraceContext(), twinChangedAspect)
		if err != nil {
			return fmt.Errorf("open interest %q: %w", twinChangedAspect, err)
		}
		l.CleanupBackground(twinChanges.Shutdown)

		// This example never runs, so we don't bother fabricating functional
		// stores or a policy evaluator.
		var (
			twins     *producttwin.TwinStore
			evaluator producttwin.PolicyEvaluator
			engine    *producttwin.DiffEngine
		)
		l.Fork("evaluate-changes", producttwin.EvaluateChanges(twins, evaluator, engine, twinChanges))

		return nil
	},
	Interests: []string{"product-twin.twin-changed"},
}

// Finally, we load the component descriptor as part of an executable's main()
// function using component.EntrypointProc (see the component package for more
// details).
func ExampleEvaluateChanges() {
	loader.ParseFlags(&Component)
	// A deployable executable must know how to load its component descriptors.
	//
	// For this example, leave that part to your imagination.
}
