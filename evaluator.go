package producttwin

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// A PolicyEvaluator evaluates the policy checks of one twin document and
// returns the raw decision result. It is an opaque external collaborator: the
// diff and storage core carries no dependency on its transport or
// implementation.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, twin Document) (RawDecisionResult, error)
}

// NewDecisionID mints the identifier under which one raw decision is recorded.
func NewDecisionID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// EvaluateChanges returns a component.Proc that subscribes to twin change
// notifications, loads the twin at the notified revision, invokes the policy
// evaluator, and ingests the decision result through the given engine.
//
// Failures are isolated per notification: a twin that has vanished, an
// evaluator error, or a failed ingestion is logged and skipped, and the loop
// moves on to the next message. The feed is at-least-once, so a skipped
// notification is recovered by the next change (or a bulk re-evaluation).
func EvaluateChanges(twins *TwinStore, evaluator PolicyEvaluator, engine *DiffEngine, source *pubsub.Subscription) component.Proc {
	return GobEventSource(source, TwinChanged{}).Stream(func(ctx context.Context, msg any) error {
		changed := msg.(TwinChanged)
		logger := component.Logger(ctx).With("entity", changed.EntityKey, "version", string(changed.Version))
		ctx = component.InjectLogger(ctx, logger)

		twin, _, err := twins.Get(ctx, changed.EntityKey, changed.Version)
		if errors.Is(err, ErrNotFound) {
			logger.Warn("Notified twin revision no longer exists, skipping evaluation")
			return nil
		} else if err != nil {
			logger.Error("Could not load twin, skipping evaluation", "error", err)
			return nil
		}

		result, err := evaluator.Evaluate(ctx, twin)
		if err != nil {
			logger.Error("Policy evaluation failed, skipping ingestion", "error", err)
			return nil
		}

		decisionID := NewDecisionID()
		version, err := engine.Ingest(ctx, changed.EntityKey, result, decisionID)
		if err != nil {
			logger.Error("Could not ingest decision", "decision", decisionID, "error", err)
			return nil
		}
		logger.Info("Processed twin change", "decision", decisionID, "snapshot", string(version))
		return nil
	})
}

// EvaluateAll republishes a change notification for every twin, forcing a
// re-evaluation of the whole estate (or the subset named by entityKeys).
//
// It returns how many notifications were published out of how many twins were
// selected. Per-twin publish failures are logged and reflected in the count;
// only a failure to list the twins at all, or a run in which every single
// publish failed, is reported as an error.
func EvaluateAll(ctx context.Context, twins *TwinStore, changes *pubsub.Topic, entityKeys []string) (published, total int, err error) {
	revisions, err := twins.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list twins: %w", err)
	}

	if len(entityKeys) > 0 {
		selected := make(map[string]bool, len(entityKeys))
		for _, key := range entityKeys {
			selected[key] = true
		}
		var filtered []Revision
		for _, rev := range revisions {
			if selected[rev.Key] {
				filtered = append(filtered, rev)
			}
		}
		revisions = filtered
	}

	var succeeded atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, rev := range revisions {
		g.Go(func() error {
			notice := TwinChanged{EntityKey: rev.Key, Version: rev.Version, Timestamp: rev.CreatedAt}
			if err := publishChange(ctx, changes, notice); err != nil {
				component.Logger(ctx).Error("Could not republish twin change", "entity", rev.Key, "error", err)
				return nil // isolated: keep publishing the rest
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait() // per-twin errors never propagate

	published, total = int(succeeded.Load()), len(revisions)
	if total > 0 && published == 0 {
		return published, total, fmt.Errorf("republish twin changes: all %d publishes failed", total)
	}
	return published, total, nil
}
