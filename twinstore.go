package producttwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"gocloud.dev/pubsub"
)

// Register the change notification type using gob.Register(). This is required
// to decode the notified event on the consuming side.
func init() {
	gob.Register(TwinChanged{})
}

// TwinChanged notifies that the twin document of one product gained a new
// revision. The message is delivered at least once, so consumers must be
// idempotent.
type TwinChanged struct {
	EntityKey string
	Version   VersionToken
	// The time, in UTC, the change was committed. The information in this
	// message is accurate up to this timestamp, not a moment afterwards.
	Timestamp time.Time
}

// A TwinStore maintains the digital twins of products on top of a versioned
// document store.
//
// It owns the "apply mutation, detect no-op, emit change event" workflow:
// a twin is created lazily on the first successful update (seeded with a
// minimal default shell), mutated via read-modify-conditional-write, and never
// deleted, only superseded by new revisions. A successful update with changes
// publishes exactly one TwinChanged notification; failed or no-op updates
// notify nothing.
type TwinStore struct {
	docs    Store[Document]
	changes *pubsub.Topic // may be nil when nobody listens
	update  []UpdateOption
}

// NewTwinStore returns a TwinStore over the given document store. The changes
// topic receives a gob-encoded TwinChanged for every committed update; pass
// nil to disable notifications.
func NewTwinStore(docs Store[Document], changes *pubsub.Topic, opts ...UpdateOption) *TwinStore {
	return &TwinStore{docs: docs, changes: changes, update: opts}
}

// seedTwin is the default shell of a twin that does not exist yet. Mutators
// always receive at least this much.
func seedTwin(key string) Document {
	return Document{"product": map[string]any{"code": key}}
}

// Get returns the twin document of the product. With NoVersion it returns the
// current revision, otherwise the exact revision addressed by the token.
func (s *TwinStore) Get(ctx context.Context, key string, version VersionToken) (Document, Revision, error) {
	return s.docs.Get(ctx, key, version)
}

// List returns the current revision metadata of every twin, ordered by entity
// key ascending. Twin content is not loaded.
func (s *TwinStore) List(ctx context.Context) ([]Revision, error) {
	return s.docs.List(ctx)
}

// ListVersions returns the revision metadata of one twin, newest first.
func (s *TwinStore) ListVersions(ctx context.Context, key string) ([]Revision, error) {
	return s.docs.ListVersions(ctx, key)
}

// Update applies the mutator to the product's twin under the store's
// optimistic-concurrency discipline (see Update) and, if the mutator reported
// changes, publishes a single TwinChanged notification.
//
// Update returns the token of the new revision, ErrNoChange if the mutator
// declined to change anything, or ErrConflictExhausted after too many lost
// races.
func (s *TwinStore) Update(ctx context.Context, key string, mutate Mutator[Document]) (VersionToken, error) {
	// Mutators receive a deep copy of the current document, so a retried
	// mutator never observes its own previous modifications.
	rev, err := Update(ctx, s.docs, key, seedTwin, func(twin Document, metadata map[string]string) (Document, bool) {
		return mutate(twin.Clone(), metadata)
	}, s.update...)
	if errors.Is(err, ErrNoChange) {
		return NoVersion, ErrNoChange
	} else if err != nil {
		return NoVersion, err
	}

	if s.changes != nil {
		if err := publishChange(ctx, s.changes, TwinChanged{EntityKey: key, Version: rev.Version, Timestamp: rev.CreatedAt}); err != nil {
			// The write has already been committed; the notification is the
			// part that failed. Surface it so the caller can republish (the
			// channel is at-least-once anyway).
			return rev.Version, fmt.Errorf("notify change of %q: %w", key, err)
		}
	}
	return rev.Version, nil
}

func publishChange(ctx context.Context, topic *pubsub.Topic, changed TwinChanged) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(changed); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: body.Bytes()}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
