package producttwin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// A VersionToken identifies a specific immutable revision of a stored value
// for one key. Tokens are opaque strings: callers must not parse their
// internal structure, and tokens round-trip through encoding and decoding
// without reinterpretation.
//
// A token is only meaningful for the key it was minted for. Presenting a token
// against an unrelated key yields ErrNotFound.
type VersionToken string

// NoVersion is the zero VersionToken. Passing it to Store.Get selects the
// current revision; passing it to Store.PutIfVersion asserts that the key does
// not exist yet.
const NoVersion VersionToken = ""

// NewVersionToken mints a fresh opaque token. Engines that have no native
// revision identifier (e.g. the in-memory engine) call this for every write;
// engines with native identifiers are free to encode their own, as long as the
// result survives a round-trip as a plain string.
func NewVersionToken() VersionToken {
	id := uuid.New()
	return VersionToken(base64.RawURLEncoding.EncodeToString(id[:]))
}

// A Revision describes one immutable revision of a stored value without its
// content.
type Revision struct {
	// Key of the stored value.
	Key string
	// Version addresses this revision in Store.Get.
	Version VersionToken
	// CreatedAt is the time, in UTC, the revision was written.
	CreatedAt time.Time
	// Size is a hint of the encoded payload size in bytes.
	Size int64
	// Metadata carries the storage-level metadata merged in on write. It is
	// passed through for auditing and never interpreted by the store.
	Metadata map[string]string
}

// ErrNotFound reports that a requested key or version is absent. It is
// returned, never panicked: absence is a normal answer.
var ErrNotFound = errors.New("producttwin: not found")

// ErrVersionMismatch reports that a conditional write observed a different
// current version than the caller asserted. Engines return it from
// PutIfVersion; the Update helper absorbs it into its retry loop.
var ErrVersionMismatch = errors.New("producttwin: version mismatch")

// ErrNoChange reports that a mutator declined to change the value, so no write
// occurred and no notification was emitted.
var ErrNoChange = errors.New("producttwin: no change")

// ErrConflictExhausted reports that the conditional-write retry budget was
// spent without a single write landing. The caller's update does not apply;
// updates to other keys are unaffected.
var ErrConflictExhausted = errors.New("producttwin: conflicting writers exhausted retries")

// A Store is a generic key-to-value store with per-key optimistic concurrency
// and version history. Values are encoded as JSON documents by the engine, so
// V must marshal cleanly through encoding/json.
//
// Updates to different keys are fully independent and may proceed in parallel.
// Updates to the same key serialise only through the conditional write: no
// lock is held across a read-modify-write cycle, and readers may observe the
// pre-write state at any time.
type Store[V any] interface {
	// Get returns the value and revision stored for the key. With NoVersion it
	// returns the current revision; otherwise it returns the exact revision
	// addressed by the token. Missing keys and foreign tokens yield
	// ErrNotFound.
	Get(ctx context.Context, key string, version VersionToken) (V, Revision, error)

	// List returns the current revision of every key, ordered by key
	// ascending. Content is not loaded.
	List(ctx context.Context) ([]Revision, error)

	// ListVersions returns every revision of the key, newest first.
	ListVersions(ctx context.Context, key string) ([]Revision, error)

	// PutIfVersion writes a new revision of the key, guarded by the version
	// the caller observed at read time. Passing NoVersion asserts the key is
	// absent. On a lost race it returns ErrVersionMismatch and writes nothing.
	PutIfVersion(ctx context.Context, key string, value V, metadata map[string]string, expect VersionToken) (Revision, error)
}

// A Mutator transforms an in-memory snapshot of a stored value. It must be
// pure, synchronous logic: every retry of the surrounding conditional-write
// loop re-reads the latest revision and reapplies the mutator to it, so side
// effects would be repeated.
//
// The metadata map is a side channel the mutator may populate; the store
// merges it into storage-level metadata on write.
//
// The returned bool reports whether the value changed. Returning false makes
// the whole update a no-op regardless of how the value was modified.
type Mutator[V any] func(value V, metadata map[string]string) (V, bool)

// DefaultRetryLimit bounds the conditional-write cycles of Update. Exhausting
// it is reported as ErrConflictExhausted.
const DefaultRetryLimit = 6

type updateOptions struct {
	retryLimit int
	backoff    time.Duration
}

// An UpdateOption adjusts the retry behaviour of Update.
type UpdateOption func(*updateOptions)

// WithRetryLimit overrides the bound on conditional-write attempts.
func WithRetryLimit(n int) UpdateOption {
	return func(o *updateOptions) { o.retryLimit = n }
}

// WithBackoff sets the pause between conflicting attempts. The default is no
// pause, matching the tight retry loop of the storage engines this library
// grew up against.
func WithBackoff(d time.Duration) UpdateOption {
	return func(o *updateOptions) { o.backoff = d }
}

// Update runs a read-modify-conditional-write cycle for one key.
//
// It reads the current value (or seeds a fresh one if the key is absent),
// applies the mutator, and attempts a conditional write guarded by the version
// observed at read time. When another writer lands first, Update re-reads the
// latest revision and reapplies the mutator, up to the retry limit. No stale
// read is ever reapplied.
//
// Update returns the revision of the written value, ErrNoChange if the mutator
// declined to change anything (no write occurs), or ErrConflictExhausted once
// the retry budget is spent.
func Update[V any](ctx context.Context, s Store[V], key string, seed func(key string) V, mutate Mutator[V], opts ...UpdateOption) (Revision, error) {
	options := updateOptions{retryLimit: DefaultRetryLimit}
	for _, opt := range opts {
		opt(&options)
	}

	for attempt := 0; attempt < options.retryLimit; attempt++ {
		if attempt > 0 {
			measureUpdateRetry(ctx, key)
			// Pause between attempts, while honouring context cancellation. A
			// caller that gives up mid-retry simply does not complete the
			// update; partial retries never commit a write.
			if options.backoff > 0 {
				select {
				case <-time.After(options.backoff):
				case <-ctx.Done():
					return Revision{}, ctx.Err()
				}
			}
		}

		value, rev, err := s.Get(ctx, key, NoVersion)
		expect := rev.Version
		if errors.Is(err, ErrNotFound) {
			value = seed(key)
			expect = NoVersion
		} else if err != nil {
			return Revision{}, fmt.Errorf("read current %q: %w", key, err)
		}

		metadata := make(map[string]string)
		value, changed := mutate(value, metadata)
		if !changed {
			return Revision{}, ErrNoChange
		}

		written, err := s.PutIfVersion(ctx, key, value, metadata, expect)
		if errors.Is(err, ErrVersionMismatch) {
			// Another writer updated the key concurrently. Loop around to
			// re-read the latest revision and reapply the mutator.
			continue
		} else if err != nil {
			return Revision{}, fmt.Errorf("conditional write %q: %w", key, err)
		}
		return written, nil
	}
	return Revision{}, fmt.Errorf("update %q after %d attempts: %w", key, options.retryLimit, ErrConflictExhausted)
}
