/*
Package storetest provides a suite of tests designed to assess versioned
document-store engines (e.g. in-memory, postgres).

The tests operate on the specific engine via the [producttwin.Store] interface
to check functional correctness and compliance with the behaviours defined by
that interface: conditional writes, version pinning, history ordering, and the
key-scoping of version tokens.

Call storetest.Run in its own test, on a freshly created (empty) store:

	func TestEngine(t *testing.T) {
		store := memengine.New[producttwin.Document]()
		storetest.Run(t, store)
	}

The test cases in this suite focus on single-writer correctness. Specific
engines are encouraged to perform additional tests which are specific to the
underlying storage, in particular around concurrent conditional writes.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// A recorder carries revisions minted by earlier test-cases into later ones.
// Version tokens are opaque, so the only way a later case can pin or assert a
// revision is to remember the token the engine handed out.
type recorder struct {
	alphaFirst  producttwin.Revision
	alphaSecond producttwin.Revision
	beta        producttwin.Revision
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// Each case executes one or more operations on the tested store and
	// returns a problem describing any unexpected behaviour. Cases communicate
	// through the shared recorder.
	do func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) (problem string)
}

var cases = []testCase{
	{
		name:     "get-missing-key",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			_, _, err := s.Get(ctx, "subscriptions/alpha", producttwin.NoVersion)
			if !errors.Is(err, producttwin.ErrNotFound) {
				return fmt.Sprintf("Get(missing) = %v, want ErrNotFound", err)
			}
			return ""
		},
	},
	{
		name:     "list-empty-store",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			current, err := s.List(ctx)
			if err != nil {
				return fmt.Sprintf("List() failed: %v", err)
			}
			if len(current) != 0 {
				return fmt.Sprintf("len(List()) = %v, want 0", len(current))
			}
			return ""
		},
	},
	{
		name:     "history-of-missing-key",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			history, err := s.ListVersions(ctx, "subscriptions/alpha")
			if err != nil {
				return fmt.Sprintf("ListVersions(missing) failed: %v", err)
			}
			if len(history) != 0 {
				return fmt.Sprintf("len(ListVersions(missing)) = %v, want 0", len(history))
			}
			return ""
		},
	},
	{
		name:     "create-with-no-version",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha", "tier": "basic"}}
			rev, err := s.PutIfVersion(ctx, "subscriptions/alpha", doc, map[string]string{"author": "conformance"}, producttwin.NoVersion)
			if err != nil {
				return fmt.Sprintf("PutIfVersion(NoVersion) failed: %v", err)
			}
			if rev.Key != "subscriptions/alpha" {
				return fmt.Sprintf(".Key = %q, want %q", rev.Key, "subscriptions/alpha")
			}
			if rev.Version == producttwin.NoVersion {
				return ".Version is empty: every write mints a token"
			}
			if rev.CreatedAt.IsZero() {
				return ".CreatedAt is zero: every write is timestamped"
			}
			if rev.Metadata["author"] != "conformance" {
				return fmt.Sprintf(".Metadata = %v: metadata does not pass through", rev.Metadata)
			}
			r.alphaFirst = rev
			return ""
		},
	},
	{
		name:     "create-requires-absence",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha"}}
			_, err := s.PutIfVersion(ctx, "subscriptions/alpha", doc, nil, producttwin.NoVersion)
			if !errors.Is(err, producttwin.ErrVersionMismatch) {
				return fmt.Sprintf("PutIfVersion(NoVersion) over an existing key = %v, want ErrVersionMismatch", err)
			}
			return ""
		},
	},
	{
		name:     "read-back-current",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc, rev, err := s.Get(ctx, "subscriptions/alpha", producttwin.NoVersion)
			if err != nil {
				return fmt.Sprintf("Get(NoVersion) failed: %v", err)
			}
			if rev.Version != r.alphaFirst.Version {
				return fmt.Sprintf(".Version = %q, want %q", rev.Version, r.alphaFirst.Version)
			}
			want := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha", "tier": "basic"}}
			if diff := cmp.Diff(want, doc); diff != "" {
				return fmt.Sprintf("document mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "stale-write-rejected",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha"}}
			_, err := s.PutIfVersion(ctx, "subscriptions/alpha", doc, nil, producttwin.NewVersionToken())
			if !errors.Is(err, producttwin.ErrVersionMismatch) {
				return fmt.Sprintf("PutIfVersion(stale token) = %v, want ErrVersionMismatch", err)
			}
			return ""
		},
	},
	{
		name:     "replace-current",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha", "tier": "premium"}}
			rev, err := s.PutIfVersion(ctx, "subscriptions/alpha", doc, nil, r.alphaFirst.Version)
			if err != nil {
				return fmt.Sprintf("PutIfVersion(current token) failed: %v", err)
			}
			if rev.Version == r.alphaFirst.Version {
				return ".Version did not advance: each revision gets a distinct token"
			}
			r.alphaSecond = rev
			return ""
		},
	},
	{
		name:     "read-pinned-revision",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc, rev, err := s.Get(ctx, "subscriptions/alpha", r.alphaFirst.Version)
			if err != nil {
				return fmt.Sprintf("Get(first token) failed: %v", err)
			}
			if rev.Version != r.alphaFirst.Version {
				return fmt.Sprintf(".Version = %q, want the pinned %q", rev.Version, r.alphaFirst.Version)
			}
			want := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha", "tier": "basic"}}
			if diff := cmp.Diff(want, doc); diff != "" {
				return fmt.Sprintf("pinned document mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "tokens-are-key-scoped",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/beta"}}
			rev, err := s.PutIfVersion(ctx, "subscriptions/beta", doc, nil, producttwin.NoVersion)
			if err != nil {
				return fmt.Sprintf("PutIfVersion(beta) failed: %v", err)
			}
			r.beta = rev

			// A token minted for alpha addresses nothing in beta's history.
			_, _, err = s.Get(ctx, "subscriptions/beta", r.alphaFirst.Version)
			if !errors.Is(err, producttwin.ErrNotFound) {
				return fmt.Sprintf("Get(beta, alpha's token) = %v, want ErrNotFound", err)
			}
			return ""
		},
	},
	{
		name:     "history-newest-first",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			history, err := s.ListVersions(ctx, "subscriptions/alpha")
			if err != nil {
				return fmt.Sprintf("ListVersions() failed: %v", err)
			}
			want := []producttwin.VersionToken{r.alphaSecond.Version, r.alphaFirst.Version}
			got := make([]producttwin.VersionToken, 0, len(history))
			for _, rev := range history {
				got = append(got, rev.Version)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Sprintf("history mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "list-ordered-by-key",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			current, err := s.List(ctx)
			if err != nil {
				return fmt.Sprintf("List() failed: %v", err)
			}
			want := []producttwin.VersionToken{r.alphaSecond.Version, r.beta.Version}
			got := make([]producttwin.VersionToken, 0, len(current))
			for _, rev := range current {
				got = append(got, rev.Version)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Sprintf("listing mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
	{
		name:     "update-round-trip",
		location: locateSource(),
		do: func(ctx context.Context, s producttwin.Store[producttwin.Document], r *recorder) string {
			// Exercise the engine under the access pattern of the rest of the
			// library: a read-modify-conditional-write cycle through Update.
			rev, err := producttwin.Update(ctx, s, "subscriptions/alpha",
				func(key string) producttwin.Document { return producttwin.Document{} },
				func(doc producttwin.Document, metadata map[string]string) (producttwin.Document, bool) {
					doc["region"] = "westeurope"
					return doc, true
				})
			if err != nil {
				return fmt.Sprintf("Update() failed: %v", err)
			}
			doc, _, err := s.Get(ctx, "subscriptions/alpha", rev.Version)
			if err != nil {
				return fmt.Sprintf("Get(updated token) failed: %v", err)
			}
			want := producttwin.Document{
				"product": map[string]any{"code": "subscriptions/alpha", "tier": "premium"},
				"region":  "westeurope",
			}
			if diff := cmp.Diff(want, doc); diff != "" {
				return fmt.Sprintf("updated document mismatch (-want +got):\n%v", diff)
			}
			return ""
		},
	},
}

// Run executes a sequence of test cases on a versioned store engine through
// the producttwin.Store interface. The store must be empty when Run is called.
//
// We deliberately avoid receiving a contextual argument to ensure that the
// test suite runs under neutral conditions without any external influences or
// timeouts. The intention is to test the correctness of operations, not their
// performance or context-dependent behaviours.
//
// The testing process requires all cases to execute in a strict sequence
// because the revisions minted by one case are pinned and asserted by the
// next. This sequential execution is crucial in evaluating whether version
// history progresses correctly over a series of writes, akin to the
// real-world use of a store over time.
func Run(t *testing.T, store producttwin.Store[producttwin.Document]) {
	t.Helper()

	// We deliberately use the background context because this test-suite does
	// not check performance, and engine implementations should not depend on
	// specific context values.
	ctx := context.Background()

	var r recorder
	for _, c := range cases {
		// We encourage developers to read the source code directly, especially
		// when failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if problem := c.do(ctx, store, &r); problem != "" {
			// A test case cannot run if the previous case had failed, because
			// later cases pin the revisions minted by earlier ones.
			t.Fatalf("Test-case %v: %v", c.name, problem)
		}
	}
}

// Call this function to set the location of every test-case in the source
// file. The returned string is used to guide developers of store engines to
// the appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
