package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// A revision pairs the encoded payload of one write with its metadata. The
// payload is kept as encoded JSON so that readers always decode a private
// copy; handing out the caller's original value would alias mutable trees
// across goroutines.
type revision struct {
	meta producttwin.Revision
	body []byte
}

// A Store is an in-memory versioned store. The zero value is not usable; call
// New.
type Store[V any] struct {
	mu   sync.Mutex
	keys map[string][]revision // revisions of a key, oldest first
	now  func() time.Time
}

// New returns an empty in-memory store.
func New[V any]() *Store[V] {
	return &Store[V]{
		keys: make(map[string][]revision),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Get implements producttwin.Store.
func (s *Store[V]) Get(ctx context.Context, key string, version producttwin.VersionToken) (V, producttwin.Revision, error) {
	var value V

	s.mu.Lock()
	defer s.mu.Unlock()

	revisions := s.keys[key]
	if len(revisions) == 0 {
		return value, producttwin.Revision{}, producttwin.ErrNotFound
	}

	found := revisions[len(revisions)-1]
	if version != producttwin.NoVersion {
		found = revision{}
		for _, r := range revisions {
			if r.meta.Version == version {
				found = r
				break
			}
		}
		if found.body == nil {
			// Tokens are scoped to the key they were minted for; a token from
			// another key's history is simply absent here.
			return value, producttwin.Revision{}, producttwin.ErrNotFound
		}
	}

	if err := json.Unmarshal(found.body, &value); err != nil {
		return value, producttwin.Revision{}, fmt.Errorf("decode revision %q of %q: %w", found.meta.Version, key, err)
	}
	return value, cloneMeta(found.meta), nil
}

// List implements producttwin.Store.
func (s *Store[V]) List(ctx context.Context) ([]producttwin.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make([]producttwin.Revision, 0, len(s.keys))
	for _, revisions := range s.keys {
		current = append(current, cloneMeta(revisions[len(revisions)-1].meta))
	}
	sort.Slice(current, func(i, j int) bool { return current[i].Key < current[j].Key })
	return current, nil
}

// ListVersions implements producttwin.Store.
func (s *Store[V]) ListVersions(ctx context.Context, key string) ([]producttwin.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revisions := s.keys[key]
	history := make([]producttwin.Revision, 0, len(revisions))
	for i := len(revisions) - 1; i >= 0; i-- { // newest first
		history = append(history, cloneMeta(revisions[i].meta))
	}
	return history, nil
}

// PutIfVersion implements producttwin.Store.
func (s *Store[V]) PutIfVersion(ctx context.Context, key string, value V, metadata map[string]string, expect producttwin.VersionToken) (producttwin.Revision, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return producttwin.Revision{}, fmt.Errorf("encode value of %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revisions := s.keys[key]
	current := producttwin.NoVersion
	if len(revisions) > 0 {
		current = revisions[len(revisions)-1].meta.Version
	}
	if current != expect {
		return producttwin.Revision{}, producttwin.ErrVersionMismatch
	}

	meta := producttwin.Revision{
		Key:       key,
		Version:   producttwin.NewVersionToken(),
		CreatedAt: s.now(),
		Size:      int64(len(body)),
		Metadata:  cloneMetadata(metadata),
	}
	s.keys[key] = append(revisions, revision{meta: meta, body: body})
	return cloneMeta(meta), nil
}

func cloneMeta(meta producttwin.Revision) producttwin.Revision {
	meta.Metadata = cloneMetadata(meta.Metadata)
	return meta
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}
