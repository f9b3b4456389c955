package pgengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// uniqueViolation is the PostgreSQL error code raised when an insert collides
// with an existing primary key. In this engine that only happens when two
// writers race to create the same revision sequence, which is exactly a lost
// conditional write.
const uniqueViolation = "23505"

// A Store is a PostgreSQL-backed versioned store. Multiple stores share one
// database by carrying distinct store names (e.g. "twins", "decisions").
type Store[V any] struct {
	db    *sql.DB
	store string
}

// New returns a versioned store persisting into the given database under the
// given store name. The database must have been bootstrapped (see Bootstrap).
func New[V any](db *sql.DB, store string) *Store[V] {
	return &Store[V]{db: db, store: store}
}

// Get implements producttwin.Store.
func (s *Store[V]) Get(ctx context.Context, key string, version producttwin.VersionToken) (V, producttwin.Revision, error) {
	var value V

	query := `SELECT version, body, metadata, created_at, size FROM documents
		WHERE store = $1 AND key = $2 ORDER BY seq DESC LIMIT 1`
	args := []any{s.store, key}
	if version != producttwin.NoVersion {
		query = `SELECT version, body, metadata, created_at, size FROM documents
			WHERE store = $1 AND key = $2 AND version = $3`
		args = append(args, string(version))
	}

	meta := producttwin.Revision{Key: key}
	var body, metadata []byte
	var token string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&token, &body, &metadata, &meta.CreatedAt, &meta.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return value, producttwin.Revision{}, producttwin.ErrNotFound
	} else if err != nil {
		return value, producttwin.Revision{}, fmt.Errorf("select revision of %q: %w", key, err)
	}
	meta.Version = producttwin.VersionToken(token)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta.Metadata); err != nil {
			return value, producttwin.Revision{}, fmt.Errorf("decode metadata of %q: %w", key, err)
		}
	}
	if err := json.Unmarshal(body, &value); err != nil {
		return value, producttwin.Revision{}, fmt.Errorf("decode revision %q of %q: %w", meta.Version, key, err)
	}
	return value, meta, nil
}

// List implements producttwin.Store.
func (s *Store[V]) List(ctx context.Context) ([]producttwin.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ON (key) key, version, metadata, created_at, size
		FROM documents WHERE store = $1 ORDER BY key, seq DESC`, s.store)
	if err != nil {
		return nil, fmt.Errorf("select current revisions: %w", err)
	}
	return scanRevisions(ctx, rows)
}

// ListVersions implements producttwin.Store.
func (s *Store[V]) ListVersions(ctx context.Context, key string) ([]producttwin.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, version, metadata, created_at, size
		FROM documents WHERE store = $1 AND key = $2 ORDER BY seq DESC`, s.store, key)
	if err != nil {
		return nil, fmt.Errorf("select revisions of %q: %w", key, err)
	}
	return scanRevisions(ctx, rows)
}

// PutIfVersion implements producttwin.Store.
//
// The guarded append happens in a single statement, so the version assertion
// and the next sequence number are computed against the same snapshot. Two
// writers racing past the assertion compute the same sequence and collide on
// the primary key. Both losing outcomes, the assertion filtering the insert
// away or the sequence colliding, are reported as
// producttwin.ErrVersionMismatch.
func (s *Store[V]) PutIfVersion(ctx context.Context, key string, value V, metadata map[string]string, expect producttwin.VersionToken) (producttwin.Revision, error) {
	ctx, span := tracer.Start(ctx, "pgengine.PutIfVersion", trace.WithAttributes(
		attribute.String("store", s.store),
		attribute.String("key", key),
	))
	defer span.End()

	body, err := json.Marshal(value)
	if err != nil {
		return producttwin.Revision{}, fmt.Errorf("encode value of %q: %w", key, err)
	}
	var metadataJSON []byte
	if len(metadata) > 0 {
		if metadataJSON, err = json.Marshal(metadata); err != nil {
			return producttwin.Revision{}, fmt.Errorf("encode metadata of %q: %w", key, err)
		}
	}

	meta := producttwin.Revision{
		Key:      key,
		Version:  producttwin.NewVersionToken(),
		Size:     int64(len(body)),
		Metadata: metadata,
	}
	// NULLIF maps the NoVersion assertion onto the NULL the subquery yields
	// for an absent key; IS NOT DISTINCT FROM treats those as equal.
	err = s.db.QueryRowContext(ctx, `INSERT INTO documents (store, key, seq, version, body, metadata, size)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6 FROM documents WHERE store = $1 AND key = $2
		HAVING (SELECT version FROM documents WHERE store = $1 AND key = $2 ORDER BY seq DESC LIMIT 1) IS NOT DISTINCT FROM NULLIF($7, '')
		RETURNING created_at`,
		s.store, key, string(meta.Version), body, metadataJSON, meta.Size, string(expect)).Scan(&meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		measureConflict(ctx, s.store)
		return producttwin.Revision{}, producttwin.ErrVersionMismatch
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		measureConflict(ctx, s.store)
		return producttwin.Revision{}, producttwin.ErrVersionMismatch
	}
	if err != nil {
		return producttwin.Revision{}, fmt.Errorf("append revision of %q: %w", key, err)
	}
	return meta, nil
}

func scanRevisions(ctx context.Context, rows *sql.Rows) ([]producttwin.Revision, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			component.Logger(ctx).Error("Failed to close a revision cursor", "error", err)
		}
	}()

	var revisions []producttwin.Revision
	for rows.Next() {
		var meta producttwin.Revision
		var token string
		var metadata []byte
		if err := rows.Scan(&meta.Key, &token, &metadata, &meta.CreatedAt, &meta.Size); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		meta.Version = producttwin.VersionToken(token)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &meta.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %q: %w", meta.Key, err)
			}
		}
		revisions = append(revisions, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return revisions, nil
}
