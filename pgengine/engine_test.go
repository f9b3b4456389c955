package pgengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	producttwin "github.com/go-producttwin/go-producttwin"
	"github.com/go-producttwin/go-producttwin/internal/dbtest"
	"github.com/go-producttwin/go-producttwin/pgengine"
	"github.com/go-producttwin/go-producttwin/storetest"
)

func TestEngine(t *testing.T) {
	db := dbtest.SetupPostgres(t)

	ctx := context.Background()
	if err := pgengine.Bootstrap(ctx, db); err != nil {
		t.Fatal("Bootstrap()", err)
	}

	storetest.Run(t, pgengine.New[producttwin.Document](db, "conformance"))
}

func TestWideRows(t *testing.T) {
	db := dbtest.SetupPostgres(t)

	ctx := context.Background()
	if err := pgengine.Bootstrap(ctx, db); err != nil {
		t.Fatal("Bootstrap()", err)
	}

	storetest.RunWideRows(t, pgengine.NewWideRows(db))
}

// Stores sharing one database must not observe each other's keys.
func TestEngineSeparatesStores(t *testing.T) {
	db := dbtest.SetupPostgres(t)

	ctx := context.Background()
	if err := pgengine.Bootstrap(ctx, db); err != nil {
		t.Fatal("Bootstrap()", err)
	}

	twins := pgengine.New[producttwin.Document](db, "twins")
	decisions := pgengine.New[producttwin.DecisionSnapshot](db, "decisions")

	doc := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha"}}
	if _, err := twins.PutIfVersion(ctx, "subscriptions/alpha", doc, nil, producttwin.NoVersion); err != nil {
		t.Fatal("PutIfVersion()", err)
	}

	if _, _, err := decisions.Get(ctx, "subscriptions/alpha", producttwin.NoVersion); !errors.Is(err, producttwin.ErrNotFound) {
		t.Errorf("Get() across stores = %v, want ErrNotFound", err)
	}
}

// Concurrent conditional writers on one key: exactly one write per observed
// version may land, and the retrying Update loop must converge regardless.
func TestEngineConcurrentUpdates(t *testing.T) {
	db := dbtest.SetupPostgres(t)

	ctx := context.Background()
	if err := pgengine.Bootstrap(ctx, db); err != nil {
		t.Fatal("Bootstrap()", err)
	}
	store := pgengine.New[producttwin.Document](db, "twins")

	seed := func(key string) producttwin.Document {
		return producttwin.Document{"product": map[string]any{"code": key}}
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		field := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := producttwin.Update(ctx, store, "subscriptions/alpha", seed,
				func(doc producttwin.Document, _ map[string]string) (producttwin.Document, bool) {
					doc[field] = field
					return doc, true
				}, producttwin.WithRetryLimit(100))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal("Update()", err)
		}
	}

	doc, _, err := store.Get(ctx, "subscriptions/alpha", producttwin.NoVersion)
	if err != nil {
		t.Fatal("Get()", err)
	}
	for i := range writers {
		field := string(rune('a' + i))
		if doc[field] != field {
			t.Errorf("doc[%q] = %v, want %q: a concurrent write was lost", field, doc[field], field)
		}
	}

	history, err := store.ListVersions(ctx, "subscriptions/alpha")
	if err != nil {
		t.Fatal("ListVersions()", err)
	}
	if len(history) != writers {
		t.Errorf("len(ListVersions()) = %v, want one revision per writer", len(history))
	}
}
