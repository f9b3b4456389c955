package memengine_test

import (
	"context"
	"testing"

	producttwin "github.com/go-producttwin/go-producttwin"
	"github.com/go-producttwin/go-producttwin/memengine"
	"github.com/go-producttwin/go-producttwin/storetest"
)

func TestEngine(t *testing.T) {
	storetest.Run(t, memengine.New[producttwin.Document]())
}

func TestWideRows(t *testing.T) {
	storetest.RunWideRows(t, memengine.NewWideRows())
}

// Readers must never observe later mutations of a value they were handed, nor
// leak their own mutations back into the store.
func TestEngineIsolatesValues(t *testing.T) {
	ctx := context.Background()
	store := memengine.New[producttwin.Document]()

	original := producttwin.Document{"product": map[string]any{"code": "subscriptions/alpha"}}
	if _, err := store.PutIfVersion(ctx, "subscriptions/alpha", original, nil, producttwin.NoVersion); err != nil {
		t.Fatal("PutIfVersion()", err)
	}

	// Tampering with the caller's original tree after the write.
	original["product"].(map[string]any)["code"] = "tampered"

	doc, _, err := store.Get(ctx, "subscriptions/alpha", producttwin.NoVersion)
	if err != nil {
		t.Fatal("Get()", err)
	}
	if code := doc.EntityCode(); code != "subscriptions/alpha" {
		t.Errorf("EntityCode() = %q, want the value as written", code)
	}

	// Tampering with a value read out of the store.
	doc["product"].(map[string]any)["code"] = "tampered"
	again, _, err := store.Get(ctx, "subscriptions/alpha", producttwin.NoVersion)
	if err != nil {
		t.Fatal("Get()", err)
	}
	if code := again.EntityCode(); code != "subscriptions/alpha" {
		t.Errorf("EntityCode() = %q after tampering with a read copy, want the value as written", code)
	}
}
