package producttwin_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	producttwin "github.com/go-producttwin/go-producttwin"
	"github.com/go-producttwin/go-producttwin/memengine"
)

func receiveChanges(t *testing.T, sub *pubsub.Subscription, n int) []producttwin.TwinChanged {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes := make([]producttwin.TwinChanged, 0, n)
	for range n {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatal("Receive()", err)
		}
		msg.Ack()
		var changed producttwin.TwinChanged
		if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&changed); err != nil {
			t.Fatal("Decode(gob)", err)
		}
		changes = append(changes, changed)
	}
	return changes
}

func TestEvaluateAll(t *testing.T) {
	ctx := context.Background()

	twins := producttwin.NewTwinStore(memengine.New[producttwin.Document](), nil)
	entities := []string{"subscriptions/alpha", "subscriptions/beta", "subscriptions/gamma"}
	for _, entity := range entities {
		if _, err := twins.Update(ctx, entity,
			func(twin producttwin.Document, _ map[string]string) (producttwin.Document, bool) {
				twin["region"] = "westeurope"
				return twin, true
			}); err != nil {
			t.Fatal("Update()", err)
		}
	}

	topic := mempubsub.NewTopic()
	defer func() {
		if err := topic.Shutdown(ctx); err != nil {
			t.Error("Shutdown(topic)", err)
		}
	}()
	sub := mempubsub.NewSubscription(topic, time.Second)
	defer func() {
		if err := sub.Shutdown(ctx); err != nil {
			t.Error("Shutdown(subscription)", err)
		}
	}()

	published, total, err := producttwin.EvaluateAll(ctx, twins, topic, nil)
	if err != nil {
		t.Fatal("EvaluateAll()", err)
	}
	if published != 3 || total != 3 {
		t.Errorf("EvaluateAll() = (%v, %v), want (3, 3)", published, total)
	}

	var notified []string
	for _, changed := range receiveChanges(t, sub, 3) {
		notified = append(notified, changed.EntityKey)
		if changed.Version == producttwin.NoVersion {
			t.Errorf("Notification for %q carries no version", changed.EntityKey)
		}
	}
	// Publishes run concurrently, so only the set is deterministic.
	sort.Strings(notified)
	if diff := cmp.Diff(entities, notified); diff != "" {
		t.Errorf("Notified entities mismatch (-want +got):\n%v", diff)
	}
}

func TestEvaluateAllSelectsRequestedTwins(t *testing.T) {
	ctx := context.Background()

	twins := producttwin.NewTwinStore(memengine.New[producttwin.Document](), nil)
	for _, entity := range []string{"subscriptions/alpha", "subscriptions/beta"} {
		if _, err := twins.Update(ctx, entity,
			func(twin producttwin.Document, _ map[string]string) (producttwin.Document, bool) {
				twin["region"] = "westeurope"
				return twin, true
			}); err != nil {
			t.Fatal("Update()", err)
		}
	}

	topic := mempubsub.NewTopic()
	defer func() {
		if err := topic.Shutdown(ctx); err != nil {
			t.Error("Shutdown(topic)", err)
		}
	}()
	sub := mempubsub.NewSubscription(topic, time.Second)
	defer func() {
		if err := sub.Shutdown(ctx); err != nil {
			t.Error("Shutdown(subscription)", err)
		}
	}()

	published, total, err := producttwin.EvaluateAll(ctx, twins, topic, []string{"subscriptions/beta", "subscriptions/unknown"})
	if err != nil {
		t.Fatal("EvaluateAll()", err)
	}
	if published != 1 || total != 1 {
		t.Errorf("EvaluateAll() = (%v, %v), want (1, 1): unknown keys select nothing", published, total)
	}

	changes := receiveChanges(t, sub, 1)
	if changes[0].EntityKey != "subscriptions/beta" {
		t.Errorf("Notified entity = %q, want %q", changes[0].EntityKey, "subscriptions/beta")
	}
}

func TestEvaluateAllOfNothing(t *testing.T) {
	ctx := context.Background()
	twins := producttwin.NewTwinStore(memengine.New[producttwin.Document](), nil)

	topic := mempubsub.NewTopic()
	defer func() {
		if err := topic.Shutdown(ctx); err != nil {
			t.Error("Shutdown(topic)", err)
		}
	}()

	published, total, err := producttwin.EvaluateAll(ctx, twins, topic, nil)
	if err != nil {
		t.Fatal("EvaluateAll()", err)
	}
	if published != 0 || total != 0 {
		t.Errorf("EvaluateAll() = (%v, %v), want (0, 0)", published, total)
	}
}

func TestNewDecisionID(t *testing.T) {
	a, b := producttwin.NewDecisionID(), producttwin.NewDecisionID()
	if a == b {
		t.Errorf("NewDecisionID() minted %q twice", a)
	}
	if len(a) != 32 {
		t.Errorf("len(NewDecisionID()) = %v, want 32 hex digits", len(a))
	}
}
