package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"yieldkit/core"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1, nil)

	ev := core.NewPointsEarned("bob", 10, 10, core.SourceTask)
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.UserID != "bob" || received.Type != core.EventPointsEarned {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Len())
	}
}

func TestHubFiltersByUser(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(4, ForUser("alice"))

	h.Broadcast(context.Background(), core.NewTaskCompleted("bob", 1))
	h.Broadcast(context.Background(), core.NewReferralActivated("alice", "bob"))
	h.Broadcast(context.Background(), core.NewTaskCompleted("alice", 1))

	if len(ch) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(ch))
	}
	if ev := <-ch; ev.Type != core.EventReferralActivated {
		t.Fatalf("unexpected first event: %s", ev.Type)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, _ = h.Subscribe(1, nil)
	h.Broadcast(context.Background(), core.NewTaskCompleted("u", 1))
	h.Broadcast(context.Background(), core.NewTaskCompleted("u", 2))
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", h.Dropped())
	}
}

func TestMarshalJSON(t *testing.T) {
	prev := core.TierDefinition{ID: 0, Name: "Dove"}
	cur := core.TierDefinition{ID: 1, Name: "Sparrow"}
	b := MarshalJSON(core.NewLevelUp("alice", prev, cur))
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Tier == nil || *out.Tier != 1 {
		t.Fatalf("unexpected tier: %v", out.Tier)
	}
	if out.Metadata["tier_name"] != "Sparrow" {
		t.Fatalf("unexpected metadata: %v", out.Metadata)
	}
}
