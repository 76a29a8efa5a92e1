package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/persistence"
)

func TestEvents_GapFreeMonotonicIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID := store.Project().ActiveConversationID
	for i := 0; i < 5; i++ {
		if _, err := store.AppendMessage(ctx, convID, "user", fmt.Sprintf("message %d", i), nil); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	events, err := store.ListEventsSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected events after bootstrap and appends")
	}
	for i, ev := range events {
		if ev.EventID != int64(i+1) {
			t.Fatalf("event %d has id %d, want %d (gap or reorder)", i, ev.EventID, i+1)
		}
	}

	latest, err := store.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != int64(len(events)) {
		t.Fatalf("latest id = %d, want %d", latest, len(events))
	}
}

func TestEvents_ReplaySinceIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID := store.Project().ActiveConversationID
	for i := 0; i < 4; i++ {
		if _, err := store.AppendMessage(ctx, convID, "user", fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	first, err := store.ListEventsSince(ctx, 2, 100)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	second, err := store.ListEventsSince(ctx, 2, 100)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("replay lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].EventID != second[i].EventID || first[i].Type != second[i].Type {
			t.Fatalf("replay diverges at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[0].EventID != 3 {
		t.Fatalf("replay since 2 starts at %d, want 3", first[0].EventID)
	}
}

func TestEvents_AppendAssignsNextID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	before, err := store.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	ev, err := store.AppendEvent(ctx, persistence.EventIndexJobStarted, "", "", `{"job_id":"j1"}`)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if ev.EventID != before+1 {
		t.Fatalf("appended id = %d, want %d", ev.EventID, before+1)
	}
	if ev.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func TestEvents_PublishedToBusAfterCommit(t *testing.T) {
	eventBus := bus.New()
	store := openTestStoreWithBus(t, eventBus)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicProjectEvents(store.Project().ID))
	defer eventBus.Unsubscribe(sub)

	ev, err := store.AppendEvent(ctx, persistence.EventIndexJobStarted, "", "", `{"job_id":"j2"}`)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	select {
	case got := <-sub.Ch():
		msg, ok := got.Payload.(bus.ProjectEventMsg)
		if !ok {
			t.Fatalf("payload type = %T, want bus.ProjectEventMsg", got.Payload)
		}
		if msg.EventID != ev.EventID {
			t.Fatalf("published id = %d, want %d", msg.EventID, ev.EventID)
		}
		if msg.Type != persistence.EventIndexJobStarted {
			t.Fatalf("published type = %q, want %q", msg.Type, persistence.EventIndexJobStarted)
		}
		if msg.ProjectID != store.Project().ID {
			t.Fatalf("published project = %q, want %q", msg.ProjectID, store.Project().ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bus publish")
	}
}

func TestEvents_LimitCapsReplay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID := store.Project().ActiveConversationID
	for i := 0; i < 6; i++ {
		if _, err := store.AppendMessage(ctx, convID, "user", fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	events, err := store.ListEventsSince(ctx, 0, 3)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("limited replay = %d events, want 3", len(events))
	}
	if events[0].EventID != 1 || events[2].EventID != 3 {
		t.Fatalf("limited replay ids = %d..%d, want 1..3", events[0].EventID, events[2].EventID)
	}
}
