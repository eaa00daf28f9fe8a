package eventbus

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(8, nil, "controlplane.test")
	ch := bus.Subscribe("sub-1", "run-1")
	defer bus.Unsubscribe("sub-1")

	env := NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-1", map[string]any{"x": 1})
	if _, err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != "run.started" {
			t.Fatalf("expected run.started, got %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersBySubject(t *testing.T) {
	bus := NewBus(8, nil, "controlplane.test")
	ch := bus.Subscribe("sub-1", "run-2")
	defer bus.Unsubscribe("sub-1")

	env := NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-1", nil)
	if _, err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected event delivered for mismatched subject: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(8, nil, "controlplane.test")
	a := bus.Subscribe("sub-a", "")
	b := bus.Subscribe("sub-b", "")
	defer bus.Unsubscribe("sub-a")
	defer bus.Unsubscribe("sub-b")

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	env := NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-1", nil)
	if _, err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan Envelope{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(1, nil, "controlplane.test")
	bus.Subscribe("slow", "")
	defer bus.Unsubscribe("slow")

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			env := NewEnvelope("controlplane.test", "run.progress", "tenant-a", "run-1", nil)
			if _, err := bus.Publish(ctx, env); err != nil {
				t.Errorf("publish: %v", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestPublishPersistsAndAssignsSequence(t *testing.T) {
	store := newTestStore(t)
	bus := NewBus(8, store, "controlplane.test")
	ctx := context.Background()

	first, err := bus.Publish(ctx, NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-1", nil))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := bus.Publish(ctx, NewEnvelope("controlplane.test", "run.completed", "tenant-a", "run-1", nil))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if first.Sequence() != 1 {
		t.Fatalf("expected first sequence 1, got %d", first.Sequence())
	}
	if second.Sequence() != 2 {
		t.Fatalf("expected second sequence 2, got %d", second.Sequence())
	}
}

func TestReplayReturnsEventsAfterPosition(t *testing.T) {
	store := newTestStore(t)
	bus := NewBus(8, store, "controlplane.test")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, NewEnvelope("controlplane.test", "run.progress", "tenant-a", "run-1", nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events, err := store.Replay(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(events))
	}
	if events[0].Sequence() != 2 || events[1].Sequence() != 3 {
		t.Fatalf("expected sequences 2,3 in order, got %d,%d", events[0].Sequence(), events[1].Sequence())
	}
}

func TestSequencesIndependentPerSubject(t *testing.T) {
	store := newTestStore(t)
	bus := NewBus(8, store, "controlplane.test")
	ctx := context.Background()

	a, err := bus.Publish(ctx, NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-1", nil))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	b, err := bus.Publish(ctx, NewEnvelope("controlplane.test", "run.started", "tenant-a", "run-2", nil))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if a.Sequence() != 1 || b.Sequence() != 1 {
		t.Fatalf("expected independent sequence 1 for each subject, got %d and %d", a.Sequence(), b.Sequence())
	}
}

func TestDeadLetterAndCursorTracking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	env := NewEnvelope("controlplane.test", "run.failed", "tenant-a", "run-1", nil)
	env.ID = "evt-1"
	if err := store.RecordDeadLetter(ctx, "orchestrator-workers", env, MaxDeliverAttempts); err != nil {
		t.Fatalf("record dead letter: %v", err)
	}

	if err := store.AdvanceCursor(ctx, "orchestrator-workers", "run-1", 5); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	cursor, err := store.Cursor(ctx, "orchestrator-workers", "run-1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 5 {
		t.Fatalf("expected cursor 5, got %d", cursor)
	}

	if err := store.AdvanceCursor(ctx, "orchestrator-workers", "run-1", 9); err != nil {
		t.Fatalf("advance cursor again: %v", err)
	}
	cursor, err = store.Cursor(ctx, "orchestrator-workers", "run-1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 9 {
		t.Fatalf("expected cursor updated to 9, got %d", cursor)
	}
}

func TestCursorDefaultsToZero(t *testing.T) {
	store := newTestStore(t)
	cursor, err := store.Cursor(context.Background(), "no-such-group", "run-x")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("expected default cursor 0, got %d", cursor)
	}
}
