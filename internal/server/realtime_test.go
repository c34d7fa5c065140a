package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "table-1")
	defer cleanup()

	dispatcher.PublishTableChange(collab.Change{TableID: "table-1", AuthorID: "user-1", LastUpdateID: 7})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventTableChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventTableChanged, received.EventType)
		}
		if received.TableID != "table-1" || received.AuthorID != "user-1" || received.LastUpdateID != 7 {
			t.Fatalf("unexpected message %#v", received)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByTable(t *testing.T) {
	dispatcher := NewRealtimeDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tableStream, cleanup := dispatcher.Subscribe(ctx, "table-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "table-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		TableID:   "table-3",
		EventType: RealtimeEventTableChanged,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-tableStream:
		t.Fatal("did not expect realtime message for unrelated table")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.TableID != "table-3" {
			t.Fatalf("expected table-3, received %s", msg.TableID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed table")
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher(1)
	stream, cleanup := dispatcher.Subscribe(context.Background(), "table-4")
	defer cleanup()

	for index := 0; index < 3; index++ {
		dispatcher.Publish(RealtimeMessage{TableID: "table-4", EventType: RealtimeEventTableChanged, LastUpdateID: int64(index)})
	}
	if received := <-stream; received.LastUpdateID != 0 {
		t.Fatalf("expected the first message to be kept, got %d", received.LastUpdateID)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow to be dropped, got %#v", extra)
	default:
	}
}

func TestRealtimeDispatcherCleanupUnsubscribes(t *testing.T) {
	dispatcher := NewRealtimeDispatcher(0)
	_, cleanup := dispatcher.Subscribe(context.Background(), "table-5")
	if dispatcher.SubscriberCount("table-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cleanup()
	cleanup()
	if dispatcher.SubscriberCount("table-5") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}

	closed, _ := dispatcher.Subscribe(context.Background(), "")
	if _, open := <-closed; open {
		t.Fatalf("expected closed stream for empty table id")
	}
}
