package notify

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcherPublishesToNamedSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, EventContextShared)
	defer cleanup()

	dispatcher.Publish(Event{
		Name:        EventContextShared,
		WorkspaceID: "ws1",
		ShareID:     "share-1",
		Payload:     map[string]any{"version": int64(1)},
	})

	select {
	case received := <-stream:
		if received.ShareID != "share-1" {
			t.Fatalf("expected share-1, got %s", received.ShareID)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp a timestamp")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherIsolatesEventNames(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, cleanupUpdates := dispatcher.Subscribe(ctx, EventContextUpdated)
	defer cleanupUpdates()
	all, cleanupAll := dispatcher.SubscribeAll(ctx)
	defer cleanupAll()

	dispatcher.Publish(Event{Name: EventMemberAdded, WorkspaceID: "ws1", UserID: "bob"})

	select {
	case <-updates:
		t.Fatal("did not expect memberAdded on the contextUpdated stream")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case received := <-all:
		if received.Name != EventMemberAdded {
			t.Fatalf("expected %s, got %s", EventMemberAdded, received.Name)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected wildcard subscriber to receive event")
	}
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, EventContextAccessed)
	defer cleanup()

	for i := 0; i < 5; i++ {
		dispatcher.Publish(Event{Name: EventContextAccessed})
	}
	if len(stream) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(stream))
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, EventContextRevoked)
	defer cleanup()
	cancel()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers[EventContextRevoked])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected subscriber to be removed after cancellation")
}
