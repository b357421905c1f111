package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSocket(userID string) *Socket {
	return &Socket{userID: userID, send: make(chan Event, 4)}
}

func TestHubDeliversToJobSubscriber(t *testing.T) {
	h := NewHub()
	go h.Run()

	s := newTestSocket("user-1")
	h.Register(s)
	h.Subscribe(s, "job-1")

	h.Publish("job-1", "", Event{Type: "job:status", JobID: "job-1", Job: json.RawMessage(`{"status":"processing"}`)})

	select {
	case ev := <-s.send:
		assert.Equal(t, "job:status", ev.Type)
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestHubDoesNotDeliverToUnrelatedSocket(t *testing.T) {
	h := NewHub()
	go h.Run()

	subscribed := newTestSocket("user-1")
	bystander := newTestSocket("user-2")
	h.Register(subscribed)
	h.Register(bystander)
	h.Subscribe(subscribed, "job-1")

	h.Publish("job-1", "", Event{Type: "job:status", JobID: "job-1"})

	select {
	case <-subscribed.send:
	case <-time.After(time.Second):
		t.Fatal("subscribed socket never received its event")
	}
	select {
	case ev := <-bystander.send:
		t.Fatalf("unrelated socket should not receive events, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUserWideSubscriptionReceivesOwnedJobEvents(t *testing.T) {
	h := NewHub()
	go h.Run()

	s := newTestSocket("user-1")
	h.Register(s)
	h.Subscribe(s, "") // jobs:subscribe:user

	h.Publish("job-7", "user-1", Event{Type: "job:completed", JobID: "job-7"})

	select {
	case ev := <-s.send:
		assert.Equal(t, "job-7", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("user-wide subscriber never received the event")
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	h := NewHub()
	go h.Run()

	s := newTestSocket("user-1")
	h.Register(s)
	h.Subscribe(s, "job-1")
	h.Unregister(s)

	// Give the Hub goroutine a moment to process the unregister before the
	// channel is closed; a publish afterward must not panic on a closed
	// channel send, which deliver()'s ownership by the single Hub goroutine
	// guarantees.
	time.Sleep(50 * time.Millisecond)
	h.Publish("job-1", "", Event{Type: "job:status", JobID: "job-1"})
	time.Sleep(50 * time.Millisecond)

	_, ok := <-s.send
	require.False(t, ok, "socket's send channel should be closed after unregister")
}
