package state

import (
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Kind: EventPeerConnected, PeerID: "p1"})

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Kind != EventPeerConnected || evt.PeerID != "p1" {
				t.Fatalf("unexpected event: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	// Fill the buffer and then some; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: EventMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	if n := len(ch); n != cap(ch) {
		t.Fatalf("buffered = %d, want full buffer %d", n, cap(ch))
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: EventMessage})

	ch2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel open after bus close")
	}
}

func TestEventKindString(t *testing.T) {
	kinds := map[EventKind]string{
		EventPeerStatusUpdate:   "peerStatusUpdate",
		EventPeerConnected:      "peerConnected",
		EventPeerDisconnected:   "peerDisconnected",
		EventNetworkStateUpdate: "networkStateUpdate",
		EventMessage:            "message",
		EventNATFailure:         "natTraversalFailure",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %s, want %s", k, k.String(), want)
		}
	}
}
