package state

import (
	"sync"

	"github.com/quiltmesh/quilt/internal/proto"
)

// EventKind enumerates every event the engine can emit, so a subscriber's
// switch can be checked for completeness instead of matching ad hoc strings.
type EventKind int

const (
	EventPeerStatusUpdate EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
	EventNetworkStateUpdate
	EventMessage
	EventNATFailure
)

func (k EventKind) String() string {
	switch k {
	case EventPeerStatusUpdate:
		return "peerStatusUpdate"
	case EventPeerConnected:
		return "peerConnected"
	case EventPeerDisconnected:
		return "peerDisconnected"
	case EventNetworkStateUpdate:
		return "networkStateUpdate"
	case EventMessage:
		return "message"
	case EventNATFailure:
		return "natTraversalFailure"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	UserID string
	PeerID string

	// Set for EventPeerStatusUpdate.
	Status *MembershipStatus

	// Set for EventNetworkStateUpdate.
	Network *proto.NetworkState

	// Set for EventMessage.
	Payload []byte
}

// Bus fans events out to subscribers. Delivery is non-blocking: a slow
// subscriber loses events rather than stalling the engine.
type Bus struct {
	mu        sync.Mutex
	listeners []chan Event
}

func NewBus() *Bus {
	return &Bus{listeners: make([]chan Event, 0)}
}

func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.listeners = append(b.listeners, ch)
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			close(listener)
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close drops all subscribers. Called on teardown after timers are stopped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
