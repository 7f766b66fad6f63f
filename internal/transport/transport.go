// Package transport wraps the offer/answer/candidate connection primitive.
// The engine drives the sequencing (who offers, when candidates flow) but
// never looks inside the negotiation itself.
package transport

import "context"

// Callbacks are invoked by a session as negotiation progresses. OnSignal
// carries outbound offer/answer/candidate payloads the caller must forward
// through the signaling channel.
type Callbacks struct {
	OnSignal  func(kind, payload string)
	OnOpen    func()
	OnMessage func(data []byte)
	OnFailed  func()
	OnClosed  func()
}

// Session is one point-to-point negotiation and, once open, a data channel.
type Session interface {
	// Start begins negotiation. Only the initiating side calls it; the
	// accepting side waits for the remote offer via HandleSignal.
	Start(ctx context.Context) error

	// HandleSignal feeds a remote offer, answer or candidate payload in.
	HandleSignal(kind, payload string) error

	Send(data []byte) error
	Close() error
}

// Dialer creates sessions. The production implementation is WebRTC; tests
// substitute a fake.
type Dialer interface {
	NewSession(peerID string, initiator bool, cb Callbacks) (Session, error)
}
