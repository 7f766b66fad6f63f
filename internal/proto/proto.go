package proto

import (
	"encoding/json"
	"time"
)

// P2P message kinds carried over established data channels.
const (
	KindPeerQuery    = "PEER_QUERY"
	KindPeerFound    = "PEER_FOUND"
	KindPresence     = "PRESENCE_ANNOUNCEMENT"
	KindNetworkState = "NETWORK_STATE"
	KindRelay        = "RELAY"
	KindStoreMessage = "STORE_MESSAGE"
	KindChat         = "CHAT"
)

// Signaling message kinds exchanged through the rendezvous socket.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Envelope is the outer frame for every P2P message. Payload holds the
// kind-specific struct as raw JSON so receivers decode only what they route.
type Envelope struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from,omitempty"` // sender peer ID
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Seal wraps a payload struct into an Envelope.
func Seal(kind, from string, payload any) Envelope {
	b, _ := json.Marshal(payload)
	return Envelope{Kind: kind, From: from, TS: NowMillis(), Payload: b}
}

// PeerQuery asks every connected peer whether it knows a user.
type PeerQuery struct {
	RequestID        string `json:"requestId"`
	LookingForUserID string `json:"lookingForUserId"`
	FromPeerID       string `json:"fromPeerId"`
}

// PeerFound answers a PeerQuery. First arrival wins; later replies for a
// retired request id are dropped.
type PeerFound struct {
	RequestID  string `json:"requestId"`
	UserID     string `json:"userId"`
	PeerID     string `json:"peerId"`
	SignalAddr string `json:"signalAddress"`
	CanRelay   bool   `json:"canRelay"`
	LastSeen   int64  `json:"lastSeen"`
}

// PeerSample is one entry of the bounded known-peer sample carried by a
// presence announcement.
type PeerSample struct {
	UserID      string `json:"userId"`
	PeerID      string `json:"peerId"`
	SignalAddr  string `json:"signalAddress,omitempty"`
	CanRelay    bool   `json:"canRelay,omitempty"`
	Coordinator bool   `json:"isCoordinator,omitempty"`
	LastSeen    int64  `json:"lastSeen"`
}

// MemberStatus is one entry of the membership-status snapshot carried by a
// presence announcement. Status is "direct", "relay" or "offline".
type MemberStatus struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	Path     string `json:"connectionPath,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// Presence is the periodic gossip broadcast: self identity plus a bounded
// view of everyone else this device knows about.
type Presence struct {
	UserID      string         `json:"userId"`
	PeerID      string         `json:"peerId"`
	SignalAddr  string         `json:"signalAddress,omitempty"`
	CanRelay    bool           `json:"canRelay,omitempty"`
	Coordinator bool           `json:"isCoordinator,omitempty"`
	KnownPeers  []PeerSample   `json:"knownPeers,omitempty"`
	Members     []MemberStatus `json:"networkMembers,omitempty"`
}

// NetworkState is pushed by coordinators: their view of who is online.
// Merged by timestamp, never trusted over fresher local observations.
type NetworkState struct {
	OnlineMembers []MemberStatus `json:"onlineMembers,omitempty"`
	Coordinators  []string       `json:"coordinators,omitempty"`
	TS            int64          `json:"timestamp"`
}

// Relay wraps a message for a destination the sender cannot reach directly.
// Hops counts forwards so a relay chain can never loop unbounded.
type Relay struct {
	To      string          `json:"to"` // destination user ID
	Hops    int             `json:"hops"`
	Message json.RawMessage `json:"message"`
}

// StoreMessage hands a payload to a coordinator for store-keeping until the
// destination comes back online.
type StoreMessage struct {
	ForUserID string          `json:"forUserId"`
	Payload   json.RawMessage `json:"encryptedPayload"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Chat is a plain application payload addressed to this device's user.
// Body is opaque bytes; encryption happens a layer above.
type Chat struct {
	MessageID string `json:"messageId"`
	Body      []byte `json:"body"`
}

// SignalMessage is one frame on the rendezvous signaling socket.
type SignalMessage struct {
	Kind       string `json:"kind"` // offer|answer|ice-candidate
	FromPeerID string `json:"fromPeerId"`
	ToPeerID   string `json:"toPeerId"`
	Payload    string `json:"payload"`
	TS         int64  `json:"timestamp"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
