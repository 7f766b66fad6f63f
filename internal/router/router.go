package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/state"
	"github.com/quiltmesh/quilt/internal/storage"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("router")

// Resolver locates the current route for a user, trying every discovery
// tier before giving up.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (state.PeerRecord, error)
}

// Connections is the slice of the connection pool the router needs.
type Connections interface {
	IsConnected(peerID string) bool
	ActivePeerIDs() []string
	Connect(ctx context.Context, peerID string) error
	Send(peerID string, data []byte) bool
	SendEnvelope(peerID string, env proto.Envelope) bool
}

// Store is the durable queue backing offline delivery.
type Store interface {
	Enqueue(msg storage.QueuedMessage) error
	Pending(networkID string, now int64) ([]storage.QueuedMessage, error)
	DeleteMessage(id string) error
	BumpRetry(id string) error
	ExpireMessages(now int64) (int64, error)
}

// natFailureWindow is how long after an ICE failure a peer is routed via
// relay before direct delivery is attempted again.
const natFailureWindow = 2 * time.Minute

// maxFlushRetries drops a queued message after this many failed flush
// attempts, even before its TTL expires.
const maxFlushRetries = 20

// Router moves application payloads to other users: direct when a data
// channel is open, via a relay-capable peer when it is not, and through
// the durable queue plus coordinator store-keeping when the destination
// is unreachable altogether.
type Router struct {
	networkID  string
	selfUserID string
	selfPeerID string

	resolver Resolver
	conns    Connections
	table    *state.Table
	store    Store
	bus      *state.Bus

	hopLimit int
	queueTTL time.Duration

	mu          sync.Mutex
	natFailures map[string]time.Time
}

func New(networkID, selfUserID, selfPeerID string, resolver Resolver, conns Connections, table *state.Table, store Store, bus *state.Bus, hopLimit int, queueTTL time.Duration) *Router {
	return &Router{
		networkID:   networkID,
		selfUserID:  selfUserID,
		selfPeerID:  selfPeerID,
		resolver:    resolver,
		conns:       conns,
		table:       table,
		store:       store,
		bus:         bus,
		hopLimit:    hopLimit,
		queueTTL:    queueTTL,
		natFailures: make(map[string]time.Time),
	}
}

// NoteNATFailure records that direct traffic toward peerID just failed.
// Subsequent sends prefer a relay path until the window expires.
func (r *Router) NoteNATFailure(peerID string) {
	r.mu.Lock()
	r.natFailures[peerID] = time.Now()
	r.mu.Unlock()
}

func (r *Router) prefersRelay(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.natFailures[peerID]
	if !ok {
		return false
	}
	if time.Since(at) > natFailureWindow {
		delete(r.natFailures, peerID)
		return false
	}
	return true
}

// Send delivers body to userID. It returns true when the payload was
// handed to an open transport (direct or relay) and false when it was
// queued for later delivery instead. Queued is not an error: the flush
// loop and coordinator store-keeping take over from there.
func (r *Router) Send(ctx context.Context, userID string, body []byte) bool {
	env := proto.Seal(proto.KindChat, r.selfPeerID, proto.Chat{
		MessageID: uuid.NewString(),
		Body:      body,
	})
	frame, err := json.Marshal(env)
	if err != nil {
		log.Errorw("marshal chat", "err", err)
		return false
	}

	rec, err := r.resolver.Resolve(ctx, userID)
	if err == nil && r.dispatch(ctx, userID, rec, frame) {
		return true
	}
	r.queue(userID, frame)
	return false
}

// dispatch tries direct delivery first, then one relay hop. The route
// record tells us where the destination was last seen; when no channel to
// that peer is open yet, dispatch dials it before giving up on the direct
// path.
func (r *Router) dispatch(ctx context.Context, userID string, rec state.PeerRecord, frame []byte) bool {
	if rec.PeerID != "" && !r.prefersRelay(rec.PeerID) {
		if !r.conns.IsConnected(rec.PeerID) {
			if err := r.conns.Connect(ctx, rec.PeerID); err != nil {
				log.Debugw("dial", "peer", util.ShortID(rec.PeerID), "err", err)
			}
		}
		if r.conns.IsConnected(rec.PeerID) && r.conns.Send(rec.PeerID, frame) {
			r.table.SetStatus(userID, state.MembershipStatus{
				Status:         state.StatusDirect,
				ConnectionPath: "direct",
				LastSeen:       proto.NowMillis(),
			})
			return true
		}
	}
	return r.relay(userID, rec.PeerID, 0, frame)
}

// relay hands the frame to a connected relay-capable peer. exclude is the
// destination's own peer ID so we never "relay" back through the path
// that just failed.
func (r *Router) relay(userID, exclude string, hops int, frame []byte) bool {
	if hops >= r.hopLimit {
		return false
	}
	env := proto.Seal(proto.KindRelay, r.selfPeerID, proto.Relay{
		To:      userID,
		Hops:    hops,
		Message: frame,
	})
	for _, peerID := range r.conns.ActivePeerIDs() {
		if peerID == exclude {
			continue
		}
		rec, ok := r.table.ByPeerID(peerID)
		if !ok || !rec.CanRelay {
			continue
		}
		if r.conns.SendEnvelope(peerID, env) {
			r.table.SetStatus(userID, state.MembershipStatus{
				Status:         state.StatusRelay,
				ConnectionPath: "via " + util.ShortID(peerID),
				LastSeen:       proto.NowMillis(),
			})
			log.Debugw("relayed", "to", userID, "via", util.ShortID(peerID))
			return true
		}
	}
	return false
}

// queue persists the frame and, best effort, hands a copy to a reachable
// coordinator so the destination can collect it even if this device goes
// offline before the flush loop succeeds.
func (r *Router) queue(userID string, frame []byte) {
	now := proto.NowMillis()
	expires := now + r.queueTTL.Milliseconds()
	msg := storage.QueuedMessage{
		ID:         uuid.NewString(),
		NetworkID:  r.networkID,
		DestUserID: userID,
		Payload:    frame,
		QueuedAt:   now,
		ExpiresAt:  expires,
	}
	if err := r.store.Enqueue(msg); err != nil {
		log.Errorw("enqueue", "to", userID, "err", err)
	} else {
		log.Infow("queued for later delivery", "to", userID, "id", util.ShortID(msg.ID))
	}

	store := proto.Seal(proto.KindStoreMessage, r.selfPeerID, proto.StoreMessage{
		ForUserID: userID,
		Payload:   frame,
		ExpiresAt: expires,
	})
	for _, coord := range r.table.Coordinators() {
		if coord.PeerID == "" || !r.conns.IsConnected(coord.PeerID) {
			continue
		}
		if r.conns.SendEnvelope(coord.PeerID, store) {
			log.Debugw("handed to coordinator", "to", userID, "coordinator", util.ShortID(coord.PeerID))
			return
		}
	}
}

// HandleChat delivers an inbound chat frame addressed to this device.
func (r *Router) HandleChat(fromPeerID string, c proto.Chat) {
	r.bus.Publish(state.Event{
		Kind:    state.EventMessage,
		PeerID:  fromPeerID,
		Payload: c.Body,
	})
}

// HandleRelay processes a relay frame. If the destination is this user
// the wrapped message is delivered locally; otherwise it is forwarded on
// a direct connection when one exists, within the hop budget. Frames we
// can neither deliver nor forward are queued here, so the origin's
// best-effort handoff still converges.
func (r *Router) HandleRelay(fromPeerID string, rl proto.Relay) {
	if rl.To == r.selfUserID {
		var inner proto.Envelope
		if err := json.Unmarshal(rl.Message, &inner); err != nil {
			log.Debugw("bad relay payload", "from", util.ShortID(fromPeerID), "err", err)
			return
		}
		if inner.Kind != proto.KindChat {
			log.Debugw("unexpected relayed kind", "kind", inner.Kind)
			return
		}
		var c proto.Chat
		if err := json.Unmarshal(inner.Payload, &c); err != nil {
			return
		}
		r.HandleChat(inner.From, c)
		return
	}

	hops := rl.Hops + 1
	if hops > r.hopLimit {
		log.Debugw("relay hop budget exhausted", "to", rl.To, "hops", hops)
		r.queue(rl.To, rl.Message)
		return
	}
	if rec, ok := r.table.Get(rl.To); ok && rec.PeerID != "" && r.conns.IsConnected(rec.PeerID) {
		fwd := proto.Seal(proto.KindRelay, r.selfPeerID, proto.Relay{
			To:      rl.To,
			Hops:    hops,
			Message: rl.Message,
		})
		if r.conns.SendEnvelope(rec.PeerID, fwd) {
			return
		}
	}
	r.queue(rl.To, rl.Message)
}

// HandleStoreMessage accepts a store-keeping request. Only coordinators
// are asked to do this, but accepting regardless is harmless: the queue
// TTL bounds the cost either way.
func (r *Router) HandleStoreMessage(fromPeerID string, sm proto.StoreMessage) {
	msg := storage.QueuedMessage{
		ID:         uuid.NewString(),
		NetworkID:  r.networkID,
		DestUserID: sm.ForUserID,
		Payload:    sm.Payload,
		QueuedAt:   proto.NowMillis(),
		ExpiresAt:  sm.ExpiresAt,
	}
	if err := r.store.Enqueue(msg); err != nil {
		log.Errorw("store for peer", "for", sm.ForUserID, "err", err)
		return
	}
	log.Infow("storing message", "for", sm.ForUserID, "from", util.ShortID(fromPeerID))
}

// Flush retries every pending queued message once. Successfully handed
// frames are deleted; the rest get their retry counter bumped. Expired
// rows are purged first so they are never retried.
func (r *Router) Flush(ctx context.Context) {
	now := proto.NowMillis()
	if n, err := r.store.ExpireMessages(now); err != nil {
		log.Errorw("expire", "err", err)
	} else if n > 0 {
		log.Infow("expired queued messages", "count", n)
	}

	pending, err := r.store.Pending(r.networkID, now)
	if err != nil {
		log.Errorw("pending", "err", err)
		return
	}
	for _, msg := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if msg.RetryCount >= maxFlushRetries {
			log.Warnw("dropping message after retry cap", "to", msg.DestUserID, "id", util.ShortID(msg.ID))
			if err := r.store.DeleteMessage(msg.ID); err != nil {
				log.Errorw("delete capped", "id", msg.ID, "err", err)
			}
			continue
		}
		rec, err := r.resolver.Resolve(ctx, msg.DestUserID)
		if err != nil {
			if err := r.store.BumpRetry(msg.ID); err != nil {
				log.Errorw("bump retry", "id", msg.ID, "err", err)
			}
			continue
		}
		if r.dispatch(ctx, msg.DestUserID, rec, msg.Payload) {
			if err := r.store.DeleteMessage(msg.ID); err != nil {
				log.Errorw("delete delivered", "id", msg.ID, "err", err)
			}
			log.Infow("flushed queued message", "to", msg.DestUserID, "id", util.ShortID(msg.ID))
			continue
		}
		if err := r.store.BumpRetry(msg.ID); err != nil {
			log.Errorw("bump retry", "id", msg.ID, "err", err)
		}
	}
}
