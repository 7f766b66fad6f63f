package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/directory"
	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/state"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("discovery")

// ErrNotFound is the defined outcome when every tier misses. Callers fall
// back to store-and-forward; this is not a failure of the engine.
var ErrNotFound = errors.New("discovery: user not found")

// Connections is the slice of the connection manager the engine needs.
type Connections interface {
	ActivePeerIDs() []string
	IsConnected(peerID string) bool
	Connect(ctx context.Context, peerID string) error
	SendEnvelope(peerID string, env proto.Envelope) bool
}

// Store is the slice of the persistent cache the engine needs.
type Store interface {
	Route(networkID, userID string) (state.PeerRecord, bool, error)
	UpsertRoute(networkID string, rec state.PeerRecord) error
}

// Lookup is the remote directory, the most expensive tier.
type Lookup interface {
	LookupPeer(ctx context.Context, networkID, userID string) (directory.PeerInfo, bool, error)
}

type foundReply struct {
	pf   proto.PeerFound
	from string
}

// Engine resolves a user identity to a reachable peer record through a
// strict tier order, cheapest first, short-circuiting on the first hit.
type Engine struct {
	networkID  string
	selfUserID string
	selfPeerID string

	table *state.Table
	conns Connections
	store Store
	dir   Lookup

	queryTimeout time.Duration

	// selfRecord lets the engine answer queries about its own user.
	selfRecord func() state.PeerRecord

	mu      sync.Mutex
	pending map[string]chan foundReply
}

func NewEngine(networkID, selfUserID, selfPeerID string, table *state.Table, conns Connections, store Store, dir Lookup, queryTimeout time.Duration, selfRecord func() state.PeerRecord) *Engine {
	if queryTimeout <= 0 {
		queryTimeout = util.DefaultDiscoveryTimeout
	}
	return &Engine{
		networkID:    networkID,
		selfUserID:   selfUserID,
		selfPeerID:   selfPeerID,
		table:        table,
		conns:        conns,
		store:        store,
		dir:          dir,
		queryTimeout: queryTimeout,
		selfRecord:   selfRecord,
		pending:      map[string]chan foundReply{},
	}
}

// Resolve walks the tiers in order. Every positive result is written
// through to the persistent cache so the next resolution for the same user
// starts at the cache tier.
func (e *Engine) Resolve(ctx context.Context, userID string) (state.PeerRecord, error) {
	// Tier 1: live connection scan.
	if rec, ok := e.table.Get(userID); ok && e.conns.IsConnected(rec.PeerID) {
		return rec, nil
	}

	// Tier 2: broadcast query to every connected peer.
	if peers := e.conns.ActivePeerIDs(); len(peers) > 0 {
		if rec, ok := e.queryPeers(ctx, userID, peers); ok {
			e.writeThrough(rec)
			return rec, nil
		}
	}

	// Tier 3: local cache, no network I/O.
	if rec, found, err := e.store.Route(e.networkID, userID); err != nil {
		log.Warnf("cache read for %s failed: %v", userID, err)
	} else if found && rec.PeerID != "" {
		e.table.Upsert(rec)
		return rec, nil
	}

	// Tier 4: coordinator query. Connect, then ask that one peer.
	for _, coord := range e.table.Coordinators() {
		if coord.PeerID == e.selfPeerID {
			continue
		}
		if !e.conns.IsConnected(coord.PeerID) {
			if err := e.conns.Connect(ctx, coord.PeerID); err != nil {
				log.Debugf("coordinator %s unreachable: %v", util.ShortID(coord.PeerID), err)
				continue
			}
		}
		if rec, ok := e.queryPeers(ctx, userID, []string{coord.PeerID}); ok {
			e.writeThrough(rec)
			return rec, nil
		}
	}

	// Tier 5: remote directory, last resort only.
	dirCtx, cancel := context.WithTimeout(ctx, util.DefaultDirectoryTimeout)
	defer cancel()
	if info, found, err := e.dir.LookupPeer(dirCtx, e.networkID, userID); err != nil {
		log.Warnf("directory lookup for %s failed: %v", userID, err)
	} else if found && info.PeerID != "" {
		rec := state.PeerRecord{
			UserID:         info.UserID,
			PeerID:         info.PeerID,
			SignalAddr:     info.SignalAddr,
			CanRelay:       info.CanRelay,
			Coordinator:    info.Coordinator,
			ConnectionPath: "directory",
			LastSeen:       info.LastSeen,
		}
		if rec.LastSeen == 0 {
			rec.LastSeen = proto.NowMillis()
		}
		e.writeThrough(rec)
		return rec, nil
	}

	return state.PeerRecord{}, ErrNotFound
}

// queryPeers runs the PEER_QUERY protocol against the given peers and waits
// for the first PEER_FOUND. First arrival wins; once the request retires,
// stragglers are dropped by HandlePeerFound.
func (e *Engine) queryPeers(ctx context.Context, userID string, peers []string) (state.PeerRecord, bool) {
	requestID := uuid.NewString()
	ch := make(chan foundReply, 1)

	e.mu.Lock()
	e.pending[requestID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
	}()

	env := proto.Seal(proto.KindPeerQuery, e.selfPeerID, proto.PeerQuery{
		RequestID:        requestID,
		LookingForUserID: userID,
		FromPeerID:       e.selfPeerID,
	})
	sent := 0
	for _, p := range peers {
		if e.conns.SendEnvelope(p, env) {
			sent++
		}
	}
	if sent == 0 {
		return state.PeerRecord{}, false
	}

	timer := time.NewTimer(e.queryTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		rec := state.PeerRecord{
			UserID:         reply.pf.UserID,
			PeerID:         reply.pf.PeerID,
			SignalAddr:     reply.pf.SignalAddr,
			CanRelay:       reply.pf.CanRelay,
			ConnectionPath: "via " + util.ShortID(reply.from),
			LastSeen:       reply.pf.LastSeen,
		}
		if rec.LastSeen == 0 {
			rec.LastSeen = proto.NowMillis()
		}
		return rec, true
	case <-timer.C:
		return state.PeerRecord{}, false
	case <-ctx.Done():
		return state.PeerRecord{}, false
	}
}

// writeThrough populates both the in-memory table and the persistent cache.
func (e *Engine) writeThrough(rec state.PeerRecord) {
	e.table.Upsert(rec)
	if err := e.store.UpsertRoute(e.networkID, rec); err != nil {
		log.Warnf("cache write for %s failed: %v", rec.UserID, err)
	}
}

// HandlePeerFound delivers a reply to its waiting request. Replies for a
// retired request id are dropped; the timeout is authoritative.
func (e *Engine) HandlePeerFound(from string, pf proto.PeerFound) {
	e.mu.Lock()
	ch, ok := e.pending[pf.RequestID]
	if ok {
		delete(e.pending, pf.RequestID) // first responder wins
	}
	e.mu.Unlock()
	if !ok {
		log.Debugf("dropping late PEER_FOUND for %s", util.ShortID(pf.RequestID))
		return
	}
	ch <- foundReply{pf: pf, from: from}
}

// HandlePeerQuery answers a peer's question if this device knows the user.
// Unknown users are ignored; silence is the negative answer.
func (e *Engine) HandlePeerQuery(from string, q proto.PeerQuery) {
	var rec state.PeerRecord
	if q.LookingForUserID == e.selfUserID {
		rec = e.selfRecord()
	} else if known, ok := e.table.Get(q.LookingForUserID); ok {
		rec = known
	} else {
		return
	}

	env := proto.Seal(proto.KindPeerFound, e.selfPeerID, proto.PeerFound{
		RequestID:  q.RequestID,
		UserID:     rec.UserID,
		PeerID:     rec.PeerID,
		SignalAddr: rec.SignalAddr,
		CanRelay:   rec.CanRelay,
		LastSeen:   rec.LastSeen,
	})
	e.conns.SendEnvelope(from, env)
}

// CancelAll retires every in-flight request. Teardown path.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.pending {
		delete(e.pending, id)
	}
}
