package gossip

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/directory"
	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/state"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("gossip")

// Connections is the slice of the connection manager gossip needs.
type Connections interface {
	Broadcast(env proto.Envelope) int
}

// Store receives write-through for peers learned from gossip.
type Store interface {
	UpsertRoute(networkID string, rec state.PeerRecord) error
}

// Announcer is the directory's presence endpoint, used at a much lower
// frequency than the P2P broadcast so new devices have a bootstrap path.
type Announcer interface {
	Announce(ctx context.Context, networkID string, ann directory.Announcement) error
}

// Gossiper spreads reachability knowledge without extra discovery queries.
// Eventually consistent: direct observations beat gossip when fresher.
type Gossiper struct {
	networkID  string
	self       func() state.PeerRecord
	table      *state.Table
	conns      Connections
	store      Store
	dir        Announcer
	bus        *state.Bus
	sampleSize int
}

func New(networkID string, self func() state.PeerRecord, table *state.Table, conns Connections, store Store, dir Announcer, bus *state.Bus, sampleSize int) *Gossiper {
	if sampleSize <= 0 {
		sampleSize = 10
	}
	return &Gossiper{
		networkID:  networkID,
		self:       self,
		table:      table,
		conns:      conns,
		store:      store,
		dir:        dir,
		bus:        bus,
		sampleSize: sampleSize,
	}
}

// Broadcast sends one presence announcement to every connected peer:
// self identity, capability flags, a bounded known-peer sample, and this
// device's view of membership status.
func (g *Gossiper) Broadcast() {
	selfRec := g.self()

	sample := g.table.Sample(g.sampleSize)
	known := make([]proto.PeerSample, 0, len(sample))
	for _, rec := range sample {
		if rec.UserID == selfRec.UserID {
			continue
		}
		known = append(known, proto.PeerSample{
			UserID:      rec.UserID,
			PeerID:      rec.PeerID,
			SignalAddr:  rec.SignalAddr,
			CanRelay:    rec.CanRelay,
			Coordinator: rec.Coordinator,
			LastSeen:    rec.LastSeen,
		})
	}

	statuses := g.table.Statuses()
	members := make([]proto.MemberStatus, 0, len(statuses))
	for userID, st := range statuses {
		if userID == selfRec.UserID {
			continue
		}
		members = append(members, proto.MemberStatus{
			UserID:   userID,
			Status:   st.Status,
			Path:     st.ConnectionPath,
			LastSeen: st.LastSeen,
		})
	}

	env := proto.Seal(proto.KindPresence, selfRec.PeerID, proto.Presence{
		UserID:      selfRec.UserID,
		PeerID:      selfRec.PeerID,
		SignalAddr:  selfRec.SignalAddr,
		CanRelay:    selfRec.CanRelay,
		Coordinator: selfRec.Coordinator,
		KnownPeers:  known,
		Members:     members,
	})
	n := g.conns.Broadcast(env)
	log.Debugf("presence broadcast to %d peers (%d known, %d members)", n, len(known), len(members))
}

// BroadcastNetworkState pushes this device's view of who is online and
// which peers coordinate. Only coordinators call this; regular members
// learn the same facts from presence gossip.
func (g *Gossiper) BroadcastNetworkState() {
	selfRec := g.self()

	var online []proto.MemberStatus
	for userID, st := range g.table.Statuses() {
		if userID == selfRec.UserID || st.Status == state.StatusOffline {
			continue
		}
		online = append(online, proto.MemberStatus{
			UserID:   userID,
			Status:   st.Status,
			Path:     st.ConnectionPath,
			LastSeen: st.LastSeen,
		})
	}

	coords := []string{selfRec.PeerID}
	for _, rec := range g.table.Coordinators() {
		if rec.PeerID != "" && rec.PeerID != selfRec.PeerID {
			coords = append(coords, rec.PeerID)
		}
	}

	env := proto.Seal(proto.KindNetworkState, selfRec.PeerID, proto.NetworkState{
		OnlineMembers: online,
		Coordinators:  coords,
		TS:            proto.NowMillis(),
	})
	n := g.conns.Broadcast(env)
	log.Debugf("network state broadcast to %d peers (%d online, %d coordinators)", n, len(online), len(coords))
}

// HandlePresence merges an incoming announcement. The broadcaster itself is
// a direct observation; its samples are secondhand and only land when at
// least as fresh as what we already hold.
func (g *Gossiper) HandlePresence(fromPeerID string, p proto.Presence) {
	selfRec := g.self()
	now := proto.NowMillis()

	if p.UserID != "" && p.UserID != selfRec.UserID {
		rec := state.PeerRecord{
			UserID:         p.UserID,
			PeerID:         p.PeerID,
			SignalAddr:     p.SignalAddr,
			CanRelay:       p.CanRelay,
			Coordinator:    p.Coordinator,
			ConnectionPath: "direct",
			LastSeen:       now,
		}
		if g.table.Upsert(rec) {
			g.writeThrough(rec)
		}
		g.table.SetStatus(p.UserID, state.MembershipStatus{
			Status:         state.StatusDirect,
			ConnectionPath: "direct",
			LastSeen:       now,
		})
		g.publishStatus(p.UserID)
	}

	for _, sample := range p.KnownPeers {
		if sample.UserID == "" || sample.UserID == selfRec.UserID {
			continue
		}
		rec := state.PeerRecord{
			UserID:         sample.UserID,
			PeerID:         sample.PeerID,
			SignalAddr:     sample.SignalAddr,
			CanRelay:       sample.CanRelay,
			Coordinator:    sample.Coordinator,
			ConnectionPath: "via " + util.ShortID(fromPeerID),
			LastSeen:       sample.LastSeen,
		}
		if g.table.Upsert(rec) {
			g.writeThrough(rec)
		}
	}

	for _, member := range p.Members {
		if member.UserID == "" || member.UserID == selfRec.UserID {
			continue
		}
		applied := g.table.MergeStatus(member.UserID, state.MembershipStatus{
			Status:         member.Status,
			ConnectionPath: member.Path,
			LastSeen:       member.LastSeen,
		})
		if applied {
			g.publishStatus(member.UserID)
		}
	}
}

// HandleNetworkState ingests a coordinator's view of the network. Merged by
// timestamp like any other gossip; fresher local observations win.
func (g *Gossiper) HandleNetworkState(fromPeerID string, ns proto.NetworkState) {
	selfRec := g.self()

	for _, member := range ns.OnlineMembers {
		if member.UserID == "" || member.UserID == selfRec.UserID {
			continue
		}
		ts := member.LastSeen
		if ts == 0 {
			ts = ns.TS
		}
		applied := g.table.MergeStatus(member.UserID, state.MembershipStatus{
			Status:         member.Status,
			ConnectionPath: member.Path,
			LastSeen:       ts,
		})
		if applied {
			g.publishStatus(member.UserID)
		}
	}

	for _, coordPeerID := range ns.Coordinators {
		g.table.MarkCoordinator(coordPeerID)
	}

	g.bus.Publish(state.Event{
		Kind:    state.EventNetworkStateUpdate,
		PeerID:  fromPeerID,
		Network: &ns,
	})
}

func (g *Gossiper) writeThrough(rec state.PeerRecord) {
	if err := g.store.UpsertRoute(g.networkID, rec); err != nil {
		log.Warnf("route write for %s failed: %v", rec.UserID, err)
	}
}

func (g *Gossiper) publishStatus(userID string) {
	st, ok := g.table.Status(userID)
	if !ok {
		return
	}
	g.bus.Publish(state.Event{
		Kind:   state.EventPeerStatusUpdate,
		UserID: userID,
		Status: &st,
	})
}

// AnnounceDirectory posts one presence heartbeat to the directory.
func (g *Gossiper) AnnounceDirectory(ctx context.Context) {
	selfRec := g.self()
	err := g.dir.Announce(ctx, g.networkID, directory.Announcement{
		UserID:      selfRec.UserID,
		PeerID:      selfRec.PeerID,
		SignalAddr:  selfRec.SignalAddr,
		CanRelay:    selfRec.CanRelay,
		Coordinator: selfRec.Coordinator,
	})
	if err != nil {
		log.Warnf("directory announce failed: %v", err)
	}
}
