package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/quiltmesh/quilt/internal/config"
	"github.com/quiltmesh/quilt/internal/conn"
	"github.com/quiltmesh/quilt/internal/directory"
	"github.com/quiltmesh/quilt/internal/discovery"
	"github.com/quiltmesh/quilt/internal/gossip"
	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/router"
	"github.com/quiltmesh/quilt/internal/signal"
	"github.com/quiltmesh/quilt/internal/state"
	"github.com/quiltmesh/quilt/internal/storage"
	"github.com/quiltmesh/quilt/internal/transport"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("session")

// Lifecycle states. Transitions only move forward; a terminated manager
// is not reusable.
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateActive        = "active"
	StateTearingDown   = "tearing-down"
	StateTerminated    = "terminated"
)

var (
	ErrNotActive          = errors.New("session: not active")
	ErrAlreadyInitialized = errors.New("session: already initialized")
)

// Manager wires every subsystem together and owns their lifecycles. It is
// the only type callers outside this module need to touch.
type Manager struct {
	mu    sync.Mutex
	cfg   config.Config
	state string

	peerID string
	token  string

	bus   *state.Bus
	table *state.Table
	db    *storage.DB
	dir   *directory.Client
	sig   *signal.Client
	pool  *conn.Manager
	disc  *discovery.Engine
	gos   *gossip.Gossiper
	rtr   *router.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup

	teardown []string
}

func New(cfg config.Config) *Manager {
	return &Manager{cfg: cfg, state: StateUninitialized}
}

// State reports the current lifecycle state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerID is the ephemeral device identifier minted for this session.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// selfRecord is the record this device gossips and answers queries with.
func (m *Manager) selfRecord() state.PeerRecord {
	m.mu.Lock()
	cfg := m.cfg
	peerID := m.peerID
	m.mu.Unlock()
	return state.PeerRecord{
		UserID:      cfg.Identity.UserID,
		PeerID:      peerID,
		SignalAddr:  cfg.Identity.SignalAddr,
		CanRelay:    cfg.Identity.CanRelay,
		Coordinator: cfg.Identity.Coordinator,
		LastSeen:    proto.NowMillis(),
	}
}

// Initialize brings the engine up: storage, directory, signaling,
// connection pool, discovery, gossip, and routing, plus every background
// timer. networkID and userID override the configured identity when
// non-empty; token authenticates against the rendezvous and directory
// services.
func (m *Manager) Initialize(networkID, userID, token string) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.state = StateInitializing
	if networkID != "" {
		m.cfg.Identity.NetworkID = networkID
	}
	if userID != "" {
		m.cfg.Identity.UserID = userID
	}
	m.token = token
	m.peerID = uuid.NewString()
	cfg := m.cfg
	peerID := m.peerID
	m.mu.Unlock()

	if cfg.Identity.NetworkID == "" || cfg.Identity.UserID == "" {
		m.setState(StateUninitialized)
		return errors.New("session: network_id and user_id are required")
	}
	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	db, err := storage.Open(cfg.Storage.Dir)
	if err != nil {
		m.setState(StateUninitialized)
		return fmt.Errorf("session: %w", err)
	}

	bus := state.NewBus()
	table := state.NewTable(cfg.Pool.MetadataCap)
	dir := directory.NewClient(cfg.Directory.URL, token)
	if cfg.Directory.TimeoutSec > 0 {
		dir.HTTP.Timeout = time.Duration(cfg.Directory.TimeoutSec) * time.Second
	}
	sig := signal.NewClient(cfg.Signaling.URL, token, peerID,
		time.Duration(cfg.Signaling.BackoffMinMS)*time.Millisecond,
		time.Duration(cfg.Signaling.BackoffMaxMS)*time.Millisecond)

	dialer := transportDialer(dir)
	pool := conn.NewManager(peerID, dialer, sig, bus, conn.Options{
		MaxActive:  cfg.Pool.MaxActive,
		MaxStandby: cfg.Pool.MaxStandby,
		StaleAfter: time.Duration(cfg.Pool.StaleSec) * time.Second,
	})
	sig.SetHandler(pool.HandleSignal)

	disc := discovery.NewEngine(cfg.Identity.NetworkID, cfg.Identity.UserID, peerID,
		table, pool, db, dir,
		time.Duration(cfg.Discovery.QueryTimeoutSec)*time.Second, m.selfRecord)
	gos := gossip.New(cfg.Identity.NetworkID, m.selfRecord, table, pool, db, dir, bus, cfg.Gossip.SampleSize)
	rtr := router.New(cfg.Identity.NetworkID, cfg.Identity.UserID, peerID,
		disc, pool, table, db, bus, cfg.Router.RelayHopLimit,
		time.Duration(cfg.Storage.QueueTTLHours)*time.Hour)

	m.mu.Lock()
	m.bus, m.table, m.db, m.dir, m.sig = bus, table, db, dir, sig
	m.pool, m.disc, m.gos, m.rtr = pool, disc, gos, rtr
	m.mu.Unlock()

	pool.SetHandler(m.handleEnvelope)

	// Prime the in-memory table from the persistent cache so discovery
	// has routes before the first gossip round arrives.
	if routes, err := db.Routes(cfg.Identity.NetworkID); err != nil {
		log.Errorw("prime routes", "err", err)
	} else {
		for _, rec := range routes {
			table.Upsert(rec)
		}
		log.Infow("primed peer table", "routes", len(routes))
	}

	// Standby hints from the previous run. These are candidates to dial,
	// not live connections.
	if ids, err := db.Snapshots(cfg.Identity.NetworkID); err != nil {
		log.Errorw("load snapshots", "err", err)
	} else if len(ids) > 0 {
		pool.SeedStandby(ids)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sig.Run(ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forwardNATFailures(ctx)
	}()

	// First announce is best-effort: a dead directory does not block
	// startup, it just means we rely on gossip until it recovers.
	if cfg.Signaling.URL != "" {
		wait, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := sig.WaitConnected(wait); err != nil {
			log.Warnw("signaling not connected yet, continuing", "err", err)
		}
		waitCancel()
	}
	gos.AnnounceDirectory(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bootstrap(ctx)
	}()

	m.startTimers(ctx)

	m.setState(StateActive)
	log.Infow("session active",
		"network", cfg.Identity.NetworkID,
		"user", cfg.Identity.UserID,
		"peer", util.ShortID(peerID))
	return nil
}

// bootstrapDialLimit caps how many peers the fresh session dials before
// gossip and discovery take over.
const bootstrapDialLimit = 3

// bootstrap gives a fresh device its first channels: seed the table from
// the directory's member list, then dial standby hints from the previous
// run and the freshest listed peers. Without this a network with no
// coordinator would never form a single connection.
func (m *Manager) bootstrap(ctx context.Context) {
	m.mu.Lock()
	networkID := m.cfg.Identity.NetworkID
	userID := m.cfg.Identity.UserID
	selfPeerID := m.peerID
	m.mu.Unlock()

	targets := m.pool.StandbyPeers()

	peers, err := m.dir.ListPeers(ctx, networkID)
	if err != nil {
		log.Warnw("directory peer list", "err", err)
	}
	for _, p := range peers {
		if p.UserID == "" || p.UserID == userID || p.PeerID == selfPeerID {
			continue
		}
		rec := state.PeerRecord{
			UserID:         p.UserID,
			PeerID:         p.PeerID,
			SignalAddr:     p.SignalAddr,
			CanRelay:       p.CanRelay,
			Coordinator:    p.Coordinator,
			ConnectionPath: "directory",
			LastSeen:       p.LastSeen,
		}
		if m.table.Upsert(rec) {
			if err := m.db.UpsertRoute(networkID, rec); err != nil {
				log.Warnw("bootstrap route write", "user", p.UserID, "err", err)
			}
		}
		if p.Online && p.PeerID != "" {
			targets = append(targets, p.PeerID)
		}
	}

	dialed := 0
	tried := map[string]bool{}
	for _, peerID := range targets {
		if dialed >= bootstrapDialLimit || ctx.Err() != nil {
			return
		}
		if peerID == "" || peerID == selfPeerID || tried[peerID] || m.pool.IsConnected(peerID) {
			continue
		}
		tried[peerID] = true
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := m.pool.Connect(dialCtx, peerID)
		cancel()
		if err != nil {
			log.Debugw("bootstrap dial", "peer", util.ShortID(peerID), "err", err)
			continue
		}
		dialed++
	}
}

// transportDialer adapts the directory's ICE credential endpoint to the
// transport layer's provider shape.
func transportDialer(dir *directory.Client) *transport.WebRTC {
	return transport.NewWebRTC(func(ctx context.Context) ([]webrtc.ICEServer, error) {
		servers, err := dir.ICEServers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]webrtc.ICEServer, 0, len(servers))
		for _, s := range servers {
			ice := webrtc.ICEServer{URLs: s.URLs}
			if s.Username != "" {
				ice.Username = s.Username
				ice.Credential = s.Credential
			}
			out = append(out, ice)
		}
		return out, nil
	})
}

// startTimers launches every background loop. Intervals are re-read each
// cycle so a config reload takes effect without a restart.
func (m *Manager) startTimers(ctx context.Context) {
	m.runEvery(ctx, func() time.Duration {
		return m.interval(func(c config.Config) int { return c.Gossip.IntervalSec })
	}, func(context.Context) { m.gos.Broadcast() })

	m.runEvery(ctx, func() time.Duration {
		return m.interval(func(c config.Config) int { return c.Directory.AnnounceSec })
	}, m.gos.AnnounceDirectory)

	if m.cfg.Identity.Coordinator {
		m.runEvery(ctx, func() time.Duration {
			return m.interval(func(c config.Config) int { return c.Directory.HeartbeatSec })
		}, m.heartbeat)
		m.runEvery(ctx, func() time.Duration {
			return m.interval(func(c config.Config) int { return c.Gossip.IntervalSec })
		}, func(context.Context) { m.gos.BroadcastNetworkState() })
	}

	m.runEvery(ctx, func() time.Duration {
		return m.interval(func(c config.Config) int { return c.Pool.SweepSec })
	}, func(context.Context) { m.pool.Sweep() })

	m.runEvery(ctx, func() time.Duration {
		return m.interval(func(c config.Config) int { return c.Router.FlushSec })
	}, m.rtr.Flush)

	m.runEvery(ctx, func() time.Duration {
		return m.interval(func(c config.Config) int { return c.Storage.CleanupSec })
	}, m.maintain)
}

func (m *Manager) interval(pick func(config.Config) int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := pick(m.cfg)
	if sec <= 0 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

func (m *Manager) runEvery(ctx context.Context, every func() time.Duration, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(every())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
				t.Reset(every())
			}
		}
	}()
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	networkID := m.cfg.Identity.NetworkID
	peerID := m.peerID
	m.mu.Unlock()
	if err := m.dir.CoordinatorHeartbeat(ctx, networkID, peerID); err != nil {
		log.Warnw("coordinator heartbeat", "err", err)
	}
}

// maintain prunes stale routes, snapshots, and expired queue rows. Peers
// dropped from the table are reported offline so consumers converge.
func (m *Manager) maintain(ctx context.Context) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	now := proto.NowMillis()
	cutoff := now - int64(cfg.Storage.RouteMaxAgeHours)*time.Hour.Milliseconds()
	if err := m.db.Cleanup(cutoff, cutoff); err != nil {
		log.Errorw("storage cleanup", "err", err)
	}
	for _, userID := range m.table.PruneStale(cutoff) {
		st := state.MembershipStatus{Status: state.StatusOffline, LastSeen: now}
		m.table.SetStatus(userID, st)
		m.bus.Publish(state.Event{Kind: state.EventPeerStatusUpdate, UserID: userID, Status: &st})
	}
}

// forwardNATFailures feeds ICE failures into the router's relay
// preference so the next send toward that peer skips the broken path.
func (m *Manager) forwardNATFailures(ctx context.Context) {
	ch := m.bus.Subscribe()
	defer m.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Kind == state.EventNATFailure && evt.PeerID != "" {
				m.rtr.NoteNATFailure(evt.PeerID)
			}
		}
	}
}

// handleEnvelope demultiplexes every frame arriving on any data channel.
// Unknown kinds are dropped with a debug line; a misbehaving peer must
// not take the session down.
func (m *Manager) handleEnvelope(fromPeerID string, env proto.Envelope) {
	switch env.Kind {
	case proto.KindPeerQuery:
		var q proto.PeerQuery
		if json.Unmarshal(env.Payload, &q) == nil {
			m.disc.HandlePeerQuery(fromPeerID, q)
		}
	case proto.KindPeerFound:
		var pf proto.PeerFound
		if json.Unmarshal(env.Payload, &pf) == nil {
			m.disc.HandlePeerFound(fromPeerID, pf)
		}
	case proto.KindPresence:
		var p proto.Presence
		if json.Unmarshal(env.Payload, &p) == nil {
			m.gos.HandlePresence(fromPeerID, p)
			if p.CanRelay {
				m.pool.SetRelay(fromPeerID, true)
			}
		}
	case proto.KindNetworkState:
		var ns proto.NetworkState
		if json.Unmarshal(env.Payload, &ns) == nil {
			m.gos.HandleNetworkState(fromPeerID, ns)
		}
	case proto.KindRelay:
		var rl proto.Relay
		if json.Unmarshal(env.Payload, &rl) == nil {
			m.rtr.HandleRelay(fromPeerID, rl)
		}
	case proto.KindStoreMessage:
		var sm proto.StoreMessage
		if json.Unmarshal(env.Payload, &sm) == nil {
			m.rtr.HandleStoreMessage(fromPeerID, sm)
		}
	case proto.KindChat:
		var c proto.Chat
		if json.Unmarshal(env.Payload, &c) == nil {
			m.rtr.HandleChat(fromPeerID, c)
		}
	default:
		log.Debugw("unknown envelope kind", "kind", env.Kind, "from", util.ShortID(fromPeerID))
	}
}

// SendMessage routes payload to userID. Returns (true, nil) on live
// delivery, (false, nil) when the payload was queued, and an error only
// when the session is not active.
func (m *Manager) SendMessage(ctx context.Context, userID string, payload []byte) (bool, error) {
	if m.State() != StateActive {
		return false, ErrNotActive
	}
	return m.rtr.Send(ctx, userID, payload), nil
}

// ActiveConnections lists the live pool for diagnostics and UIs.
func (m *Manager) ActiveConnections() []conn.Connection {
	if m.State() != StateActive {
		return nil
	}
	return m.pool.ListActive()
}

// Events subscribes to the session's event stream. Callers must drain
// the channel; slow consumers miss events rather than block the engine.
func (m *Manager) Events() chan state.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return nil
	}
	return m.bus.Subscribe()
}

// ApplyConfig swaps in a reloaded configuration. Timer loops pick up the
// new intervals on their next cycle; identity and storage settings are
// intentionally not hot-swappable.
func (m *Manager) ApplyConfig(cfg config.Config) {
	m.mu.Lock()
	cfg.Identity = m.cfg.Identity
	cfg.Storage = m.cfg.Storage
	m.cfg = cfg
	m.mu.Unlock()
	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}
	log.Infow("configuration reloaded")
}

func (m *Manager) setState(s string) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) step(name string) {
	m.mu.Lock()
	m.teardown = append(m.teardown, name)
	m.mu.Unlock()
	log.Infow("teardown", "step", name)
}

// TeardownSteps reports the ordered steps of the last Destroy, for
// diagnostics.
func (m *Manager) TeardownSteps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.teardown))
	copy(out, m.teardown)
	return out
}

// Destroy tears the session down in strict order: timers, connections,
// signaling, in-flight discoveries, in-memory caches, storage. Every
// step is best-effort; a failure is logged and the next step still runs.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.state != StateActive && m.state != StateInitializing {
		m.mu.Unlock()
		return nil
	}
	m.state = StateTearingDown
	m.teardown = nil
	cancel := m.cancel
	networkID := m.cfg.Identity.NetworkID
	m.mu.Unlock()

	m.step("stop timers")
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.step("close connections")
	if m.db != nil && m.pool != nil {
		now := proto.NowMillis()
		if err := m.db.ClearSnapshots(networkID); err != nil {
			log.Errorw("clear snapshots", "err", err)
		}
		for _, c := range m.pool.ListActive() {
			if err := m.db.SaveSnapshot(networkID, c.PeerID, c.EstablishedAt.UnixMilli(), c.IsRelay, now); err != nil {
				log.Errorw("save snapshot", "peer", util.ShortID(c.PeerID), "err", err)
			}
		}
	}
	if m.pool != nil {
		m.pool.CloseAll()
	}

	m.step("close signaling")
	if m.sig != nil {
		if err := m.sig.Close(); err != nil {
			log.Errorw("close signaling", "err", err)
		}
	}

	m.step("cancel discoveries")
	if m.disc != nil {
		m.disc.CancelAll()
	}

	m.step("clear caches")
	if m.table != nil {
		m.table.Clear()
	}

	m.step("close storage")
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			log.Errorw("close storage", "err", err)
		}
	}

	if m.bus != nil {
		m.bus.Close()
	}
	m.setState(StateTerminated)
	log.Infow("session terminated")
	return nil
}
