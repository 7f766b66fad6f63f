package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/state"
	"github.com/quiltmesh/quilt/internal/transport"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("conn")

// Negotiation states.
const (
	NegConnecting = "connecting"
	NegConnected  = "connected"
	NegFailed     = "failed"
	NegClosed     = "closed"
)

// Data channel states.
const (
	ChanConnecting = "connecting"
	ChanOpen       = "open"
	ChanClosing    = "closing"
	ChanClosed     = "closed"
)

var ErrPoolClosed = errors.New("conn: manager closed")

// Connection is the read-only snapshot exposed to the router and gossip.
type Connection struct {
	PeerID           string
	NegotiationState string
	ChannelState     string
	EstablishedAt    time.Time
	IsRelay          bool
}

// SignalSender forwards negotiation frames to the rendezvous service.
type SignalSender interface {
	Send(proto.SignalMessage) error
}

// Options bound the pool. Zero values fall back to the defaults the
// orchestrator reads from config.
type Options struct {
	MaxActive  int
	MaxStandby int
	StaleAfter time.Duration
}

// Manager owns every live point-to-point channel. Connections are created
// here, monitored here, and torn down here; nobody else holds a session.
type Manager struct {
	selfPeerID string
	dialer     transport.Dialer
	signals    SignalSender
	bus        *state.Bus
	opts       Options

	mu      sync.Mutex
	conns   map[string]*managed
	standby map[string]int64 // peerID → last seen millis; cached descriptors, not sessions
	closed  bool

	handlerMu sync.RWMutex
	handler   func(fromPeerID string, env proto.Envelope)
}

type managed struct {
	peerID        string
	sess          transport.Session
	negState      string
	chanState     string
	createdAt     time.Time
	establishedAt time.Time
	isRelay       bool

	opened chan struct{}
	failed chan struct{}
	once   sync.Once // guards opened/failed close
}

func NewManager(selfPeerID string, dialer transport.Dialer, signals SignalSender, bus *state.Bus, opts Options) *Manager {
	if opts.MaxActive <= 0 {
		opts.MaxActive = 5
	}
	if opts.MaxStandby <= 0 {
		opts.MaxStandby = 10
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 60 * time.Second
	}
	return &Manager{
		selfPeerID: selfPeerID,
		dialer:     dialer,
		signals:    signals,
		bus:        bus,
		opts:       opts,
		conns:      make(map[string]*managed),
		standby:    make(map[string]int64),
	}
}

// SetHandler registers the demultiplexer for inbound envelopes. Must be set
// before any connection opens.
func (m *Manager) SetHandler(fn func(fromPeerID string, env proto.Envelope)) {
	m.handlerMu.Lock()
	m.handler = fn
	m.handlerMu.Unlock()
}

// Connect establishes (or reuses) a channel to peerID and blocks until the
// data channel is open, the negotiation fails, or ctx expires. A connection
// counts as connected only when the handshake completed AND the channel
// reported open; anything else is not usable for sending.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if peerID == m.selfPeerID {
		return errors.New("conn: refusing to dial self")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPoolClosed
	}
	if existing, ok := m.conns[peerID]; ok {
		m.mu.Unlock()
		return m.await(ctx, existing)
	}

	// Free capacity before accepting new work: sweep the dead wood, and if
	// the pool is still full evict the oldest established connection.
	m.sweepLocked(time.Now())
	for len(m.conns) >= m.opts.MaxActive {
		m.evictOldestLocked()
	}

	c := &managed{
		peerID:    peerID,
		negState:  NegConnecting,
		chanState: ChanConnecting,
		createdAt: time.Now(),
		opened:    make(chan struct{}),
		failed:    make(chan struct{}),
	}
	m.conns[peerID] = c
	delete(m.standby, peerID)
	m.mu.Unlock()

	sess, err := m.dialer.NewSession(peerID, true, m.callbacks(c))
	if err != nil {
		m.dropFailed(c)
		return err
	}
	c.sess = sess

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()

	if err := sess.Start(dialCtx); err != nil {
		m.dropFailed(c)
		return err
	}

	return m.await(dialCtx, c)
}

// await blocks until the connection opens or dies.
func (m *Manager) await(ctx context.Context, c *managed) error {
	select {
	case <-c.opened:
		return nil
	case <-c.failed:
		return errors.New("conn: negotiation failed")
	case <-ctx.Done():
		m.dropFailed(c)
		return ctx.Err()
	}
}

func (m *Manager) callbacks(c *managed) transport.Callbacks {
	return transport.Callbacks{
		OnSignal: func(kind, payload string) {
			err := m.signals.Send(proto.SignalMessage{
				Kind:       kind,
				FromPeerID: m.selfPeerID,
				ToPeerID:   c.peerID,
				Payload:    payload,
			})
			if err != nil {
				log.Debugf("%s: signal send failed: %v", util.ShortID(c.peerID), err)
			}
		},
		OnOpen: func() {
			m.mu.Lock()
			c.negState = NegConnected
			c.chanState = ChanOpen
			c.establishedAt = time.Now()
			m.mu.Unlock()
			c.once.Do(func() { close(c.opened) })
			log.Infof("connected to %s", util.ShortID(c.peerID))
			m.bus.Publish(state.Event{Kind: state.EventPeerConnected, PeerID: c.peerID})
		},
		OnMessage: func(data []byte) {
			var env proto.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Debugf("%s: bad envelope: %v", util.ShortID(c.peerID), err)
				return
			}
			if env.From == "" {
				env.From = c.peerID
			}
			m.handlerMu.RLock()
			fn := m.handler
			m.handlerMu.RUnlock()
			if fn != nil {
				fn(c.peerID, env)
			}
		},
		OnFailed: func() {
			log.Infof("negotiation failed for %s", util.ShortID(c.peerID))
			m.dropFailed(c)
		},
		OnClosed: func() {
			m.remove(c, NegClosed)
		},
	}
}

// dropFailed marks a connection failed, removes it from the active set, and
// emits the NAT-traversal-failure signal the router listens for. Failed
// connections are never retried from this layer.
func (m *Manager) dropFailed(c *managed) {
	m.mu.Lock()
	alreadyGone := m.conns[c.peerID] != c
	wasOpen := c.chanState == ChanOpen
	c.negState = NegFailed
	c.chanState = ChanClosed
	if !alreadyGone {
		delete(m.conns, c.peerID)
		m.parkStandbyLocked(c.peerID)
	}
	m.mu.Unlock()

	c.once.Do(func() { close(c.failed) })
	if c.sess != nil {
		_ = c.sess.Close()
	}
	if !alreadyGone {
		m.bus.Publish(state.Event{Kind: state.EventNATFailure, PeerID: c.peerID})
		if wasOpen {
			m.bus.Publish(state.Event{Kind: state.EventPeerDisconnected, PeerID: c.peerID})
		}
	}
}

func (m *Manager) remove(c *managed, negState string) {
	m.mu.Lock()
	alreadyGone := m.conns[c.peerID] != c
	wasOpen := c.chanState == ChanOpen || c.chanState == ChanClosing
	c.negState = negState
	c.chanState = ChanClosed
	if !alreadyGone {
		delete(m.conns, c.peerID)
		m.parkStandbyLocked(c.peerID)
	}
	m.mu.Unlock()

	c.once.Do(func() { close(c.failed) })
	if !alreadyGone && wasOpen {
		m.bus.Publish(state.Event{Kind: state.EventPeerDisconnected, PeerID: c.peerID})
	}
}

// parkStandbyLocked records a cached descriptor for a peer we recently had a
// channel to, bounded by MaxStandby with oldest eviction.
func (m *Manager) parkStandbyLocked(peerID string) {
	m.standby[peerID] = proto.NowMillis()
	for len(m.standby) > m.opts.MaxStandby {
		var victim string
		var oldest int64 = -1
		for id, ts := range m.standby {
			if oldest < 0 || ts < oldest {
				oldest = ts
				victim = id
			}
		}
		delete(m.standby, victim)
	}
}

// SeedStandby primes descriptors from a previous session's snapshot.
func (m *Manager) SeedStandby(peerIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range peerIDs {
		m.parkStandbyLocked(id)
	}
}

// StandbyPeers returns cached descriptors, for redial hints.
func (m *Manager) StandbyPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.standby))
	for id := range m.standby {
		out = append(out, id)
	}
	return out
}

// HandleSignal routes an inbound negotiation frame. Offers for unknown
// peers create the accepting side of a session; answers and candidates go
// to the session already negotiating.
func (m *Manager) HandleSignal(msg proto.SignalMessage) {
	if msg.ToPeerID != "" && msg.ToPeerID != m.selfPeerID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c, ok := m.conns[msg.FromPeerID]
	if !ok {
		if msg.Kind != proto.SignalOffer {
			m.mu.Unlock()
			log.Debugf("dropping %s from %s with no session", msg.Kind, util.ShortID(msg.FromPeerID))
			return
		}
		m.sweepLocked(time.Now())
		for len(m.conns) >= m.opts.MaxActive {
			m.evictOldestLocked()
		}
		c = &managed{
			peerID:    msg.FromPeerID,
			negState:  NegConnecting,
			chanState: ChanConnecting,
			createdAt: time.Now(),
			opened:    make(chan struct{}),
			failed:    make(chan struct{}),
		}
		m.conns[msg.FromPeerID] = c
		delete(m.standby, msg.FromPeerID)
		m.mu.Unlock()

		sess, err := m.dialer.NewSession(msg.FromPeerID, false, m.callbacks(c))
		if err != nil {
			log.Warnf("accept session for %s: %v", util.ShortID(msg.FromPeerID), err)
			m.dropFailed(c)
			return
		}
		c.sess = sess
	} else {
		m.mu.Unlock()
	}

	if c.sess == nil {
		return
	}
	if err := c.sess.HandleSignal(msg.Kind, msg.Payload); err != nil {
		log.Debugf("%s: signal %s rejected: %v", util.ShortID(msg.FromPeerID), msg.Kind, err)
	}
}

// Send writes an already-encoded frame to a connected peer. Returns false
// when no open channel exists or the write fails.
func (m *Manager) Send(peerID string, data []byte) bool {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	usable := ok && c.negState == NegConnected && c.chanState == ChanOpen
	m.mu.Unlock()
	if !usable {
		return false
	}
	if err := c.sess.Send(data); err != nil {
		log.Debugf("%s: send failed: %v", util.ShortID(peerID), err)
		return false
	}
	return true
}

// SendEnvelope marshals and sends a protocol envelope.
func (m *Manager) SendEnvelope(peerID string, env proto.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return m.Send(peerID, b)
}

// Broadcast sends an envelope to every connected peer and returns how many
// writes succeeded.
func (m *Manager) Broadcast(env proto.Envelope) int {
	n := 0
	for _, id := range m.ActivePeerIDs() {
		if m.SendEnvelope(id, env) {
			n++
		}
	}
	return n
}

// Close tears down the channel to one peer.
func (m *Manager) Close(peerID string) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	if ok {
		c.chanState = ChanClosing
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if c.sess != nil {
		_ = c.sess.Close()
	}
	m.remove(c, NegClosed)
}

// CloseAll tears down every channel and refuses new work. Called only
// during session teardown, after timers have stopped.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*managed, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.sess != nil {
			_ = c.sess.Close()
		}
		m.remove(c, NegClosed)
	}
}

// ListActive returns snapshots of every tracked connection.
func (m *Manager) ListActive() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, Connection{
			PeerID:           c.peerID,
			NegotiationState: c.negState,
			ChannelState:     c.chanState,
			EstablishedAt:    c.establishedAt,
			IsRelay:          c.isRelay,
		})
	}
	return out
}

// ActivePeerIDs returns the peers with an open channel.
func (m *Manager) ActivePeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.negState == NegConnected && c.chanState == ChanOpen {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	return ok && c.negState == NegConnected && c.chanState == ChanOpen
}

// SetRelay flags a connection as relay-assisted for status reporting.
func (m *Manager) SetRelay(peerID string, isRelay bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peerID]; ok {
		c.isRelay = isRelay
	}
}

// Sweep closes connections that are failed, or stuck non-connected past the
// staleness threshold. Runs periodically and before each new attempt.
func (m *Manager) Sweep() {
	m.mu.Lock()
	victims := m.sweepLocked(time.Now())
	m.mu.Unlock()
	for _, c := range victims {
		if c.sess != nil {
			_ = c.sess.Close()
		}
		c.once.Do(func() { close(c.failed) })
	}
}

// sweepLocked collects sweep victims and removes them from the table.
// Sessions are closed by the caller outside the lock.
func (m *Manager) sweepLocked(now time.Time) []*managed {
	var victims []*managed
	for id, c := range m.conns {
		stuck := c.negState == NegConnecting && now.Sub(c.createdAt) > m.opts.StaleAfter
		if c.negState == NegFailed || stuck {
			delete(m.conns, id)
			m.parkStandbyLocked(id)
			victims = append(victims, c)
		}
	}
	return victims
}

// evictOldestLocked closes the longest-established connection to make room.
// Pool discipline is eviction, never refusal.
func (m *Manager) evictOldestLocked() {
	var victim *managed
	for _, c := range m.conns {
		if victim == nil || c.createdAt.Before(victim.createdAt) {
			victim = c
		}
	}
	if victim == nil {
		return
	}
	delete(m.conns, victim.peerID)
	m.parkStandbyLocked(victim.peerID)
	log.Infof("evicting %s to free pool capacity", util.ShortID(victim.peerID))
	if victim.sess != nil {
		go victim.sess.Close()
	}
	victim.once.Do(func() { close(victim.failed) })
}
