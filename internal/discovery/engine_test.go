package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quiltmesh/quilt/internal/directory"
	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/state"
)

type fakeConns struct {
	mu        sync.Mutex
	active    []string
	connected map[string]bool
	sent      []string // peer IDs envelopes went to
	kinds     []string
	onQuery   func(to string, q proto.PeerQuery)

	connectCalls []string
	connectErr   error
}

func (f *fakeConns) ActivePeerIDs() []string { return f.active }

func (f *fakeConns) IsConnected(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peerID]
}

func (f *fakeConns) Connect(ctx context.Context, peerID string) error {
	f.mu.Lock()
	f.connectCalls = append(f.connectCalls, peerID)
	err := f.connectErr
	if err == nil {
		if f.connected == nil {
			f.connected = map[string]bool{}
		}
		f.connected[peerID] = true
	}
	f.mu.Unlock()
	return err
}

func (f *fakeConns) SendEnvelope(peerID string, env proto.Envelope) bool {
	f.mu.Lock()
	f.sent = append(f.sent, peerID)
	f.kinds = append(f.kinds, env.Kind)
	onQuery := f.onQuery
	f.mu.Unlock()

	if env.Kind == proto.KindPeerQuery && onQuery != nil {
		var q proto.PeerQuery
		if err := json.Unmarshal(env.Payload, &q); err == nil {
			go onQuery(peerID, q)
		}
	}
	return true
}

type fakeStore struct {
	mu      sync.Mutex
	routes  map[string]state.PeerRecord
	writes  []state.PeerRecord
	readErr error
}

func (f *fakeStore) Route(networkID, userID string) (state.PeerRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return state.PeerRecord{}, false, f.readErr
	}
	rec, ok := f.routes[userID]
	return rec, ok, nil
}

func (f *fakeStore) UpsertRoute(networkID string, rec state.PeerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, rec)
	return nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeDirectory struct {
	info    directory.PeerInfo
	found   bool
	err     error
	lookups int
}

func (f *fakeDirectory) LookupPeer(ctx context.Context, networkID, userID string) (directory.PeerInfo, bool, error) {
	f.lookups++
	return f.info, f.found, f.err
}

func newTestEngine(conns *fakeConns, store *fakeStore, dir *fakeDirectory, timeout time.Duration) (*Engine, *state.Table) {
	table := state.NewTable(50)
	self := func() state.PeerRecord {
		return state.PeerRecord{UserID: "self", PeerID: "self-peer", CanRelay: true, LastSeen: proto.NowMillis()}
	}
	eng := NewEngine("net", "self", "self-peer", table, conns, store, dir, timeout, self)
	return eng, table
}

func TestResolveLiveConnectionFirst(t *testing.T) {
	conns := &fakeConns{connected: map[string]bool{"p-bob": true}}
	store := &fakeStore{}
	dir := &fakeDirectory{}
	eng, table := newTestEngine(conns, store, dir, time.Second)

	table.Upsert(state.PeerRecord{UserID: "bob", PeerID: "p-bob", LastSeen: 100})

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-bob" {
		t.Fatalf("rec = %+v", rec)
	}
	if len(conns.sent) != 0 || dir.lookups != 0 {
		t.Fatal("live hit still reached later tiers")
	}
}

func TestResolveBroadcastQuery(t *testing.T) {
	conns := &fakeConns{active: []string{"p1", "p2"}}
	store := &fakeStore{}
	eng, _ := newTestEngine(conns, store, &fakeDirectory{}, time.Second)

	conns.onQuery = func(to string, q proto.PeerQuery) {
		if to != "p1" {
			return
		}
		eng.HandlePeerFound(to, proto.PeerFound{
			RequestID: q.RequestID,
			UserID:    "bob",
			PeerID:    "p-bob",
			LastSeen:  123,
		})
	}

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-bob" || rec.LastSeen != 123 {
		t.Fatalf("rec = %+v", rec)
	}
	if !strings.HasPrefix(rec.ConnectionPath, "via ") {
		t.Fatalf("path = %q, want via prefix", rec.ConnectionPath)
	}
	if store.writeCount() == 0 {
		t.Fatal("query hit not written through to cache")
	}
}

func TestResolveLateReplyDropped(t *testing.T) {
	conns := &fakeConns{active: []string{"p1"}}
	eng, _ := newTestEngine(conns, &fakeStore{}, &fakeDirectory{}, 30*time.Millisecond)

	var captured proto.PeerQuery
	var mu sync.Mutex
	conns.onQuery = func(to string, q proto.PeerQuery) {
		mu.Lock()
		captured = q
		mu.Unlock()
	}

	if _, err := eng.Resolve(context.Background(), "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// The request is retired; a straggler reply must be a no-op.
	mu.Lock()
	q := captured
	mu.Unlock()
	eng.HandlePeerFound("p1", proto.PeerFound{RequestID: q.RequestID, UserID: "bob", PeerID: "p-late"})
}

func TestResolveCacheTier(t *testing.T) {
	conns := &fakeConns{} // nothing connected, nothing active
	store := &fakeStore{routes: map[string]state.PeerRecord{
		"bob": {UserID: "bob", PeerID: "p-cached", LastSeen: 50},
	}}
	eng, table := newTestEngine(conns, store, &fakeDirectory{}, time.Second)

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-cached" {
		t.Fatalf("rec = %+v", rec)
	}
	if _, ok := table.Get("bob"); !ok {
		t.Fatal("cache hit not promoted to the in-memory table")
	}
}

func TestResolveCoordinatorTier(t *testing.T) {
	conns := &fakeConns{}
	eng, table := newTestEngine(conns, &fakeStore{}, &fakeDirectory{}, time.Second)

	table.Upsert(state.PeerRecord{UserID: "coord", PeerID: "p-coord", Coordinator: true, LastSeen: 100})

	conns.onQuery = func(to string, q proto.PeerQuery) {
		eng.HandlePeerFound(to, proto.PeerFound{RequestID: q.RequestID, UserID: "bob", PeerID: "p-bob"})
	}

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-bob" {
		t.Fatalf("rec = %+v", rec)
	}
	if len(conns.connectCalls) != 1 || conns.connectCalls[0] != "p-coord" {
		t.Fatalf("connect calls = %v, want [p-coord]", conns.connectCalls)
	}
}

func TestResolveDirectoryLastResort(t *testing.T) {
	dir := &fakeDirectory{
		info:  directory.PeerInfo{UserID: "bob", PeerID: "p-dir", SignalAddr: "sig-b", LastSeen: 77},
		found: true,
	}
	store := &fakeStore{}
	eng, _ := newTestEngine(&fakeConns{}, store, dir, time.Second)

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-dir" || rec.ConnectionPath != "directory" {
		t.Fatalf("rec = %+v", rec)
	}
	if store.writeCount() == 0 {
		t.Fatal("directory hit not written through")
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory down")}
	eng, _ := newTestEngine(&fakeConns{}, &fakeStore{readErr: errors.New("cache broken")}, dir, time.Second)

	if _, err := eng.Resolve(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHandlePeerQueryAnswersForSelf(t *testing.T) {
	conns := &fakeConns{}
	eng, table := newTestEngine(conns, &fakeStore{}, &fakeDirectory{}, time.Second)

	eng.HandlePeerQuery("p-asker", proto.PeerQuery{RequestID: "r1", LookingForUserID: "self"})
	if len(conns.sent) != 1 || conns.sent[0] != "p-asker" || conns.kinds[0] != proto.KindPeerFound {
		t.Fatalf("sent=%v kinds=%v", conns.sent, conns.kinds)
	}

	// Known third party is answered too.
	table.Upsert(state.PeerRecord{UserID: "carol", PeerID: "p-carol", LastSeen: 10})
	eng.HandlePeerQuery("p-asker", proto.PeerQuery{RequestID: "r2", LookingForUserID: "carol"})
	if len(conns.sent) != 2 {
		t.Fatal("known user not answered")
	}

	// Unknown user: silence is the negative answer.
	eng.HandlePeerQuery("p-asker", proto.PeerQuery{RequestID: "r3", LookingForUserID: "stranger"})
	if len(conns.sent) != 2 {
		t.Fatal("unknown user was answered")
	}
}

func TestFirstReplyWins(t *testing.T) {
	conns := &fakeConns{active: []string{"p1", "p2"}}
	eng, _ := newTestEngine(conns, &fakeStore{}, &fakeDirectory{}, time.Second)

	conns.onQuery = func(to string, q proto.PeerQuery) {
		// Both peers answer with different sightings; only the first lands.
		eng.HandlePeerFound(to, proto.PeerFound{RequestID: q.RequestID, UserID: "bob", PeerID: "p-" + to})
	}

	rec, err := eng.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PeerID != "p-p1" && rec.PeerID != "p-p2" {
		t.Fatalf("rec = %+v", rec)
	}
}
