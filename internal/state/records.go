package state

import (
	"sync"
)

// Membership status tiers.
const (
	StatusDirect  = "direct"
	StatusRelay   = "relay"
	StatusOffline = "offline"
)

// PeerRecord is everything this device knows about how to reach a user.
// LastSeen is unix millis; a record is only overwritten by data at least
// as recent, so a stale gossip sample can never clobber a fresh sighting.
type PeerRecord struct {
	UserID      string
	PeerID      string
	SignalAddr  string
	CanRelay    bool
	Coordinator bool

	// Human-readable hop description, e.g. "direct" or "via 12ab34cd".
	ConnectionPath string

	LastSeen int64
}

// MembershipStatus is the derived per-user reachability view. It is
// recomputed from records plus live connection state, never authoritative.
type MembershipStatus struct {
	Status         string
	ConnectionPath string
	LastSeen       int64
}

// Table holds peer records and membership statuses for one network session.
// All writes go through the orchestrator's single logical thread of control;
// the mutex exists for the read-heavy callers (discovery, router, gossip).
type Table struct {
	mu       sync.Mutex
	records  map[string]PeerRecord       // keyed by user ID
	statuses map[string]MembershipStatus // keyed by user ID
	cap      int
}

func NewTable(capacity int) *Table {
	return &Table{
		records:  map[string]PeerRecord{},
		statuses: map[string]MembershipStatus{},
		cap:      capacity,
	}
}

// Upsert applies rec only when strictly newer than the stored record, so
// a tie can never replace the signal address or connection path learned
// from the earlier observation. Returns true when the record was applied.
// When the table is over capacity the entry with the oldest LastSeen is
// evicted first.
func (t *Table) Upsert(rec PeerRecord) bool {
	if rec.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.records[rec.UserID]; ok {
		if rec.LastSeen <= existing.LastSeen {
			return false
		}
	} else if t.cap > 0 && len(t.records) >= t.cap {
		t.evictOldestLocked()
	}
	t.records[rec.UserID] = rec
	return true
}

// evictOldestLocked drops the record with the smallest LastSeen.
func (t *Table) evictOldestLocked() {
	var victim string
	var oldest int64 = -1
	for id, rec := range t.records {
		if oldest < 0 || rec.LastSeen < oldest {
			oldest = rec.LastSeen
			victim = id
		}
	}
	if victim != "" {
		delete(t.records, victim)
		delete(t.statuses, victim)
	}
}

func (t *Table) Get(userID string) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// ByPeerID scans for the record advertising the given peer ID.
func (t *Table) ByPeerID(peerID string) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		if rec.PeerID == peerID {
			return rec, true
		}
	}
	return PeerRecord{}, false
}

func (t *Table) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
	delete(t.statuses, userID)
}

func (t *Table) Snapshot() map[string]PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]PeerRecord, len(t.records))
	for k, v := range t.records {
		cp[k] = v
	}
	return cp
}

// Sample returns up to n records, freshest first. Used to bound the gossip
// known-peer payload.
func (t *Table) Sample(n int) []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	// Insertion sort by LastSeen descending; tables are small (cap ~50).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeen > out[j-1].LastSeen; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Coordinators returns the records flagged as coordinator peers.
func (t *Table) Coordinators() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PeerRecord
	for _, rec := range t.records {
		if rec.Coordinator {
			out = append(out, rec)
		}
	}
	return out
}

// PruneStale removes records whose LastSeen is before cutoff (unix millis).
// Returns the user IDs that were dropped.
func (t *Table) PruneStale(cutoff int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []string
	for id, rec := range t.records {
		if rec.LastSeen < cutoff {
			delete(t.records, id)
			delete(t.statuses, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// MarkCoordinator flags the record advertising peerID as a coordinator
// without touching its freshness.
func (t *Table) MarkCoordinator(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if rec.PeerID == peerID {
			rec.Coordinator = true
			t.records[id] = rec
			return
		}
	}
}

// MergeStatus applies an incoming membership status only if strictly newer
// than what is already held. Returns true when applied.
func (t *Table) MergeStatus(userID string, st MembershipStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.statuses[userID]; ok {
		if st.LastSeen <= existing.LastSeen {
			return false
		}
	}
	t.statuses[userID] = st
	return true
}

// SetStatus unconditionally records a direct local observation.
func (t *Table) SetStatus(userID string, st MembershipStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[userID] = st
}

func (t *Table) Status(userID string) (MembershipStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[userID]
	return st, ok
}

func (t *Table) Statuses() map[string]MembershipStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]MembershipStatus, len(t.statuses))
	for k, v := range t.statuses {
		cp[k] = v
	}
	return cp
}

// Clear empties both tables. Called on teardown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = map[string]PeerRecord{}
	t.statuses = map[string]MembershipStatus{}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
