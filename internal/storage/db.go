package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/quiltmesh/quilt/internal/state"
)

// DB wraps the SQLite store that survives restarts: peer routes, the
// outbound message queue and connection snapshots, each scoped by network.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// QueuedMessage is one durably stored outbound message.
type QueuedMessage struct {
	ID         string
	NetworkID  string
	DestUserID string
	Payload    []byte
	QueuedAt   int64
	RetryCount int
	ExpiresAt  int64
}

// Open opens or creates the SQLite database in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "quilt.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for read-heavy concurrent callers.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peer_routes (
			network_id      TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			peer_id         TEXT NOT NULL,
			signal_addr     TEXT DEFAULT '',
			can_relay       INTEGER DEFAULT 0,
			is_coordinator  INTEGER DEFAULT 0,
			connection_path TEXT DEFAULT '',
			last_seen       INTEGER DEFAULT 0,
			PRIMARY KEY (network_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer_routes: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_messages (
			id           TEXT PRIMARY KEY,
			network_id   TEXT NOT NULL,
			dest_user_id TEXT NOT NULL,
			payload      BLOB NOT NULL,
			queued_at    INTEGER NOT NULL,
			retry_count  INTEGER DEFAULT 0,
			expires_at   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queued_messages: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conn_snapshots (
			network_id     TEXT NOT NULL,
			peer_id        TEXT NOT NULL,
			established_at INTEGER DEFAULT 0,
			is_relay       INTEGER DEFAULT 0,
			saved_at       INTEGER DEFAULT 0,
			PRIMARY KEY (network_id, peer_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conn_snapshots: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// UpsertRoute writes a peer route. The WHERE clause on the conflict update
// keeps last_seen strictly monotonic: a sighting no newer than the stored
// row never overwrites it.
func (d *DB) UpsertRoute(networkID string, rec state.PeerRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO peer_routes
		(network_id, user_id, peer_id, signal_addr, can_relay, is_coordinator, connection_path, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(network_id, user_id) DO UPDATE SET
			peer_id=excluded.peer_id,
			signal_addr=excluded.signal_addr,
			can_relay=excluded.can_relay,
			is_coordinator=excluded.is_coordinator,
			connection_path=excluded.connection_path,
			last_seen=excluded.last_seen
		WHERE excluded.last_seen > peer_routes.last_seen`,
		networkID, rec.UserID, rec.PeerID, rec.SignalAddr,
		boolInt(rec.CanRelay), boolInt(rec.Coordinator), rec.ConnectionPath, rec.LastSeen)
	return err
}

// Route returns the stored route for one user. The bool reports existence.
func (d *DB) Route(networkID, userID string) (state.PeerRecord, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rec state.PeerRecord
	var canRelay, coord int
	err := d.db.QueryRow(`SELECT user_id, peer_id, signal_addr, can_relay, is_coordinator, connection_path, last_seen
		FROM peer_routes WHERE network_id = ? AND user_id = ?`, networkID, userID).
		Scan(&rec.UserID, &rec.PeerID, &rec.SignalAddr, &canRelay, &coord, &rec.ConnectionPath, &rec.LastSeen)
	if err == sql.ErrNoRows {
		return state.PeerRecord{}, false, nil
	}
	if err != nil {
		return state.PeerRecord{}, false, err
	}
	rec.CanRelay = canRelay != 0
	rec.Coordinator = coord != 0
	return rec, true, nil
}

// Routes returns all stored routes for a network, used to prime the
// in-memory table on startup.
func (d *DB) Routes(networkID string) ([]state.PeerRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT user_id, peer_id, signal_addr, can_relay, is_coordinator, connection_path, last_seen
		FROM peer_routes WHERE network_id = ?`, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.PeerRecord
	for rows.Next() {
		var rec state.PeerRecord
		var canRelay, coord int
		if err := rows.Scan(&rec.UserID, &rec.PeerID, &rec.SignalAddr, &canRelay, &coord, &rec.ConnectionPath, &rec.LastSeen); err != nil {
			return nil, err
		}
		rec.CanRelay = canRelay != 0
		rec.Coordinator = coord != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *DB) DeleteRoute(networkID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM peer_routes WHERE network_id = ? AND user_id = ?`, networkID, userID)
	return err
}

// Enqueue stores an outbound message for later delivery.
func (d *DB) Enqueue(msg QueuedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR IGNORE INTO queued_messages
		(id, network_id, dest_user_id, payload, queued_at, retry_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.NetworkID, msg.DestUserID, msg.Payload, msg.QueuedAt, msg.RetryCount, msg.ExpiresAt)
	return err
}

// Pending returns unexpired queued messages, oldest first.
func (d *DB) Pending(networkID string, now int64) ([]QueuedMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT id, network_id, dest_user_id, payload, queued_at, retry_count, expires_at
		FROM queued_messages WHERE network_id = ? AND expires_at > ? ORDER BY queued_at`, networkID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.NetworkID, &m.DestUserID, &m.Payload, &m.QueuedAt, &m.RetryCount, &m.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a queued message after confirmed delivery.
func (d *DB) DeleteMessage(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM queued_messages WHERE id = ?`, id)
	return err
}

// BumpRetry increments the retry counter. Retry counts only ever grow.
func (d *DB) BumpRetry(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE queued_messages SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return err
}

// ExpireMessages deletes messages past their TTL. Returns the delete count.
func (d *DB) ExpireMessages(now int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM queued_messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveSnapshot records a live connection so the next session knows which
// peers were worth dialing first.
func (d *DB) SaveSnapshot(networkID, peerID string, establishedAt int64, isRelay bool, now int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO conn_snapshots (network_id, peer_id, established_at, is_relay, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(network_id, peer_id) DO UPDATE SET
			established_at=excluded.established_at,
			is_relay=excluded.is_relay,
			saved_at=excluded.saved_at`,
		networkID, peerID, establishedAt, boolInt(isRelay), now)
	return err
}

// Snapshots returns the peer IDs recorded at last teardown, newest first.
func (d *DB) Snapshots(networkID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT peer_id FROM conn_snapshots WHERE network_id = ? ORDER BY saved_at DESC`, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) ClearSnapshots(networkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM conn_snapshots WHERE network_id = ?`, networkID)
	return err
}

// Cleanup removes routes and snapshots older than the given cutoffs
// (unix millis). Queued messages are handled separately by ExpireMessages.
func (d *DB) Cleanup(routeCutoff, snapshotCutoff int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM peer_routes WHERE last_seen < ?`, routeCutoff); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM conn_snapshots WHERE saved_at < ?`, snapshotCutoff)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
