package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLookupPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/network/net/peer/bob":
			json.NewEncoder(w).Encode(PeerInfo{
				UserID: "bob", PeerID: "p-bob", SignalAddr: "sig-b",
				Online: true, CanRelay: true, LastSeen: 123,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")

	t.Run("hit", func(t *testing.T) {
		info, found, err := c.LookupPeer(context.Background(), "net", "bob")
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if info.PeerID != "p-bob" || !info.CanRelay || info.LastSeen != 123 {
			t.Fatalf("info = %+v", info)
		}
	})

	t.Run("miss is not an error", func(t *testing.T) {
		_, found, err := c.LookupPeer(context.Background(), "net", "stranger")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("404 reported as found")
		}
	})

	t.Run("no base url short-circuits", func(t *testing.T) {
		empty := NewClient("", "")
		_, found, err := empty.LookupPeer(context.Background(), "net", "bob")
		if err != nil || found {
			t.Fatalf("found=%v err=%v", found, err)
		}
	})
}

func TestAnnounce(t *testing.T) {
	var got Announcement
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/network/net/announce" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Announce(context.Background(), "net", Announcement{
		UserID: "alice", PeerID: "p-a", SignalAddr: "sig-a", CanRelay: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "alice" || got.PeerID != "p-a" {
		t.Fatalf("announcement = %+v", got)
	}
	if got.TS == 0 {
		t.Fatal("timestamp not stamped")
	}
}

func TestCoordinatorHeartbeat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coordinator/heartbeat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.CoordinatorHeartbeat(context.Background(), "net", "p-self"); err != nil {
		t.Fatal(err)
	}
	if body["networkId"] != "net" || body["peerId"] != "p-self" {
		t.Fatalf("body = %v", body)
	}
}

func TestICEServersCacheAndStaleFallback(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webrtc/ice-servers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fetches.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(iceResponse{
			Servers: []ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "c"}},
			TTLSec:  3600,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")

	first, err := c.ICEServers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Username != "u" {
		t.Fatalf("servers = %+v", first)
	}

	// Within the TTL the cache answers without touching the server.
	if _, err := c.ICEServers(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}

	// Expire the cache and break the server: stale credentials still serve.
	c.iceMu.Lock()
	c.iceExpiry = c.iceExpiry.AddDate(-1, 0, 0)
	c.iceMu.Unlock()
	failing.Store(true)

	stale, err := c.ICEServers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].URLs[0] != "turn:turn.example.org" {
		t.Fatalf("stale servers = %+v", stale)
	}
}

func TestListPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/network/net/peers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]PeerInfo{
			{UserID: "a", PeerID: "p-a"},
			{UserID: "b", PeerID: "p-b"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	peers, err := c.ListPeers(context.Background(), "net")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %+v", peers)
	}
}
