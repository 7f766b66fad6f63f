package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quiltmesh/quilt/internal/proto"
)

type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	dials   atomic.Int64
	headers chan http.Header
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t, headers: make(chan http.Header, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		select {
		case s.headers <- r.Header.Clone():
		default:
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		// Echo loop keeps the connection alive and reflects frames back.
		for {
			var msg proto.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func TestConnectAndRoundTrip(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), "tok", "p-self", 10*time.Millisecond, 100*time.Millisecond)

	got := make(chan proto.SignalMessage, 1)
	c.SetHandler(func(msg proto.SignalMessage) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatal(err)
	}

	hdr := <-srv.headers
	if hdr.Get("Authorization") != "Bearer tok" {
		t.Fatalf("auth header = %q", hdr.Get("Authorization"))
	}
	if hdr.Get("X-Quilt-Peer-ID") != "p-self" {
		t.Fatalf("peer header = %q", hdr.Get("X-Quilt-Peer-ID"))
	}

	err := c.Send(proto.SignalMessage{Kind: proto.SignalOffer, ToPeerID: "p-bob", Payload: "sdp"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if msg.Kind != proto.SignalOffer || msg.Payload != "sdp" {
			t.Fatalf("msg = %+v", msg)
		}
		// Send stamps the sender and timestamp.
		if msg.FromPeerID != "p-self" || msg.TS == 0 {
			t.Fatalf("msg not stamped: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/signal", "", "p-self", 10*time.Millisecond, 50*time.Millisecond)
	if err := c.Send(proto.SignalMessage{Kind: proto.SignalOffer}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), "", "p-self", 10*time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatal(err)
	}
	waitCancel()

	srv.dropAll()

	// The client must come back on its own.
	deadline := time.Now().Add(5 * time.Second)
	for srv.dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.dials.Load() < 2 {
		t.Fatal("no reconnect after drop")
	}

	waitCtx, waitCancel = context.WithTimeout(ctx, 3*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatal("not connected after reconnect")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), "", "p-self", 10*time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatal(err)
	}
	waitCancel()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
