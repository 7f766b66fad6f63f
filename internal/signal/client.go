package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/proto"
)

var log = logging.Logger("signal")

// ErrNotConnected is returned by Send while the socket is down; the caller
// treats the negotiation attempt as a transient failure.
var ErrNotConnected = errors.New("signal: not connected")

// Client maintains the single authenticated bidirectional socket to the
// rendezvous service. It is used only to bootstrap direct connections:
// offers, answers and candidates pass through here, payload traffic never.
type Client struct {
	url    string
	token  string
	peerID string

	backoffMin time.Duration
	backoffMax time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	handlerMu sync.RWMutex
	onMessage func(proto.SignalMessage)

	// Closed and replaced on every reconnect; WaitConnected selects on it.
	readyMu sync.Mutex
	ready   chan struct{}
}

func NewClient(url, token, peerID string, backoffMin, backoffMax time.Duration) *Client {
	return &Client{
		url:        url,
		token:      token,
		peerID:     peerID,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		ready:      make(chan struct{}),
	}
}

// SetHandler registers the callback invoked for every inbound frame.
// Must be called before Run.
func (c *Client) SetHandler(fn func(proto.SignalMessage)) {
	c.handlerMu.Lock()
	c.onMessage = fn
	c.handlerMu.Unlock()
}

// Run dials the socket and keeps it alive, reconnecting with exponential
// backoff until ctx is cancelled. Blocks; run it on its own goroutine.
func (c *Client) Run(ctx context.Context) {
	if c.url == "" {
		return
	}

	backoff := c.backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Debugf("socket dropped: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < c.backoffMax {
			backoff *= 2
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	if c.peerID != "" {
		hdr.Set("X-Quilt-Peer-ID", c.peerID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.signalReady()
	log.Infof("connected to %s", c.url)

	// Tear the connection down when ctx is cancelled so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.resetReady()
		conn.Close()
	}()

	for {
		var msg proto.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Kind == "" || msg.FromPeerID == "" {
			continue
		}
		c.handlerMu.RLock()
		fn := c.onMessage
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// Send writes one frame to the rendezvous service.
func (c *Client) Send(msg proto.SignalMessage) error {
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}
	if msg.FromPeerID == "" {
		msg.FromPeerID = c.peerID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the socket is up or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.readyMu.Lock()
	ch := c.ready
	c.readyMu.Unlock()
	if c.Connected() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) signalReady() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

func (c *Client) resetReady() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
}

// Close drops the current connection. Run's loop exits once its context is
// cancelled; Close only hurries the in-flight read along.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
