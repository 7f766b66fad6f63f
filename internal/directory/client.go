package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("directory")

// PeerInfo is the directory's view of one member device.
type PeerInfo struct {
	UserID      string `json:"userId"`
	PeerID      string `json:"peerId"`
	SignalAddr  string `json:"signalAddress"`
	Online      bool   `json:"online"`
	CanRelay    bool   `json:"canRelay"`
	Coordinator bool   `json:"isCoordinator"`
	LastSeen    int64  `json:"lastSeen"`
}

// Announcement is the periodic presence heartbeat body.
type Announcement struct {
	UserID      string `json:"userId"`
	PeerID      string `json:"peerId"`
	SignalAddr  string `json:"signalAddress"`
	CanRelay    bool   `json:"canRelay"`
	Coordinator bool   `json:"isCoordinator"`
	TS          int64  `json:"ts"`
}

// ICEServer is one relay/STUN credential entry from the directory.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceResponse struct {
	Servers []ICEServer `json:"iceServers"`
	TTLSec  int         `json:"ttl"`
}

// Client talks to the remote membership/registry service. It is the most
// expensive discovery tier and must never be polled speculatively.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// Cached ICE credentials, reused until expiry and kept as a stale
	// fallback when a refresh fails.
	iceMu      sync.Mutex
	iceServers []ICEServer
	iceExpiry  time.Time
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		Token:   token,
		HTTP: &http.Client{
			Timeout: util.DefaultDirectoryTimeout,
		},
	}
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns (true, nil) on 2xx. Returns (false, nil) if the server
// returns 404 or 502 (endpoint not available). Returns (false, err) on other
// non-2xx status or transport/decode errors.
func (c *Client) getJSON(ctx context.Context, url string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	c.auth(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	c.auth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// LookupPeer resolves one user through the directory. Last-resort tier:
// callers must exhaust the local tiers first.
func (c *Client) LookupPeer(ctx context.Context, networkID, userID string) (PeerInfo, bool, error) {
	if c.BaseURL == "" {
		return PeerInfo{}, false, nil
	}
	var info PeerInfo
	found, err := c.getJSON(ctx, fmt.Sprintf("%s/network/%s/peer/%s", c.BaseURL, networkID, userID), &info)
	if !found || err != nil {
		return PeerInfo{}, false, err
	}
	return info, true, nil
}

// ListPeers fetches the bulk bootstrap list for a network.
func (c *Client) ListPeers(ctx context.Context, networkID string) ([]PeerInfo, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	var out []PeerInfo
	found, err := c.getJSON(ctx, fmt.Sprintf("%s/network/%s/peers", c.BaseURL, networkID), &out)
	if !found || err != nil {
		return nil, err
	}
	return out, nil
}

// Announce posts the presence heartbeat so newly-joining devices with no
// P2P peers yet have a bootstrap path.
func (c *Client) Announce(ctx context.Context, networkID string, ann Announcement) error {
	if c.BaseURL == "" {
		return nil
	}
	if ann.TS == 0 {
		ann.TS = proto.NowMillis()
	}
	return c.postJSON(ctx, fmt.Sprintf("%s/network/%s/announce", c.BaseURL, networkID), ann)
}

// CoordinatorHeartbeat tells the directory this device is serving as a
// coordinator for its network.
func (c *Client) CoordinatorHeartbeat(ctx context.Context, networkID, peerID string) error {
	if c.BaseURL == "" {
		return nil
	}
	return c.postJSON(ctx, c.BaseURL+"/coordinator/heartbeat", map[string]any{
		"networkId": networkID,
		"peerId":    peerID,
		"ts":        proto.NowMillis(),
	})
}

// ICEServers returns relay credentials, served from the client-side cache
// until expiry. When a refresh fails and stale credentials exist, the stale
// set is returned; a dead directory must not block connection attempts.
func (c *Client) ICEServers(ctx context.Context) ([]ICEServer, error) {
	c.iceMu.Lock()
	if len(c.iceServers) > 0 && time.Now().Before(c.iceExpiry) {
		cached := c.iceServers
		c.iceMu.Unlock()
		return cached, nil
	}
	stale := c.iceServers
	c.iceMu.Unlock()

	if c.BaseURL == "" {
		return stale, nil
	}

	var resp iceResponse
	found, err := c.getJSON(ctx, c.BaseURL+"/webrtc/ice-servers", &resp)
	if err != nil || !found {
		if len(stale) > 0 {
			log.Warnf("ice-servers fetch failed, using stale credentials: %v", err)
			return stale, nil
		}
		return nil, err
	}

	ttl := time.Duration(resp.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.iceMu.Lock()
	c.iceServers = resp.Servers
	c.iceExpiry = time.Now().Add(ttl)
	c.iceMu.Unlock()

	return resp.Servers, nil
}
