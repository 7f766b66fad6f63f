package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/quiltmesh/quilt/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Storage   Storage   `json:"storage"`
	Signaling Signaling `json:"signaling"`
	Directory Directory `json:"directory"`
	Pool      Pool      `json:"pool"`
	Discovery Discovery `json:"discovery"`
	Gossip    Gossip    `json:"gossip"`
	Router    Router    `json:"router"`
	Log       Log       `json:"log"`
}

type Identity struct {
	NetworkID string `json:"network_id"`
	UserID    string `json:"user_id"`

	// Signal address other peers use to reach this device through the
	// rendezvous service. Usually assigned by the directory on join.
	SignalAddr string `json:"signal_addr"`

	// Role flags advertised in gossip.
	CanRelay    bool `json:"can_relay"`
	Coordinator bool `json:"coordinator"`
}

type Storage struct {
	Dir string `json:"dir"`

	// Staleness sweep thresholds.
	RouteMaxAgeHours int `json:"route_max_age_hours"` // peer routes + conn snapshots
	QueueTTLHours    int `json:"queue_ttl_hours"`     // queued messages
	CleanupSec       int `json:"cleanup_seconds"`
}

type Signaling struct {
	// Websocket URL of the rendezvous service, e.g. wss://rv.example.org/signal
	URL string `json:"url"`

	// Reconnect backoff bounds (milliseconds).
	BackoffMinMS int `json:"backoff_min_ms"`
	BackoffMaxMS int `json:"backoff_max_ms"`
}

type Directory struct {
	// Base URL of the membership service, e.g. https://api.example.org
	URL string `json:"url"`

	// Low-frequency presence announce interval. Rate-limited independently
	// of the P2P gossip interval.
	AnnounceSec int `json:"announce_seconds"`

	// Coordinator heartbeat interval, used only when identity.coordinator.
	HeartbeatSec int `json:"heartbeat_seconds"`

	TimeoutSec int `json:"timeout_seconds"`
}

type Pool struct {
	MaxActive   int `json:"max_active"`
	MaxStandby  int `json:"max_standby"`
	StaleSec    int `json:"stale_seconds"` // connecting/non-connected beyond this is swept
	SweepSec    int `json:"sweep_seconds"`
	MetadataCap int `json:"metadata_cap"` // cached peer records, oldest-last-seen eviction
}

type Discovery struct {
	QueryTimeoutSec int `json:"query_timeout_seconds"`
}

type Gossip struct {
	IntervalSec int `json:"interval_seconds"`
	SampleSize  int `json:"sample_size"`
}

type Router struct {
	FlushSec      int `json:"flush_seconds"`
	RelayHopLimit int `json:"relay_hop_limit"`
}

type Log struct {
	Level string `json:"level"` // debug|info|warn|error
}

func Default() Config {
	return Config{
		Identity: Identity{
			CanRelay: true,
		},
		Storage: Storage{
			Dir:              "data",
			RouteMaxAgeHours: 7 * 24,
			QueueTTLHours:    24,
			CleanupSec:       600,
		},
		Signaling: Signaling{
			BackoffMinMS: 250,
			BackoffMaxMS: 5000,
		},
		Directory: Directory{
			AnnounceSec:  300,
			HeartbeatSec: 60,
			TimeoutSec:   10,
		},
		Pool: Pool{
			MaxActive:   5,
			MaxStandby:  10,
			StaleSec:    60,
			SweepSec:    30,
			MetadataCap: 50,
		},
		Discovery: Discovery{
			QueryTimeoutSec: 5,
		},
		Gossip: Gossip{
			IntervalSec: 10,
			SampleSize:  10,
		},
		Router: Router{
			FlushSec:      30,
			RelayHopLimit: 1,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	if c.Storage.RouteMaxAgeHours <= 0 {
		return errors.New("storage.route_max_age_hours must be > 0")
	}
	if c.Storage.QueueTTLHours <= 0 {
		return errors.New("storage.queue_ttl_hours must be > 0")
	}

	if s := strings.TrimSpace(c.Signaling.URL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("signaling.url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("signaling.url scheme must be ws or wss")
		}
	}
	if c.Signaling.BackoffMinMS <= 0 || c.Signaling.BackoffMaxMS < c.Signaling.BackoffMinMS {
		return errors.New("signaling backoff bounds must satisfy 0 < min <= max")
	}

	if s := strings.TrimSpace(c.Directory.URL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("directory.url: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("directory.url scheme must be http or https")
		}
	}
	if c.Directory.AnnounceSec <= 0 {
		return errors.New("directory.announce_seconds must be > 0")
	}
	if c.Directory.HeartbeatSec <= 0 {
		return errors.New("directory.heartbeat_seconds must be > 0")
	}

	if c.Pool.MaxActive <= 0 {
		return errors.New("pool.max_active must be > 0")
	}
	if c.Pool.MaxStandby < c.Pool.MaxActive {
		return errors.New("pool.max_standby must be >= pool.max_active")
	}
	if c.Pool.StaleSec <= 0 {
		return errors.New("pool.stale_seconds must be > 0")
	}
	if c.Pool.MetadataCap <= 0 {
		return errors.New("pool.metadata_cap must be > 0")
	}

	if c.Discovery.QueryTimeoutSec <= 0 {
		return errors.New("discovery.query_timeout_seconds must be > 0")
	}

	if c.Gossip.IntervalSec <= 0 {
		return errors.New("gossip.interval_seconds must be > 0")
	}
	if c.Gossip.SampleSize <= 0 {
		return errors.New("gossip.sample_size must be > 0")
	}

	if c.Router.FlushSec <= 0 {
		return errors.New("router.flush_seconds must be > 0")
	}
	if c.Router.RelayHopLimit < 1 {
		return errors.New("router.relay_hop_limit must be >= 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
