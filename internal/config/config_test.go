package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage dir", func(c *Config) { c.Storage.Dir = " " }},
		{"bad signaling scheme", func(c *Config) { c.Signaling.URL = "http://rv.example.org" }},
		{"bad directory scheme", func(c *Config) { c.Directory.URL = "ftp://dir.example.org" }},
		{"backoff inverted", func(c *Config) { c.Signaling.BackoffMinMS = 5000; c.Signaling.BackoffMaxMS = 100 }},
		{"zero active pool", func(c *Config) { c.Pool.MaxActive = 0 }},
		{"standby below active", func(c *Config) { c.Pool.MaxStandby = 2; c.Pool.MaxActive = 5 }},
		{"zero gossip interval", func(c *Config) { c.Gossip.IntervalSec = 0 }},
		{"zero hop limit", func(c *Config) { c.Router.RelayHopLimit = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.json")
	raw := `{"identity":{"network_id":"net","user_id":"alice"},"gossip":{"interval_seconds":3,"sample_size":10}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("user id = %q", cfg.Identity.UserID)
	}
	if cfg.Gossip.IntervalSec != 3 {
		t.Fatalf("gossip interval = %d, want 3", cfg.Gossip.IntervalSec)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Pool.MaxActive != 5 || cfg.Router.RelayHopLimit != 1 {
		t.Fatalf("defaults not merged: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.json")
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"log":{"level":"debug"}}`)...)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true on first Ensure")
	}
	if cfg.Pool.MaxActive != 5 {
		t.Fatalf("unexpected default: %+v", cfg.Pool)
	}

	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected created=false on second Ensure")
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxActive = 0
	if err := Save(filepath.Join(t.TempDir(), "quilt.json"), cfg); err == nil {
		t.Fatal("expected error saving invalid config")
	}
}
