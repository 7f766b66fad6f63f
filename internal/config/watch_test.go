package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan Config, 4)
	w, err := Watch(path, func(cfg Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Gossip.IntervalSec = 42
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Gossip.IntervalSec != 42 {
			t.Fatalf("reloaded interval = %d, want 42", got.Gossip.IntervalSec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan Config, 4)
	w, err := Watch(path, func(cfg Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A half-saved or broken file must never reach the callback.
	if err := os.WriteFile(path, []byte(`{"pool":{"max_active":0`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
