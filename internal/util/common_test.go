package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("base", "rel"); got != filepath.Join("base", "rel") {
		t.Fatalf("got %q", got)
	}
	if got := ResolvePath("base", "/abs/dir"); got != filepath.Clean("/abs/dir") {
		t.Fatalf("absolute not honored: %q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"  https://api.example.org/ ": "https://api.example.org",
		"https://api.example.org":     "https://api.example.org",
		"wss://rv.example.org//":      "wss://rv.example.org",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("1234567890abcdef"); got != "12345678" {
		t.Fatalf("got %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Fatalf("short input altered: %q", got)
	}
	if got := ShortID(""); got != "" {
		t.Fatalf("empty input altered: %q", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	in := map[string]int{"a": 1}
	if err := WriteJSONFile(path, in); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]int
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["a"] != 1 {
		t.Fatalf("round trip lost data: %v", out)
	}
}
