package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHolderGet(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":7070\"\n")

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if h.Get().Server.Addr != ":7070" {
		t.Errorf("addr = %q", h.Get().Server.Addr)
	}
}

func TestHolderReloadsOnFileChange(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":7070\"\n")

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	changed := make(chan *Config, 1)
	h.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("server:\n  addr: \":7171\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.Addr != ":7171" {
			t.Errorf("reloaded addr = %q", cfg.Server.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload did not happen")
	}

	if h.Get().Server.Addr != ":7171" {
		t.Errorf("Get() after reload = %q", h.Get().Server.Addr)
	}
}

func TestHolderKeepsPreviousOnBadReload(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":7070\"\n")

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if err := os.WriteFile(path, []byte("backend:\n  kind: oracle\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Give the watcher a moment to pick up the invalid file.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Get().Server.Addr != ":7070" {
			t.Fatalf("invalid reload replaced config: %+v", h.Get())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestHolderIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelq.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	fired := make(chan struct{}, 1)
	h.OnChange(func(cfg *Config) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Error("sibling file change triggered a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
