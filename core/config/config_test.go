package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
gateway:
  prefix: "!"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gateway.Prefix != "!" {
		t.Fatalf("prefix = %q, want %q", cfg.Gateway.Prefix, "!")
	}
	if cfg.Gateway.WorkType != WorkTypePublic {
		t.Fatalf("work_type = %q, want public default", cfg.Gateway.WorkType)
	}
	if cfg.Gateway.RestoreConcurrency != 3 {
		t.Fatalf("restore_concurrency = %d, want 3", cfg.Gateway.RestoreConcurrency)
	}
	if cfg.Store.JournalMaxEntries != 200000 {
		t.Fatalf("journal_max_entries = %d, want 200000", cfg.Store.JournalMaxEntries)
	}
	if cfg.Persist.MaxBytes != 600*1024 {
		t.Fatalf("max_bytes = %d, want %d", cfg.Persist.MaxBytes, 600*1024)
	}
	if cfg.Bridge.URL != "ws://127.0.0.1:17333/session" {
		t.Fatalf("bridge url = %q", cfg.Bridge.URL)
	}
	if cfg.Cache.TTLSeconds != 300 {
		t.Fatalf("cache ttl = %d, want 300", cfg.Cache.TTLSeconds)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
gateway:
  prefix: "."
`)
	t.Setenv("GATEWAY_PREFIX", "#")
	t.Setenv("AUTH_MAX_BYTES", "1024")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Prefix != "#" {
		t.Fatalf("prefix = %q, want env override %q", cfg.Gateway.Prefix, "#")
	}
	if cfg.Persist.MaxBytes != 1024 {
		t.Fatalf("max_bytes = %d, want 1024", cfg.Persist.MaxBytes)
	}
}

func TestNormalizeRejectsBadWorkType(t *testing.T) {
	cfg := &Config{}
	cfg.Gateway.WorkType = "hybrid"
	if err := Normalize(cfg); err == nil {
		t.Fatal("expected error for invalid work_type")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
