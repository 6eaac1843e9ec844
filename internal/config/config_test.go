package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("explicit missing file must error")
	}

	// No file at all falls back to defaults.
	t.Setenv("HOME", t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7411" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.SyncIntervalSeconds != 300 || cfg.PageLimit != 200 || cfg.Workers != 4 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if !cfg.Multicast.Enabled || cfg.Multicast.Group == "" {
		t.Fatalf("multicast defaults wrong: %+v", cfg.Multicast)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen_addr = ":9000"
log_level = "debug"
sync_interval_seconds = 60
entity_types = ["memory", "note"]

[multicast]
enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9000" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.SyncIntervalSeconds != 60 {
		t.Fatalf("sync_interval_seconds = %d", cfg.SyncIntervalSeconds)
	}
	if len(cfg.EntityTypes) != 2 || cfg.EntityTypes[0] != "memory" {
		t.Fatalf("entity_types = %v", cfg.EntityTypes)
	}
	if cfg.Multicast.Enabled {
		t.Fatal("multicast.enabled not applied")
	}
	// Unset keys keep their defaults.
	if cfg.PageLimit != 200 {
		t.Fatalf("page_limit = %d, want default", cfg.PageLimit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`listen_addr = ":9000"`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMSYNC_LISTEN_ADDR", ":9999")
	t.Setenv("MEMSYNC_PAGE_LIMIT", "50")
	t.Setenv("MEMSYNC_DIAL_TIMEOUT_SECONDS", "3")
	t.Setenv("MEMSYNC_MULTICAST_ENABLED", "false")
	t.Setenv("MEMSYNC_ADVERTISE_ADDRS", "10.0.0.1:7411, 10.0.0.2:7411")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("env override lost: %q", cfg.ListenAddr)
	}
	if cfg.PageLimit != 50 {
		t.Fatalf("page_limit = %d", cfg.PageLimit)
	}
	if cfg.DialTimeoutSeconds != 3 {
		t.Fatalf("dial_timeout_seconds = %d", cfg.DialTimeoutSeconds)
	}
	if cfg.Multicast.Enabled {
		t.Fatal("multicast env override lost")
	}
	if len(cfg.AdvertiseAddrs) != 2 || cfg.AdvertiseAddrs[1] != "10.0.0.2:7411" {
		t.Fatalf("advertise_addrs = %v", cfg.AdvertiseAddrs)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		SyncIntervalSeconds: 120,
		DialTimeoutSeconds:  7,
		SkewWindowSeconds:   30,
		Multicast:           MulticastConfig{AnnounceIntervalSeconds: 15},
	}
	if cfg.SyncInterval() != 2*time.Minute {
		t.Fatalf("SyncInterval = %v", cfg.SyncInterval())
	}
	if cfg.DialTimeout() != 7*time.Second {
		t.Fatalf("DialTimeout = %v", cfg.DialTimeout())
	}
	if cfg.SkewWindow() != 30*time.Second {
		t.Fatalf("SkewWindow = %v", cfg.SkewWindow())
	}
	if cfg.AnnounceInterval() != 15*time.Second {
		t.Fatalf("AnnounceInterval = %v", cfg.AnnounceInterval())
	}
}
