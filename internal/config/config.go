// Package config loads daemon configuration from an optional TOML file with
// MEMSYNC_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddr     string   `toml:"listen_addr"`
	AdvertiseAddrs []string `toml:"advertise_addrs"`
	DatabasePath   string   `toml:"database_path"`
	LogLevel       string   `toml:"log_level"`

	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
	PageLimit           int `toml:"page_limit"`
	Workers             int `toml:"workers"`
	DialTimeoutSeconds  int `toml:"dial_timeout_seconds"`
	SkewWindowSeconds   int `toml:"skew_window_seconds"`

	// EntityTypes lists the types synced under separate cursors. Empty means
	// one aggregate cursor over everything.
	EntityTypes []string `toml:"entity_types"`

	Multicast MulticastConfig `toml:"multicast"`
}

type MulticastConfig struct {
	Enabled                 bool   `toml:"enabled"`
	Group                   string `toml:"group"`
	AnnounceIntervalSeconds int    `toml:"announce_interval_seconds"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr:          ":7411",
		DatabasePath:        filepath.Join(home, ".memsync", "memsync.db"),
		LogLevel:            "info",
		SyncIntervalSeconds: 300,
		PageLimit:           200,
		Workers:             4,
		DialTimeoutSeconds:  10,
		SkewWindowSeconds:   300,
		Multicast: MulticastConfig{
			Enabled:                 true,
			Group:                   "239.255.74.11:7412",
			AnnounceIntervalSeconds: 30,
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if it
// exists; an empty path checks ~/.memsync/config.toml), then env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidate := filepath.Join(home, ".memsync", "config.toml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envOrDefault("MEMSYNC_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabasePath = envOrDefault("MEMSYNC_DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envOrDefault("MEMSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.SyncIntervalSeconds = envIntOrDefault("MEMSYNC_SYNC_INTERVAL_SECONDS", cfg.SyncIntervalSeconds)
	cfg.PageLimit = envIntOrDefault("MEMSYNC_PAGE_LIMIT", cfg.PageLimit)
	cfg.Workers = envIntOrDefault("MEMSYNC_WORKERS", cfg.Workers)
	cfg.DialTimeoutSeconds = envIntOrDefault("MEMSYNC_DIAL_TIMEOUT_SECONDS", cfg.DialTimeoutSeconds)
	cfg.SkewWindowSeconds = envIntOrDefault("MEMSYNC_SKEW_WINDOW_SECONDS", cfg.SkewWindowSeconds)
	if v := strings.TrimSpace(os.Getenv("MEMSYNC_MULTICAST_ENABLED")); v != "" {
		cfg.Multicast.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("MEMSYNC_ADVERTISE_ADDRS")); v != "" {
		cfg.AdvertiseAddrs = splitNonEmpty(v)
	}
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

func (c Config) SkewWindow() time.Duration {
	return time.Duration(c.SkewWindowSeconds) * time.Second
}

func (c Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Multicast.AnnounceIntervalSeconds) * time.Second
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOrDefault(key string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && i > 0 {
		return i
	}
	return fallback
}

func splitNonEmpty(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
