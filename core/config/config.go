package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the control-plane HTTP listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
	Port   int    `yaml:"port" envconfig:"HTTP_PORT"`
}

// GatewayConfig holds session lifecycle settings shared by the orchestrator.
type GatewayConfig struct {
	Prefix   string `yaml:"prefix" envconfig:"GATEWAY_PREFIX"`
	WorkType string `yaml:"work_type" envconfig:"GATEWAY_WORK_TYPE"`
	AuthDir  string `yaml:"auth_dir" envconfig:"GATEWAY_AUTH_DIR"`
	// RestoreConcurrency bounds how many sessions reconnect in parallel on boot.
	RestoreConcurrency int `yaml:"restore_concurrency" envconfig:"RESTORE_CONCURRENCY"`
	RestoreDelayMS     int `yaml:"restore_delay_ms" envconfig:"RESTORE_DELAY_MS"`
	ReconnectBackoffMS int `yaml:"reconnect_backoff_ms" envconfig:"RECONNECT_BACKOFF_MS"`
	PairTimeoutMS      int `yaml:"pair_timeout_ms" envconfig:"PAIR_TIMEOUT_MS"`
}

// StoreConfig controls the WAL-backed session attribute store.
type StoreConfig struct {
	Dir               string `yaml:"dir" envconfig:"STORE_DIR"`
	JournalMaxEntries int    `yaml:"journal_max_entries" envconfig:"STORE_JOURNAL_MAX_ENTRIES"`
	CompactIntervalMS int    `yaml:"compact_interval_ms" envconfig:"STORE_COMPACT_INTERVAL_MS"`
	Durable           bool   `yaml:"durable" envconfig:"STORE_DURABLE"`
}

// PersistConfig controls the selected-file credential persistence codec.
type PersistConfig struct {
	Attempts      int   `yaml:"attempts" envconfig:"AUTH_PERSIST_ATTEMPTS"`
	BackoffBaseMS int   `yaml:"backoff_base_ms" envconfig:"AUTH_PERSIST_BACKOFF_MS"`
	MaxBytes      int64 `yaml:"max_bytes" envconfig:"AUTH_MAX_BYTES"`
}

// BridgeConfig points at the protocol sidecar every session socket is
// dialed through.
type BridgeConfig struct {
	URL                string `yaml:"url" envconfig:"BRIDGE_URL"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms" envconfig:"BRIDGE_HANDSHAKE_TIMEOUT_MS"`
}

// CacheConfig selects the key/value cache backend.
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url" envconfig:"REDIS_URL"`
	TTLSeconds int    `yaml:"ttl_seconds" envconfig:"CACHE_TTL_SECONDS"`
	// Size bounds the in-memory fallback when Redis is not configured.
	Size int `yaml:"size" envconfig:"CACHE_SIZE"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// WorkTypePublic allows commands from any chat.
	WorkTypePublic = "public"
	// WorkTypePrivate restricts commands to the bot owner.
	WorkTypePrivate = "private"
)

// Config aggregates the configuration of the gateway process. Database
// settings live in core/database and travel through bootstrap separately.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Store   StoreConfig   `yaml:"store"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Persist PersistConfig `yaml:"persist"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}

	if strings.TrimSpace(cfg.Gateway.Prefix) == "" {
		cfg.Gateway.Prefix = "."
	}
	wt := strings.ToLower(strings.TrimSpace(cfg.Gateway.WorkType))
	if wt == "" {
		wt = WorkTypePublic
	}
	switch wt {
	case WorkTypePublic, WorkTypePrivate:
	default:
		return fmt.Errorf("invalid gateway.work_type %q; allowed: public, private", cfg.Gateway.WorkType)
	}
	cfg.Gateway.WorkType = wt

	if strings.TrimSpace(cfg.Gateway.AuthDir) == "" {
		cfg.Gateway.AuthDir = "auth"
	}
	if cfg.Gateway.RestoreConcurrency <= 0 {
		cfg.Gateway.RestoreConcurrency = 3
	}
	if cfg.Gateway.RestoreDelayMS < 0 {
		return fmt.Errorf("gateway.restore_delay_ms must be >= 0")
	}
	if cfg.Gateway.RestoreDelayMS == 0 {
		cfg.Gateway.RestoreDelayMS = 2000
	}
	if cfg.Gateway.ReconnectBackoffMS <= 0 {
		cfg.Gateway.ReconnectBackoffMS = 3000
	}
	if cfg.Gateway.PairTimeoutMS <= 0 {
		cfg.Gateway.PairTimeoutMS = 60000
	}

	if strings.TrimSpace(cfg.Store.Dir) == "" {
		cfg.Store.Dir = "data"
	}
	if cfg.Store.JournalMaxEntries <= 0 {
		cfg.Store.JournalMaxEntries = 200000
	}
	if cfg.Store.CompactIntervalMS < 0 {
		return fmt.Errorf("store.compact_interval_ms must be >= 0")
	}
	if cfg.Store.CompactIntervalMS == 0 {
		cfg.Store.CompactIntervalMS = 60000
	}

	if strings.TrimSpace(cfg.Bridge.URL) == "" {
		cfg.Bridge.URL = "ws://127.0.0.1:17333/session"
	}
	if cfg.Bridge.HandshakeTimeoutMS <= 0 {
		cfg.Bridge.HandshakeTimeoutMS = 15000
	}

	if cfg.Persist.Attempts <= 0 {
		cfg.Persist.Attempts = 5
	}
	if cfg.Persist.BackoffBaseMS <= 0 {
		cfg.Persist.BackoffBaseMS = 200
	}
	if cfg.Persist.MaxBytes <= 0 {
		cfg.Persist.MaxBytes = 600 * 1024
	}

	if cfg.Cache.TTLSeconds <= 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = 4096
	}

	return nil
}
