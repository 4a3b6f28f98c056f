// Package config loads layered configuration: struct defaults, an optional
// YAML file, then EXAMSYNC_ environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "EXAMSYNC_"

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Limits  LimitsConfig  `koanf:"limits"`
	Sync    SyncConfig    `koanf:"sync"`
	Refresh RefreshConfig `koanf:"refresh"`
	DataDir string        `koanf:"data_dir"`
}

// ServerConfig holds the upstream endpoints.
type ServerConfig struct {
	WebsocketURL string `koanf:"websocket_url"`
	APIBaseURL   string `koanf:"api_base_url"`
}

// LimitsConfig tunes the rate limiter and loop guard.
type LimitsConfig struct {
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	LoopCooldown      time.Duration `koanf:"loop_cooldown"`
}

// SyncConfig tunes the progress sync engine.
type SyncConfig struct {
	PushThrottle  time.Duration `koanf:"push_throttle"`
	AckTimeout    time.Duration `koanf:"ack_timeout"`
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// RefreshConfig tunes the content refresh coordinator.
type RefreshConfig struct {
	Debounce       time.Duration `koanf:"debounce"`
	FreshnessFloor time.Duration `koanf:"freshness_floor"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			WebsocketURL: "wss://localhost:8443/ws",
			APIBaseURL:   "https://localhost:8443",
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 30,
			LoopCooldown:      30 * time.Second,
		},
		Sync: SyncConfig{
			PushThrottle:  10 * time.Second,
			AckTimeout:    5 * time.Second,
			RetryInterval: 5 * time.Minute,
		},
		Refresh: RefreshConfig{
			Debounce:       15 * time.Second,
			FreshnessFloor: 15 * time.Minute,
			CacheTTL:       24 * time.Hour,
		},
		DataDir: "data",
	}
}

// Load builds the configuration. path may be empty; a missing file is not an
// error, only a present-but-invalid one is. Precedence: env > file > defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// EXAMSYNC_SERVER_WEBSOCKET_URL -> server.websocket_url
	p := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		for _, root := range []string{"server", "limits", "sync", "refresh"} {
			if strings.HasPrefix(key, root+"_") {
				return root + "." + strings.TrimPrefix(key, root+"_")
			}
		}
		return key
	})
	if err := k.Load(p, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would disable core safety behavior.
func (c *Config) Validate() error {
	if c.Server.WebsocketURL == "" {
		return fmt.Errorf("server.websocket_url must be set")
	}
	if c.Limits.RequestsPerMinute <= 0 {
		return fmt.Errorf("limits.requests_per_minute must be positive")
	}
	if c.Sync.AckTimeout <= 0 {
		return fmt.Errorf("sync.ack_timeout must be positive")
	}
	if c.Refresh.CacheTTL <= 0 {
		return fmt.Errorf("refresh.cache_ttl must be positive")
	}
	return nil
}
