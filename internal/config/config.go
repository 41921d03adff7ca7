package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage backends accepted in [storage].backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the global ~/.focussync/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Realtime       Realtime `toml:"realtime"`
	Storage        Storage  `toml:"storage"`
	User           User     `toml:"user"`
	Relay          Relay    `toml:"relay"`
}

// Realtime tunes the connection. Zero values fall back to the daemon defaults.
type Realtime struct {
	URL                  string   `toml:"url"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	// MaxMissedPongs is a pointer so that an explicit 0 (never time out) is
	// distinguishable from unset.
	MaxMissedPongs *int `toml:"max_missed_pongs"`
}

// Storage selects where flags and the credential live.
type Storage struct {
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
}

// User identifies the signed-in user of the profile.
type User struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

// Relay configures the development relay server.
type Relay struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Realtime: Realtime{URL: "ws://127.0.0.1:7420/ws"},
		Storage:  Storage{Backend: BackendSQLite},
		Relay:    Relay{Addr: "127.0.0.1:7420"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads path over Default. A missing file is not an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required with the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must be >= 0, got %d", c.Realtime.MaxReconnectAttempts)
	}
	if p := c.Realtime.MaxMissedPongs; p != nil && *p < 0 {
		return fmt.Errorf("realtime.max_missed_pongs must be >= 0, got %d", *p)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
