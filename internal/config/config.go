package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a string such as "25s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	ServerURL      string   `toml:"server_url"`
	APIPath        string   `toml:"api_path"`
	RequestTimeout Duration `toml:"request_timeout"`
	Realtime       Realtime `toml:"realtime"`
	Cache          Cache    `toml:"cache"`
}

// Realtime configures the push connection.
type Realtime struct {
	Path                 string   `toml:"path"`
	AutoReconnect        bool     `toml:"auto_reconnect"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectDelay    Duration `toml:"max_reconnect_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
}

// Cache configures local read behaviour.
type Cache struct {
	MessagePageSize int      `toml:"message_page_size"`
	TypingTimeout   Duration `toml:"typing_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		ServerURL:      "http://localhost:3000",
		APIPath:        "/api/v1",
		RequestTimeout: Duration{150 * time.Second},
		Realtime: Realtime{
			Path:                 "/socket",
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectDelay:       Duration{time.Second},
			MaxReconnectDelay:    Duration{30 * time.Second},
			HeartbeatInterval:    Duration{25 * time.Second},
		},
		Cache: Cache{
			MessagePageSize: 50,
			TypingTimeout:   Duration{2 * time.Second},
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
