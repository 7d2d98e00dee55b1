package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	CurrentUser string    `toml:"current_user"`
	Remote      Remote    `toml:"remote"`
	Transport   Transport `toml:"transport"`
	Cache       Cache     `toml:"cache"`
	HotPool     HotPool   `toml:"hotpool"`
}

// Remote configures the document store and asset bucket.
type Remote struct {
	ProjectID string `toml:"project_id"`
	Bucket    string `toml:"bucket"`
}

// Transport configures the realtime push connection.
type Transport struct {
	URL           string   `toml:"url"`
	AckTimeout    duration `toml:"ack_timeout"`
	ReconnectBase duration `toml:"reconnect_base"`
}

// Cache configures the local cache and media store.
type Cache struct {
	PageSize      int   `toml:"page_size"`
	MediaCapacity int64 `toml:"media_capacity_bytes"`
}

// HotPool configures the sender profile pool.
type HotPool struct {
	Capacity int `toml:"capacity"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: Transport{
			AckTimeout:    duration{5 * time.Second},
			ReconnectBase: duration{time.Second},
		},
		Cache: Cache{
			PageSize:      50,
			MediaCapacity: 512 << 20,
		},
		HotPool: HotPool{
			Capacity: 30,
		},
	}
}

// Load reads config from the given path, applied over defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// AckTimeout returns the configured ack timeout.
func (t Transport) Timeout() time.Duration {
	return t.AckTimeout.Duration
}

// CredentialsJSON returns inline service account JSON from the
// environment, if set. Takes precedence over CredentialsPath.
func CredentialsJSON() []byte {
	if v := os.Getenv("CHATSYNC_CREDENTIALS_JSON"); v != "" {
		return []byte(v)
	}
	return nil
}

// CredentialsPath returns a service account file path from the environment.
func CredentialsPath() string {
	return os.Getenv("CHATSYNC_CREDENTIALS_PATH")
}
