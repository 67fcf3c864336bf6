package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.komuniteti/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	Server         Server   `toml:"server"`
	Identity       Identity `toml:"identity"`
	Storage        Storage  `toml:"storage"`
	Network        Network  `toml:"network"`
}

// Server holds the backend endpoint shared by the REST client and the
// realtime socket.
type Server struct {
	URL string `toml:"url"`
}

// Identity is the chat identity of the local user.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Role        string `toml:"role"`
}

// Storage selects the key-value backend.
type Storage struct {
	// Backend is sqlite (default), memory or redis.
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
}

// Network tunes the reachability probe.
type Network struct {
	ProbeAddr        string `toml:"probe_addr"`
	ProbeIntervalSec int    `toml:"probe_interval_sec"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Network.ProbeAddr == "" {
		c.Network.ProbeAddr = "1.1.1.1:443"
	}
	if c.Network.ProbeIntervalSec <= 0 {
		c.Network.ProbeIntervalSec = 10
	}
}
