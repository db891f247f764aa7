package cmd

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// duration wraps time.Duration for TOML decoding from strings like
// "30s".
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

// serveConfig is the TOML configuration surface for the serve command.
type serveConfig struct {
	Listen              string   `toml:"listen"`
	Path                string   `toml:"path"`
	Format              string   `toml:"format"`
	CallbackTimeout     duration `toml:"callback_timeout"`
	PingInterval        duration `toml:"ping_interval"`
	IncludePublisher    bool     `toml:"include_publisher"`
	QueueSize           int      `toml:"queue_size"`
	MaxChannelNameLen   int      `toml:"max_channel_name_len"`
	MaxPendingCallbacks int      `toml:"max_pending_callbacks"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Listen: ":8080",
		Path:   "/skein",
		Format: "json",
	}
}

func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
