// Package config loads and validates the server's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	// FileName is the config file the daemon looks for by default.
	FileName = "Instrumentality.toml"
	// ExampleFileName is written next to the expected path on first run.
	ExampleFileName = "InstrumentalityExample.toml"

	defaultLogLevel     = "INFO"
	defaultQueueTimeout = 30
)

// Config is the root of the TOML configuration.
type Config struct {
	ContentTypes  map[string][]string `toml:"content_types"`
	PresenceTypes map[string][]string `toml:"presence_types"`
	Settings      Settings            `toml:"settings"`
	Network       Network             `toml:"network"`
	TLS           TLS                 `toml:"tls"`
	Database      Database            `toml:"database"`
	Redis         Redis               `toml:"redis"`
}

// Settings holds tunables that have defaults.
type Settings struct {
	LogLevel         string `toml:"log_level"`
	QueueTimeoutSecs int64  `toml:"queue_timeout_secs"`
}

// Network is the listen address of the HTTPS server.
type Network struct {
	Address string `toml:"address"`
	Port    string `toml:"port"`
}

// TLS holds filesystem paths to the certificate and private key.
type TLS struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// Database is the connection block for the persistent store.
type Database struct {
	Path string `toml:"path"`
}

// Redis optionally enables the redis-backed username hint cache.
// When Address is empty an in-memory cache is used instead.
type Redis struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// QueueTimeout returns the lease timeout as a duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Settings.QueueTimeoutSecs) * time.Second
}

// ValidPresenceType reports whether (platform, presenceType) is configured.
func (c *Config) ValidPresenceType(platform, presenceType string) bool {
	for _, t := range c.PresenceTypes[platform] {
		if t == presenceType {
			return true
		}
	}
	return false
}

// ValidContentType reports whether (platform, contentType) is configured.
func (c *Config) ValidContentType(platform, contentType string) bool {
	for _, t := range c.ContentTypes[platform] {
		if t == contentType {
			return true
		}
	}
	return false
}

// ValidPlatform reports whether the platform is known to either type map.
func (c *Config) ValidPlatform(platform string) bool {
	_, content := c.ContentTypes[platform]
	_, presence := c.PresenceTypes[platform]
	return content || presence
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Settings: Settings{
			LogLevel:         defaultLogLevel,
			QueueTimeoutSecs: defaultQueueTimeout,
		},
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Network.Address == "" || c.Network.Port == "" {
		return fmt.Errorf("network.address and network.port are required")
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		return fmt.Errorf("tls.cert and tls.key are required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Settings.QueueTimeoutSecs <= 0 {
		return fmt.Errorf("settings.queue_timeout_secs must be positive")
	}
	if len(c.ContentTypes) == 0 && len(c.PresenceTypes) == 0 {
		return fmt.Errorf("at least one platform must be configured under content_types or presence_types")
	}
	return nil
}

const exampleConfig = `[content_types]
instagram = ["post", "story", "live"]
twitter = ["tweet", "like", "retweet", "story"]
last_fm = ["scrobble"]
twitch_tv = ["stream_start", "video", "stream_end"]

[presence_types]
twitter = ["follower_count_increase"]
last_fm = ["now_playing"]
twitch_tv = ["live"]

[database]
path = "instrumentality.db"

[settings]
log_level = "INFO"
queue_timeout_secs = 30

[network]
address = "127.0.0.1"
port = "12321"

[tls]
# Can be taken directly from Let's Encrypt.
cert = "tls/cert.pem"
key = "tls/privkey.pem"
`

// WriteExample writes an example config file to path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}
