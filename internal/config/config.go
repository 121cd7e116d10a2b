package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MinTokenSecretLength mirrors the credential service's requirement.
const MinTokenSecretLength = 32

// Config represents the sealroom configuration file
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains relay settings
type ServerConfig struct {
	Listen          string       `toml:"listen"`
	DatabaseURL     string       `toml:"database_url"` // bolt path, bolt://, postgres:// or memory://
	TokenSecret     string       `toml:"token_secret"`
	TokenTTL        Duration     `toml:"token_ttl"`
	MaxMessageBytes int64        `toml:"max_message_bytes"`
	AllowedOrigins  []string     `toml:"allowed_origins"`
	MDNS            bool         `toml:"mdns"`
	AuditLog        string       `toml:"audit_log"` // JSON lines; "off" disables
	Limits          LimitsConfig `toml:"limits"`
}

// LimitsConfig contains connection and event rate limits
type LimitsConfig struct {
	MaxConnections      int     `toml:"max_connections"`
	MaxConnectionsPerIP int     `toml:"max_connections_per_ip"`
	EventsPerSecond     float64 `toml:"events_per_second"`
	EventBurst          int     `toml:"event_burst"`
	EnvelopesPerMinute  int     `toml:"envelopes_per_minute"`
	EnvelopeBurst       int     `toml:"envelope_burst"`
}

// ClientConfig contains settings for the chat client
type ClientConfig struct {
	ServerURL string `toml:"server_url"`
	Username  string `toml:"username"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Duration is a time.Duration written as a string such as "24h" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			DatabaseURL:     "",
			TokenTTL:        Duration{24 * time.Hour},
			MaxMessageBytes: 2 * 1024 * 1024,
			AllowedOrigins:  []string{},
			MDNS:            false,
			Limits: LimitsConfig{
				MaxConnections:      1000,
				MaxConnectionsPerIP: 20,
				EventsPerSecond:     20,
				EventBurst:          60,
				EnvelopesPerMinute:  1200,
				EnvelopeBurst:       500,
			},
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the default config file and applies
// environment overrides.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	cfg, err := LoadFrom(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if cfg.Server.DatabaseURL == "" {
		cfg.Server.DatabaseURL = paths.DatabaseFile
	}
	if cfg.Server.AuditLog == "" {
		cfg.Server.AuditLog = paths.AuditLogFile
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file settings from the environment. getenv is
// os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		c.Server.Listen = ":" + port
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := getenv("SEALROOM_TOKEN_SECRET"); v != "" {
		c.Server.TokenSecret = v
	}
	if v := getenv("SEALROOM_SERVER"); v != "" {
		c.Client.ServerURL = v
	}
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// The file may hold the token secret
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the settings every command depends on
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Client.ServerURL != "" {
		u, err := url.Parse(c.Client.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid server URL: %q", c.Client.ServerURL)
		}
	}

	return nil
}

// ValidateServer additionally checks the settings the relay needs
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}

	s := c.Server
	if s.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(s.TokenSecret) < MinTokenSecretLength {
		return fmt.Errorf("token secret must be at least %d characters (set SEALROOM_TOKEN_SECRET)", MinTokenSecretLength)
	}
	if s.TokenTTL.Duration <= 0 {
		return fmt.Errorf("invalid token TTL: %s", s.TokenTTL)
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("invalid max message size: %d", s.MaxMessageBytes)
	}

	l := s.Limits
	if l.MaxConnections <= 0 || l.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("connection limits must be positive")
	}
	if l.EventsPerSecond <= 0 || l.EventBurst <= 0 || l.EnvelopesPerMinute <= 0 || l.EnvelopeBurst <= 0 {
		return fmt.Errorf("event limits must be positive")
	}
	for _, o := range s.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("empty allowed origin")
		}
	}

	return nil
}
