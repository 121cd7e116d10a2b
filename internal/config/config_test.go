package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Server.TokenTTL.Duration != 24*time.Hour {
		t.Errorf("token TTL = %v, want 24h", cfg.Server.TokenTTL)
	}
}

func TestLoadFrom_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
listen = ":9000"
token_ttl = "90m"
allowed_origins = ["https://chat.example"]

[server.limits]
envelopes_per_minute = 120

[client]
server_url = "https://relay.example"
username = "alice"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.TokenTTL.Duration != 90*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Limits.EnvelopesPerMinute != 120 {
		t.Errorf("envelopes per minute = %d, want 120", cfg.Server.Limits.EnvelopesPerMinute)
	}
	// Unset keys keep their defaults
	if cfg.Server.Limits.EnvelopeBurst != 500 {
		t.Errorf("envelope burst = %d, want default 500", cfg.Server.Limits.EnvelopeBurst)
	}
	if cfg.Client.Username != "alice" || cfg.Logging.Format != "json" {
		t.Errorf("client = %+v, logging = %+v", cfg.Client, cfg.Logging)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Client.Username = "bob"
	cfg.Server.TokenTTL = Duration{time.Hour}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Client.Username != "bob" || loaded.Server.TokenTTL.Duration != time.Hour {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                  "3000",
		"DATABASE_URL":          "postgres://localhost/sealroom",
		"SEALROOM_TOKEN_SECRET": "from-env",
		"SEALROOM_SERVER":       "https://relay.example",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Server.Listen != ":3000" {
		t.Errorf("listen = %q, want :3000", cfg.Server.Listen)
	}
	if cfg.Server.DatabaseURL != env["DATABASE_URL"] {
		t.Errorf("database URL = %q", cfg.Server.DatabaseURL)
	}
	if cfg.Server.TokenSecret != "from-env" || cfg.Client.ServerURL != env["SEALROOM_SERVER"] {
		t.Errorf("config = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		server  bool
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false, true},
		{"bad server url", func(c *Config) { c.Client.ServerURL = "ftp://x" }, false, true},
		{"server without secret", func(*Config) {}, true, true},
		{"server ok", func(c *Config) { c.Server.TokenSecret = strings.Repeat("x", 32) }, true, false},
		{"zero ttl", func(c *Config) {
			c.Server.TokenSecret = strings.Repeat("x", 32)
			c.Server.TokenTTL = Duration{}
		}, true, true},
		{"zero limit", func(c *Config) {
			c.Server.TokenSecret = strings.Repeat("x", 32)
			c.Server.Limits.EnvelopeBurst = 0
		}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			var err error
			if tt.server {
				err = cfg.ValidateServer()
			} else {
				err = cfg.Validate()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("got error %v, want error %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetPaths_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEALROOM_CONFIG_DIR", dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if p.IdentityFile != filepath.Join(dir, "identity.key") {
		t.Errorf("identity file = %q", p.IdentityFile)
	}
	if err := p.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if _, err := os.Stat(p.DirectoryDir); err != nil {
		t.Errorf("directory cache dir not created: %v", err)
	}
}

func TestSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	if _, err := LoadSession(path); !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}

	s := &Session{ServerURL: "http://localhost:8080", Username: "alice", Token: "tok"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	loaded, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded.Username != "alice" || loaded.Token != "tok" {
		t.Errorf("session = %+v", loaded)
	}

	if err := RemoveSession(path); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if err := RemoveSession(path); err != nil {
		t.Errorf("second RemoveSession: %v", err)
	}
}
