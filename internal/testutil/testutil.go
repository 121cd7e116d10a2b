// Package testutil provides helpers shared by sealroom's package tests
package testutil

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/store"
)

// TokenSecret is the signing secret used by NewAuth
var TokenSecret = strings.Repeat("s", auth.MinSecretLength)

// TestIdentity is a key pair with its own config directory
type TestIdentity struct {
	Name      string
	ConfigDir string
	Paths     *config.Paths
	Keys      *crypto.KeyStore
	t         *testing.T
}

// NewTestIdentity creates a key pair and a temporary config directory.
// The key store is purged when the test ends.
func NewTestIdentity(t *testing.T, name string) *TestIdentity {
	t.Helper()

	configDir := t.TempDir()
	paths := config.PathsIn(configDir)
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("create directories: %v", err)
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	ks := crypto.NewKeyStore(pair)
	t.Cleanup(ks.Purge)

	return &TestIdentity{
		Name:      name,
		ConfigDir: configDir,
		Paths:     paths,
		Keys:      ks,
		t:         t,
	}
}

// PublicKey returns the encoded public key
func (ti *TestIdentity) PublicKey() string {
	ti.t.Helper()

	pk, err := ti.Keys.PublicKey()
	if err != nil {
		ti.t.Fatalf("public key: %v", err)
	}
	return pk.String()
}

// Activate points config.GetPaths at this identity's directory for the
// rest of the test.
func (ti *TestIdentity) Activate() {
	ti.t.Setenv("SEALROOM_CONFIG_DIR", ti.ConfigDir)
}

// NewStore returns an in-memory store closed when the test ends.
func NewStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return st
}

// NewAuth returns a credential service with the cheapest bcrypt cost.
func NewAuth(t *testing.T, st store.Store) *auth.Service {
	t.Helper()

	svc, err := auth.NewService(st, []byte(TokenSecret), time.Hour, auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return svc
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WaitFor waits for a condition to be true
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for: %s", msg)
		case <-ticker.C:
		}
	}
}
