package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/relay"
	"sealroom.dev/go/sealroom/internal/store"
	"sealroom.dev/go/sealroom/internal/testutil"
)

func startRelay(t *testing.T) *API {
	t.Helper()
	api, _ := startRelayWith(t, relay.Options{})
	return api
}

func startRelayWith(t *testing.T, opts relay.Options) (*API, store.Store) {
	t.Helper()
	st := testutil.NewStore(t)
	srv := relay.New(opts, st, testutil.NewAuth(t, st), discardLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return NewAPI(hs.URL), st
}

type account struct {
	party
	token string
}

func signup(t *testing.T, api *API, name string) account {
	t.Helper()
	p := newParty(t, name)
	pk, _ := p.keys.PublicKey()
	ctx := context.Background()

	if err := api.Register(ctx, name, "pw-"+name, pk.String()); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	resp, err := api.Login(ctx, name, "pw-"+name)
	if err != nil {
		t.Fatalf("Login(%s): %v", name, err)
	}
	if resp.PublicKey != pk.String() {
		t.Errorf("server-held key = %s, want %s", resp.PublicKey, pk)
	}
	return account{party: p, token: resp.Token}
}

func connect(t *testing.T, api *API, acct account) *Session {
	t.Helper()
	tr, err := Dial(context.Background(), api.BaseURL(), acct.token)
	if err != nil {
		t.Fatalf("Dial(%s): %v", acct.name, err)
	}
	s := NewSession(acct.name, acct.keys, NewDirectoryCache(t.TempDir()), tr, discardLogger())
	t.Cleanup(func() { s.Close() })
	return s
}

func waitHistory(t *testing.T, s *Session) History {
	t.Helper()
	for {
		switch u := next(t, s).(type) {
		case History:
			return u
		case Notice:
			t.Fatalf("unexpected notice: %v", u)
		}
	}
}

func waitMembers(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(s.Members()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("%s sees %d members, want %d", s.Name(), len(s.Members()), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIntegration_SendAndReplay(t *testing.T) {
	api := startRelay(t)
	alice, bob := signup(t, api, "alice"), signup(t, api, "bob")

	bs := connect(t, api, bob)
	bs.Join("ABC123")
	waitHistory(t, bs)

	as := connect(t, api, alice)
	as.Join("ABC123")
	waitHistory(t, as)
	waitMembers(t, as, 2)

	if _, err := as.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg, ok := next(t, bs).(Message)
	if !ok {
		t.Fatal("bob expected a message")
	}
	if msg.Text != "hi" || msg.From != "alice" || msg.ID == "" {
		t.Errorf("bob received %+v", msg)
	}

	// bob reconnects and gets "hi" from the replay. Closing purges the
	// session's keys, so the new session gets a copy.
	bobAgain := account{party: party{name: "bob", keys: cloneKeys(t, bob)}, token: bob.token}
	bs.Close()

	bs2 := connect(t, api, bobAgain)
	bs2.Join("ABC123")
	h := waitHistory(t, bs2)
	if len(h.Messages) != 1 || h.Messages[0].Text != "hi" {
		t.Fatalf("replay = %+v, want the earlier hi", h.Messages)
	}

	// the sender's own view of the replay shows the message once
	as2 := connect(t, api, account{party: party{name: "alice", keys: cloneKeys(t, alice)}, token: alice.token})
	as2.Join("ABC123")
	h = waitHistory(t, as2)
	if len(h.Messages) != 1 || !h.Messages[0].Self {
		t.Errorf("alice's replay = %+v", h.Messages)
	}
}

func TestIntegration_LargeHistorySpansFrames(t *testing.T) {
	api, st := startRelayWith(t, relay.Options{HistoryChunkBytes: 2048})
	alice, bob := signup(t, api, "alice"), signup(t, api, "bob")

	bs := connect(t, api, bob)
	bs.Join("ABC123")
	waitHistory(t, bs)
	bobAgain := account{party: party{name: "bob", keys: cloneKeys(t, bob)}, token: bob.token}
	bs.Close()

	as := connect(t, api, alice)
	as.Join("ABC123")
	waitHistory(t, as)
	waitMembers(t, as, 2)

	const total = 40
	for i := 0; i < total; i++ {
		if _, err := as.SendText(fmt.Sprintf("message %02d %s", i, strings.Repeat("x", 200))); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	testutil.WaitFor(t, 5*time.Second, func() bool {
		msgs, _ := st.ListMessages(context.Background(), "ABC123")
		return len(msgs) == total
	}, "relay did not record every envelope")

	bs2 := connect(t, api, bobAgain)
	bs2.Join("ABC123")
	h := waitHistory(t, bs2)
	if len(h.Messages) != total {
		t.Fatalf("replay has %d messages, want %d", len(h.Messages), total)
	}
	for i, m := range h.Messages {
		if !strings.HasPrefix(m.Text, fmt.Sprintf("message %02d ", i)) {
			t.Errorf("message %d = %.12q", i, m.Text)
		}
	}
}

func TestHistoryChunkFitsClientFrame(t *testing.T) {
	if protocol.HistoryChunkBytes+relay.DefaultMaxMessageBytes > maxFrameBytes {
		t.Errorf("a history chunk of %d bytes can exceed the client read limit of %d",
			protocol.HistoryChunkBytes+relay.DefaultMaxMessageBytes, maxFrameBytes)
	}
}

func cloneKeys(t *testing.T, acct account) *crypto.KeyStore {
	t.Helper()
	m, err := acct.keys.Mnemonic()
	if err != nil {
		t.Fatalf("Mnemonic: %v", err)
	}
	kp, err := crypto.KeyPairFromMnemonic(m)
	if err != nil {
		t.Fatalf("KeyPairFromMnemonic: %v", err)
	}
	return crypto.NewKeyStore(kp)
}

func TestIntegration_DialRefusedWithoutValidToken(t *testing.T) {
	api := startRelay(t)

	_, err := Dial(context.Background(), api.BaseURL(), "forged.token")
	if !errors.Is(err, auth.ErrAuth) {
		t.Errorf("got %v, want ErrAuth", err)
	}
}

func TestIntegration_API(t *testing.T) {
	api := startRelay(t)
	ctx := context.Background()
	if err := api.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	alice := signup(t, api, "alice")

	pk, _ := alice.keys.PublicKey()
	if err := api.Register(ctx, "alice", "again", pk.String()); !errors.Is(err, store.ErrDuplicateIdentity) {
		t.Errorf("second register: got %v, want ErrDuplicateIdentity", err)
	}
	if _, err := api.Login(ctx, "alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("bad password: got %v, want ErrInvalidCredentials", err)
	}

	code, err := api.CreateRoom(ctx, alice.token)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	rooms, err := api.Rooms(ctx, alice.token)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != code {
		t.Errorf("rooms = %v, want [%s]", rooms, code)
	}

	kp, _ := crypto.GenerateKeyPair()
	if err := api.RotateKey(ctx, alice.token, kp.Public.String()); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	resp, err := api.Login(ctx, "alice", "pw-alice")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.PublicKey != kp.Public.String() {
		t.Errorf("key after rotation = %s, want %s", resp.PublicKey, kp.Public)
	}

	if _, err := api.Rooms(ctx, "forged"); !errors.Is(err, auth.ErrAuth) {
		t.Errorf("forged token: got %v, want ErrAuth", err)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://relay.example/", "wss://relay.example/ws", false},
		{"https://relay.example/chat", "wss://relay.example/chat/ws", false},
		{"ftp://relay.example", "", true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("WebSocketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
