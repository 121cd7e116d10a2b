package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/relay"
	"sealroom.dev/go/sealroom/internal/store"
)

// API is a client for the relay's HTTP endpoints.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates an API client for the relay at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the relay URL.
func (a *API) BaseURL() string {
	return a.baseURL
}

// Health checks that the relay is up.
func (a *API) Health(ctx context.Context) error {
	return a.do(ctx, "GET", "/healthz", "", nil, nil)
}

// Register creates an identity with its public key.
func (a *API) Register(ctx context.Context, username, password, publicKey string) error {
	return a.do(ctx, "POST", "/api/register", "", relay.RegisterRequest{
		Username:  username,
		Password:  password,
		PublicKey: publicKey,
	}, nil)
}

// Login exchanges a password for a session token.
func (a *API) Login(ctx context.Context, username, password string) (*relay.LoginResponse, error) {
	var resp relay.LoginResponse
	err := a.do(ctx, "POST", "/api/login", "", relay.LoginRequest{
		Username: username,
		Password: password,
	}, &resp)
	if errors.Is(err, auth.ErrAuth) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateKey overwrites the server-held public key of the session's identity.
func (a *API) RotateKey(ctx context.Context, token, publicKey string) error {
	return a.do(ctx, "POST", "/api/public-key", token, relay.PublicKeyRequest{PublicKey: publicKey}, nil)
}

// Rooms lists the rooms the identity belongs to.
func (a *API) Rooms(ctx context.Context, token string) ([]string, error) {
	var resp relay.RoomsResponse
	if err := a.do(ctx, "GET", "/api/rooms", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom asks the relay for a fresh room and joins it.
func (a *API) CreateRoom(ctx context.Context, token string) (string, error) {
	var resp relay.CreateRoomResponse
	if err := a.do(ctx, "POST", "/api/rooms", token, nil, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

func (a *API) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// statusError maps API statuses back to the package sentinels.
func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", auth.ErrAuth, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrDuplicateIdentity, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
	default:
		return fmt.Errorf("relay returned %d: %s", status, msg)
	}
}
