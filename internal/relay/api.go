package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"sealroom.dev/go/sealroom/internal/audit"
	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/store"
)

const maxAPIBodyBytes = 64 * 1024

// roomCodeAttempts bounds retries when a generated code is already taken
const roomCodeAttempts = 8

type identityKey struct{}

// RegisterRequest is the body of POST /api/register
type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"publicKey"`
}

// LoginRequest is the body of POST /api/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token and the server-held public key
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

// PublicKeyRequest is the body of POST /api/public-key
type PublicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

// RoomsResponse lists the rooms an identity belongs to
type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

// CreateRoomResponse carries a freshly generated room code
type CreateRoomResponse struct {
	Code string `json:"code"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.auth.Register(r.Context(), req.Username, req.Password, req.PublicKey)
	switch {
	case errors.Is(err, store.ErrDuplicateIdentity):
		s.errorResponse(w, http.StatusConflict, "username already registered")
		return
	case errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrEmptyPassword),
		errors.Is(err, crypto.ErrInvalidKey):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("register failed", "username", req.Username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info("registered identity", "username", req.Username)
	s.record(audit.Entry{Action: audit.ActionRegistered, Identity: req.Username, IP: remoteIP(r)})
	s.jsonResponse(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, u, err := s.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.metrics.authFailures.Inc()
		s.record(audit.Entry{Action: audit.ActionLoginFailed, Identity: req.Username, IP: remoteIP(r)})
		s.errorResponse(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		s.logger.Error("login failed", "username", req.Username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.record(audit.Entry{Action: audit.ActionLogin, Identity: u.Name, IP: remoteIP(r)})
	s.jsonResponse(w, http.StatusOK, LoginResponse{
		Token:     token,
		Username:  u.Name,
		PublicKey: u.PublicKey,
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	var req PublicKeyRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.auth.RotateKey(r.Context(), identity, req.PublicKey)
	switch {
	case errors.Is(err, crypto.ErrInvalidKey):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "unknown identity")
		return
	case err != nil:
		s.logger.Error("rotate key failed", "identity", identity, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "key update failed")
		return
	}

	s.logger.Info("public key rotated", "identity", identity)
	s.record(audit.Entry{Action: audit.ActionKeyRotated, Identity: identity, IP: remoteIP(r)})
	if err := s.dir.RefreshIdentity(r.Context(), identity); err != nil {
		s.logger.Warn("rebroadcast after key rotation", "identity", identity, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.RoomsForUser(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.logger.Error("list rooms failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list rooms failed")
		return
	}
	if rooms == nil {
		rooms = []string{}
	}
	s.jsonResponse(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	for i := 0; i < roomCodeAttempts; i++ {
		code, err := protocol.NewRoomCode()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "generate room code")
			return
		}

		err = s.store.CreateRoom(r.Context(), code)
		if errors.Is(err, store.ErrRoomExists) {
			continue
		}
		if err == nil {
			_, _, err = s.store.JoinRoom(r.Context(), code, identity)
		}
		if err != nil {
			s.logger.Error("create room failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "create room failed")
			return
		}

		s.logger.Info("room created", "room", code, "identity", identity)
		s.record(audit.Entry{Action: audit.ActionRoomCreated, Identity: identity, Room: code})
		s.jsonResponse(w, http.StatusCreated, CreateRoomResponse{Code: code})
		return
	}
	s.errorResponse(w, http.StatusServiceUnavailable, "no free room code")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// authenticated rejects requests without a valid bearer token and passes
// the identity on in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err == nil {
			var name string
			if name, err = s.auth.Validate(token); err == nil {
				next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, name)))
				return
			}
		}
		s.metrics.authFailures.Inc()
		s.errorResponse(w, http.StatusUnauthorized, err.Error())
	}
}

func identityFrom(ctx context.Context) string {
	name, _ := ctx.Value(identityKey{}).(string)
	return name
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
