// Package auth issues and checks credentials for the relay.
//
// Passwords are stored as bcrypt hashes. Bearer tokens are
// base64url(name "|" expiry) "." base64url(HMAC-SHA256(secret, payload)).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/store"
)

var (
	// ErrAuth is returned for a bad, tampered or expired bearer token.
	ErrAuth = errors.New("invalid or expired credential")

	// ErrInvalidCredentials is returned for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidUsername is returned for names outside the allowed pattern.
	ErrInvalidUsername = errors.New("username must be 1-32 letters, digits, '.', '_' or '-'")

	// ErrEmptyPassword is returned when registering without a password.
	ErrEmptyPassword = errors.New("password must not be empty")
)

// MinSecretLength is the shortest accepted token signing secret.
const MinSecretLength = 32

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// dummyHash is compared against for unknown users so that lookups of
// missing and existing names take similar time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sealroom"), bcrypt.MinCost)

// Service registers users, logs them in and validates tokens
type Service struct {
	store  store.Store
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithBcryptCost overrides the bcrypt work factor.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a credential service.
func NewService(st store.Store, secret []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("token TTL must be positive")
	}

	s := &Service{
		store:  st,
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidUsername reports whether name is an acceptable identity name.
func ValidUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return ErrInvalidUsername
	}
	return nil
}

// Register creates a user. It fails with store.ErrDuplicateIdentity when
// the name is taken and crypto.ErrInvalidKey for a malformed key.
func (s *Service) Register(ctx context.Context, username, password, publicKey string) error {
	if err := ValidUsername(username); err != nil {
		return err
	}
	if password == "" {
		return ErrEmptyPassword
	}
	pk, err := crypto.DecodePublicKey(publicKey)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateUser(ctx, store.User{
		Name:         username,
		PasswordHash: hash,
		PublicKey:    pk.String(),
		CreatedAt:    s.now().UTC(),
	})
}

// Login checks a password and returns a fresh token and the user record.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	u, err := s.store.FindUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.Issue(u.Name)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// RotateKey overwrites the server-held public key for name.
func (s *Service) RotateKey(ctx context.Context, name, publicKey string) error {
	pk, err := crypto.DecodePublicKey(publicKey)
	if err != nil {
		return err
	}
	return s.store.UpdatePublicKey(ctx, name, pk.String())
}

// Issue signs a token for name.
func (s *Service) Issue(name string) (string, error) {
	if err := ValidUsername(name); err != nil {
		return "", err
	}

	expiry := s.now().Add(s.ttl).Unix()
	payload := name + "|" + strconv.FormatInt(expiry, 10)
	return encode([]byte(payload)) + "." + encode(s.sign([]byte(payload))), nil
}

// Validate checks a token and returns the identity it was issued to.
func (s *Service) Validate(token string) (string, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrAuth
	}

	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return "", ErrAuth
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return "", ErrAuth
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return "", ErrAuth
	}

	name, expStr, ok := strings.Cut(string(payload), "|")
	if !ok {
		return "", ErrAuth
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrAuth
	}
	if !s.now().Before(time.Unix(exp, 0)) {
		return "", fmt.Errorf("%w: token expired", ErrAuth)
	}
	return name, nil
}

func (s *Service) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrAuth
	}
	return strings.TrimSpace(token), nil
}
