package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx"

	"sealroom.dev/go/sealroom/internal/protocol"
)

// postgresSchema is applied on open. Statements are idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		name          TEXT PRIMARY KEY,
		password_hash BYTEA NOT NULL,
		public_key    TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		code       TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room      TEXT NOT NULL REFERENCES rooms (code),
		name      TEXT NOT NULL,
		seq       BIGSERIAL,
		PRIMARY KEY (room, name)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq       BIGSERIAL PRIMARY KEY,
		id        TEXT NOT NULL,
		room      TEXT NOT NULL,
		sender    TEXT NOT NULL,
		recipient TEXT NOT NULL,
		kind      TEXT NOT NULL,
		message   TEXT NOT NULL,
		sent_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_room_seq ON messages (room, seq)`,
	`CREATE INDEX IF NOT EXISTS room_members_name ON room_members (name)`,
}

// Postgres is a Store backed by a pgx connection pool
type Postgres struct {
	pool   *pgx.ConnPool
	logger *slog.Logger
}

// OpenPostgres connects to url and applies the schema.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	p := &Postgres{logger: logger}

	connCfg, err := pgx.ParseConnectionString(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	connCfg.Logger = p
	connCfg.LogLevel = pgx.LogLevelWarn

	p.pool, err = pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := p.pool.ExecEx(ctx, stmt, nil); err != nil {
			p.pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return p, nil
}

// Log adapts pgx logging to slog.
func (p *Postgres) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	args := make([]any, 0, 2*len(data))
	for k, v := range data {
		args = append(args, k, v)
	}

	switch level {
	case pgx.LogLevelNone:
	case pgx.LogLevelError:
		p.logger.Error(msg, args...)
	case pgx.LogLevelWarn:
		p.logger.Warn(msg, args...)
	case pgx.LogLevelInfo:
		p.logger.Info(msg, args...)
	default:
		p.logger.Debug(msg, args...)
	}
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	if err := validName(u.Name); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	tag, err := p.pool.ExecEx(ctx,
		`INSERT INTO users (name, password_hash, public_key, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING`, nil,
		u.Name, u.PasswordHash, u.PublicKey, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdentity
	}
	return nil
}

func (p *Postgres) FindUser(ctx context.Context, name string) (*User, error) {
	u := &User{Name: name}
	err := p.pool.QueryRowEx(ctx,
		`SELECT password_hash, public_key, created_at FROM users WHERE name = $1`, nil, name).
		Scan(&u.PasswordHash, &u.PublicKey, &u.CreatedAt)
	switch {
	case err == pgx.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (p *Postgres) UpdatePublicKey(ctx context.Context, name, publicKey string) error {
	tag, err := p.pool.ExecEx(ctx,
		`UPDATE users SET public_key = $2 WHERE name = $1`, nil, name, publicKey)
	if err != nil {
		return fmt.Errorf("update public key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateRoom(ctx context.Context, code string) error {
	tag, err := p.pool.ExecEx(ctx,
		`INSERT INTO rooms (code, created_at) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`, nil,
		code, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomExists
	}
	return nil
}

func (p *Postgres) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	r := &Room{Code: code}
	err := p.pool.QueryRowEx(ctx, `SELECT created_at FROM rooms WHERE code = $1`, nil, code).
		Scan(&r.CreatedAt)
	switch {
	case err == pgx.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("select room: %w", err)
	}

	if r.Members, err = p.members(ctx, code); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Postgres) JoinRoom(ctx context.Context, code, name string) (*Room, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}

	tx, err := p.pool.BeginEx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecEx(ctx,
		`INSERT INTO rooms (code, created_at) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`, nil,
		code, time.Now().UTC()); err != nil {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}
	tag, err := tx.ExecEx(ctx,
		`INSERT INTO room_members (room, name) VALUES ($1, $2) ON CONFLICT (room, name) DO NOTHING`, nil,
		code, name)
	if err != nil {
		return nil, false, fmt.Errorf("insert member: %w", err)
	}
	if err := tx.CommitEx(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	r, err := p.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return r, tag.RowsAffected() == 1, nil
}

func (p *Postgres) members(ctx context.Context, code string) ([]string, error) {
	rows, err := p.pool.QueryEx(ctx,
		`SELECT name FROM room_members WHERE room = $1 ORDER BY seq`, nil, code)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *Postgres) RoomsForUser(ctx context.Context, name string) ([]string, error) {
	rows, err := p.pool.QueryEx(ctx,
		`SELECT room FROM room_members WHERE name = $1 ORDER BY room`, nil, name)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (p *Postgres) AppendMessage(ctx context.Context, env protocol.Envelope) error {
	_, err := p.pool.ExecEx(ctx,
		`INSERT INTO messages (id, room, sender, recipient, kind, message, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, nil,
		env.ID, env.Room, env.From, env.To, string(env.Kind), env.Message, env.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, room string) ([]protocol.Envelope, error) {
	rows, err := p.pool.QueryEx(ctx,
		`SELECT id, sender, recipient, kind, message, sent_at
		 FROM messages WHERE room = $1 ORDER BY seq`, nil, room)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Envelope
	for rows.Next() {
		env := protocol.Envelope{Room: room}
		var kind string
		if err := rows.Scan(&env.ID, &env.From, &env.To, &kind, &env.Message, &env.Timestamp); err != nil {
			return nil, err
		}
		env.Kind = protocol.Kind(strings.TrimSpace(kind))
		env.Timestamp = env.Timestamp.UTC()
		out = append(out, env)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
