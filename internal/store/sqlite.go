package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite persists users and messages in a SQLite database.
type SQLite struct {
	sqlDB *sql.DB
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// OpenSQLite opens a SQLite store at path and applies embedded migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between relay goroutines.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{sqlDB: sqlDB}, nil
}

func applyMigrations(db *sql.DB) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(body)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLite) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, username, password_hash, email, is_online, last_seen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(),
		user.Username,
		user.PasswordHash,
		user.Email,
		boolToInt(user.IsOnline),
		toNanos(user.LastSeen),
		toNanos(user.CreatedAt),
		toNanos(user.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperror.ErrConflict.WithMessage("username already taken")
		}
		return persistence("create user", err)
	}
	return nil
}

const userColumns = `id, username, password_hash, email, is_online, last_seen, created_at, updated_at`

func (s *SQLite) FindUser(ctx context.Context, id uuid.UUID) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String())
	return scanUser(row)
}

func (s *SQLite) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? COLLATE NOCASE`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var (
		user   User
		id     string
		online int
	)
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&id, &user.Username, &user.PasswordHash, &user.Email, &online, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, notFound("user")
		}
		return User{}, persistence("scan user", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return User{}, persistence("parse user id", err)
	}
	user.ID = parsed
	user.IsOnline = online != 0
	user.LastSeen = fromNanos(lastSeen)
	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return user, nil
}

func (s *SQLite) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toNanos(timeNow())
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		boolToInt(online), now, now, id.String())
	if err != nil {
		return persistence("set online", err)
	}
	return requireAffected(res, "user")
}

func (s *SQLite) SaveMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var receiver any
	if msg.ReceiverID != nil {
		receiver = msg.ReceiverID.String()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, is_read, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(),
		msg.SenderID.String(),
		receiver,
		msg.Content,
		boolToInt(msg.IsRead),
		toNanos(msg.CreatedAt),
		toNanos(msg.UpdatedAt),
	)
	if err != nil {
		return persistence("save message", err)
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, content, is_read, created_at, updated_at`

func (s *SQLite) FindMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, notFound("message")
	}
	if err != nil {
		return Message{}, persistence("find message", err)
	}
	return msg, nil
}

func (s *SQLite) MarkRead(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, updated_at = ? WHERE id = ?`,
		toNanos(timeNow()), id.String())
	if err != nil {
		return persistence("mark read", err)
	}
	return requireAffected(res, "message")
}

func (s *SQLite) Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		a.String(), b.String(), b.String(), a.String(), clampLimit(limit))
}

func (s *SQLite) PublicMessages(ctx context.Context, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE receiver_id IS NULL
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		clampLimit(limit))
}

func (s *SQLite) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("query messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, persistence("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate messages", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg                  Message
		id, sender           string
		receiver             sql.NullString
		read                 int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &sender, &receiver, &msg.Content, &read, &createdAt, &updatedAt); err != nil {
		return Message{}, err
	}
	var err error
	if msg.ID, err = uuid.Parse(id); err != nil {
		return Message{}, err
	}
	if msg.SenderID, err = uuid.Parse(sender); err != nil {
		return Message{}, err
	}
	if receiver.Valid {
		receiverID, err := uuid.Parse(receiver.String)
		if err != nil {
			return Message{}, err
		}
		msg.ReceiverID = &receiverID
	}
	msg.IsRead = read != 0
	msg.CreatedAt = fromNanos(createdAt)
	msg.UpdatedAt = fromNanos(updatedAt)
	return msg, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistence("rows affected", err)
	}
	if n == 0 {
		return notFound(what)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
