package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

// Badger persists users and messages in an embedded BadgerDB.
//
// Key layout:
//
//	user:{id}                        -> User (json)
//	username:{lowercase name}        -> user id
//	msg:{id}                         -> Message (json)
//	pub:{unixnano 19}:{id}           -> message id
//	dm:{low id}:{high id}:{unixnano 19}:{id} -> message id
//
// The zero-padded timestamp keeps index keys in chronological order, and
// the trailing id disambiguates messages created in the same nanosecond.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger store at path.
func OpenBadger(path string) (*Badger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(64 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func userKey(id uuid.UUID) []byte { return []byte("user:" + id.String()) }

func usernameKey(name string) []byte { return []byte("username:" + strings.ToLower(name)) }

func messageKey(id uuid.UUID) []byte { return []byte("msg:" + id.String()) }

func publicPrefix() string { return "pub:" }

func conversationPrefix(a, b uuid.UUID) string {
	low, high := a.String(), b.String()
	if high < low {
		low, high = high, low
	}
	return "dm:" + low + ":" + high + ":"
}

func indexKey(prefix string, msg Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", prefix, msg.CreatedAt.UnixNano(), msg.ID))
}

func (b *Badger) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		nameKey := usernameKey(user.Username)
		if _, err := txn.Get(nameKey); err == nil {
			return apperror.ErrConflict.WithMessage("username already taken")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nameKey, []byte(user.ID.String())); err != nil {
			return err
		}
		return txn.Set(userKey(user.ID), data)
	})
	if errors.Is(err, apperror.ErrConflict) {
		return err
	}
	if err != nil {
		return persistence("create user", err)
	}
	return nil
}

func (b *Badger) FindUser(ctx context.Context, id uuid.UUID) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var user User
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, notFound("user")
	}
	if err != nil {
		return User{}, persistence("find user", err)
	}
	return user, nil
}

func (b *Badger) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var user User
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := uuid.ParseBytes(raw)
		if err != nil {
			return err
		}
		return getJSON(txn, userKey(id), &user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, notFound("user")
	}
	if err != nil {
		return User{}, persistence("find user by username", err)
	}
	return user, nil
}

func (b *Badger) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var user User
		if err := getJSON(txn, userKey(id), &user); err != nil {
			return err
		}
		now := timeNow()
		user.IsOnline = online
		user.LastSeen = now
		user.UpdatedAt = now
		return setJSON(txn, userKey(id), user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound("user")
	}
	if err != nil {
		return persistence("set online", err)
	}
	return nil
}

func (b *Badger) SaveMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, messageKey(msg.ID), msg); err != nil {
			return err
		}
		prefix := publicPrefix()
		if msg.ReceiverID != nil {
			prefix = conversationPrefix(msg.SenderID, *msg.ReceiverID)
		}
		return txn.Set(indexKey(prefix, msg), []byte(msg.ID.String()))
	})
	if err != nil {
		return persistence("save message", err)
	}
	return nil
}

func (b *Badger) FindMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	var msg Message
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &msg)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, notFound("message")
	}
	if err != nil {
		return Message{}, persistence("find message", err)
	}
	return msg, nil
}

func (b *Badger) MarkRead(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var msg Message
		if err := getJSON(txn, messageKey(id), &msg); err != nil {
			return err
		}
		msg.IsRead = true
		msg.UpdatedAt = timeNow()
		return setJSON(txn, messageKey(id), msg)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound("message")
	}
	if err != nil {
		return persistence("mark read", err)
	}
	return nil
}

func (b *Badger) Conversation(ctx context.Context, a, c uuid.UUID, limit int) ([]Message, error) {
	return b.scanLatest(ctx, conversationPrefix(a, c), limit)
}

func (b *Badger) PublicMessages(ctx context.Context, limit int) ([]Message, error) {
	return b.scanLatest(ctx, publicPrefix(), limit)
}

// scanLatest walks an index prefix backwards so the newest messages come
// first, stopping once limit messages are collected.
func (b *Badger) scanLatest(ctx context.Context, prefix string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	var messages []Message
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = []byte(prefix)
		it := txn.NewIterator(options)
		defer it.Close()

		// '~' sorts after every digit, so the seek lands on the newest key.
		for it.Seek([]byte(prefix + "~")); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if len(messages) == limit {
				break
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			id, err := uuid.ParseBytes(raw)
			if err != nil {
				return err
			}
			var msg Message
			if err := getJSON(txn, messageKey(id), &msg); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("scan messages", err)
	}
	return messages, nil
}

func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
