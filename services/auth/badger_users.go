package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/services/storage"
)

const userKeyPrefix = "u:"

// storedUser is the on-disk shape. The API-facing User hides
// credentials via its json tags, so storage round-trips through this
// type instead.
type storedUser struct {
	Username    string           `json:"username"`
	CreatedAt   time.Time        `json:"created_at"`
	Credentials []AuthCredential `json:"credentials,omitempty"`
}

// BadgerUserStore persists accounts in the embedded database for
// deployments running without PostgreSQL.
type BadgerUserStore struct {
	db *storage.BadgerDB
}

func NewBadgerUserStore(db *storage.BadgerDB) *BadgerUserStore {
	return &BadgerUserStore{db: db}
}

func userKey(username string) []byte {
	return []byte(userKeyPrefix + username)
}

func (s *BadgerUserStore) GetUser(ctx context.Context, username string) (*User, error) {
	var stored storedUser
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &User{
		Username:    stored.Username,
		CreatedAt:   stored.CreatedAt,
		Credentials: stored.Credentials,
	}, nil
}

func (s *BadgerUserStore) CreateUser(ctx context.Context, username string, creds []AuthCredential) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is empty")
	}

	user := &User{Username: username, CreatedAt: time.Now().UTC(), Credentials: creds}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(userKey(username))
		if err == nil {
			return ErrUserExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		blob, err := json.Marshal(storedUser{
			Username:    user.Username,
			CreatedAt:   user.CreatedAt,
			Credentials: user.Credentials,
		})
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return txn.Set(userKey(username), blob)
	})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *BadgerUserStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var stored storedUser
				if err := json.Unmarshal(val, &stored); err != nil {
					return fmt.Errorf("unmarshal user: %w", err)
				}
				users = append(users, User{
					Username:  stored.Username,
					CreatedAt: stored.CreatedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

var _ UserStore = (*BadgerUserStore)(nil)
