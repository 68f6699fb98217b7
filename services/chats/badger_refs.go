package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/services/storage"
)

const refKeyPrefix = "r:"

// BadgerRefStore is the embedded RefStore counterpart to BadgerStore.
// Refs are small JSON blobs keyed by chat id; listing scans them all
// and filters by owner, which is fine at single-node scale.
type BadgerRefStore struct {
	db *storage.BadgerDB
}

func NewBadgerRefStore(db *storage.BadgerDB) *BadgerRefStore {
	return &BadgerRefStore{db: db}
}

func (s *BadgerRefStore) InsertRef(ctx context.Context, ref Ref) error {
	blob, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal chat ref: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(refKeyPrefix+ref.ChatID), blob)
	})
	if err != nil {
		return fmt.Errorf("insert chat ref %s: %w", ref.ChatID, err)
	}
	return nil
}

func (s *BadgerRefStore) DeleteRef(ctx context.Context, chatID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(refKeyPrefix + chatID))
	})
	if err != nil {
		return fmt.Errorf("delete chat ref %s: %w", chatID, err)
	}
	return nil
}

func (s *BadgerRefStore) ListRefs(ctx context.Context, owner string) ([]Ref, error) {
	var refs []Ref
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(refKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ref Ref
				if err := json.Unmarshal(val, &ref); err != nil {
					return fmt.Errorf("unmarshal chat ref: %w", err)
				}
				if ref.Owner == owner {
					refs = append(refs, ref)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("list chat refs for %s: %w", owner, err)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	return refs, nil
}

var _ RefStore = (*BadgerRefStore)(nil)
