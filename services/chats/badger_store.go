// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/services/storage"
)

// BadgerStore is the embedded Store for single-node deployments.
// Layout mirrors the Redis one: s:{id} session blob, ids:{id}
// existence marker, m:{id}:{seq} transcript entries with a zero
// padded sequence so key order is insertion order, and c:{id} the
// entry count used for appends and bounded trims.
type BadgerStore struct {
	db *storage.BadgerDB
}

func NewBadgerStore(db *storage.BadgerDB) *BadgerStore {
	return &BadgerStore{db: db}
}

func badgerSessionKey(id string) []byte {
	return []byte("s:" + id)
}

func badgerIDKey(id string) []byte {
	return []byte("ids:" + id)
}

func badgerCountKey(id string) []byte {
	return []byte("c:" + id)
}

func badgerMessagePrefix(id string) []byte {
	return []byte("m:" + id + ":")
}

func badgerMessageKey(id string, seq uint64) []byte {
	return fmt.Appendf(nil, "m:%s:%020d", id, seq)
}

// readCount returns the transcript length recorded for id, zero when
// the counter key is absent.
func readCount(txn *badger.Txn, id string) (uint64, error) {
	item, err := txn.Get(badgerCountKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		parsed, err := strconv.ParseUint(string(val), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt transcript counter for %s: %w", id, err)
		}
		count = parsed
		return nil
	})
	return count, err
}

func writeCount(txn *badger.Txn, id string, count uint64) error {
	return txn.Set(badgerCountKey(id), []byte(strconv.FormatUint(count, 10)))
}

func (s *BadgerStore) PutSession(ctx context.Context, session Session) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerSessionKey(session.ID), blob)
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", session.ID, err)
	}
	return nil
}

func (s *BadgerStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(badgerSessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return &session, nil
}

func (s *BadgerStore) DeleteSession(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(badgerSessionKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) AddID(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerIDKey(id), []byte("1"))
	})
	if err != nil {
		return fmt.Errorf("register chat %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) HasID(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(badgerIDKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check chat %s: %w", id, err)
	}
	return found, nil
}

func (s *BadgerStore) RemoveID(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(badgerIDKey(id))
	})
	if err != nil {
		return fmt.Errorf("unregister chat %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		count, err := readCount(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerMessageKey(id, count), blob); err != nil {
			return err
		}
		return writeCount(txn, id, count+1)
	})
	if err != nil {
		return fmt.Errorf("append message to %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) ReadMessages(ctx context.Context, id string) ([]Message, error) {
	var messages []Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := badgerMessagePrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("unmarshal message in %s: %w", id, err)
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", id, err)
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

func (s *BadgerStore) LastMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		count, err := readCount(txn, id)
		if err != nil || count == 0 {
			return err
		}
		item, err := txn.Get(badgerMessageKey(id, count-1))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var last Message
			if err := json.Unmarshal(val, &last); err != nil {
				return fmt.Errorf("unmarshal message in %s: %w", id, err)
			}
			msg = &last
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read transcript tail %s: %w", id, err)
	}
	return msg, nil
}

func (s *BadgerStore) MessageCount(ctx context.Context, id string) (int, error) {
	var count uint64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, err := readCount(txn, id)
		count = c
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count transcript %s: %w", id, err)
	}
	return int(count), nil
}

func (s *BadgerStore) KeepMessages(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return s.ClearMessages(ctx, id)
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		count, err := readCount(txn, id)
		if err != nil {
			return err
		}
		keep := uint64(n)
		if keep >= count {
			return nil
		}
		for seq := keep; seq < count; seq++ {
			if err := txn.Delete(badgerMessageKey(id, seq)); err != nil {
				return err
			}
		}
		return writeCount(txn, id, keep)
	})
	if err != nil {
		return fmt.Errorf("trim transcript %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) ClearMessages(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		// Collect first: deleting under a live iterator is undefined.
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		prefix := badgerMessagePrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(badgerCountKey(id))
	})
	if err != nil {
		return fmt.Errorf("clear transcript %s: %w", id, err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
