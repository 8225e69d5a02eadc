// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"github.com/klauspost/compress/s2"
)

var _ storage.MessageStore = (*MessageStore)(nil)

const messagePrefix = "message/"

// MessageStore implements storage.MessageStore using BadgerDB.
// Values are s2-compressed JSON; message bodies dominate the store size.
//
// Key format: message/{messageID}
type MessageStore struct {
	db *badger.DB
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Save stores a message.
func (m *MessageStore) Save(msg *storage.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(messagePrefix, msg.ID), s2.Encode(nil, data))
	})
}

// Get retrieves a message by id.
func (m *MessageStore) Get(id string) (*storage.Message, error) {
	var msg *storage.Message

	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(messagePrefix, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			data, err := s2.Decode(nil, val)
			if err != nil {
				return fmt.Errorf("failed to decompress message: %w", err)
			}
			msg = &storage.Message{}
			return json.Unmarshal(data, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Delete removes a message.
func (m *MessageStore) Delete(id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(messagePrefix, id))
	})
}
