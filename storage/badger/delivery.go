// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

var _ storage.DeliveryStore = (*DeliveryStore)(nil)

// Key prefixes of delivery records and their secondary indexes.
const (
	deliveryPrefix    = "delivery/"
	deliveryInPrefix  = "delivery-in/"
	deliveryOutPrefix = "delivery-out/"
)

// DeliveryStore implements storage.DeliveryStore using BadgerDB.
//
// Key format, with \x00 between id segments:
//   - Record: delivery/{messageID}\x00{receiverID}
//   - Receiver index: delivery-in/{receiverID}\x00{messageID}
//   - Sender index: delivery-out/{senderID}\x00{messageID}\x00{receiverID}
//
// Index values hold the record key.
type DeliveryStore struct {
	db *badger.DB
}

// NewDeliveryStore creates a new BadgerDB delivery store.
func NewDeliveryStore(db *badger.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func deliveryKey(messageID, receiverID string) []byte {
	return key(deliveryPrefix, messageID, receiverID)
}

func receiverIndexKey(d *storage.Delivery) []byte {
	return key(deliveryInPrefix, d.ReceiverID, d.MessageID)
}

func senderIndexKey(d *storage.Delivery) []byte {
	return key(deliveryOutPrefix, d.SenderID, d.MessageID, d.ReceiverID)
}

// Save creates or replaces a delivery together with its index entries.
func (s *DeliveryStore) Save(d *storage.Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	recKey := deliveryKey(d.MessageID, d.ReceiverID)

	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getDelivery(txn, recKey)
		switch {
		case err == nil:
			if prev.SenderID != d.SenderID {
				if err := txn.Delete(senderIndexKey(prev)); err != nil {
					return err
				}
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := txn.Set(recKey, data); err != nil {
			return err
		}
		if err := txn.Set(receiverIndexKey(d), recKey); err != nil {
			return err
		}
		return txn.Set(senderIndexKey(d), recKey)
	})
}

// Get retrieves a delivery.
func (s *DeliveryStore) Get(messageID, receiverID string) (*storage.Delivery, error) {
	var d *storage.Delivery
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = getDelivery(txn, deliveryKey(messageID, receiverID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a delivery and its index entries.
func (s *DeliveryStore) Delete(messageID, receiverID string) error {
	recKey := deliveryKey(messageID, receiverID)

	return s.db.Update(func(txn *badger.Txn) error {
		d, err := getDelivery(txn, recKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, k := range [][]byte{recKey, receiverIndexKey(d), senderIndexKey(d)} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindByMessage returns all deliveries of a message.
func (s *DeliveryStore) FindByMessage(messageID string) ([]*storage.Delivery, error) {
	var result []*storage.Delivery

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scanPrefix(deliveryPrefix, messageID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var d storage.Delivery
				if err := json.Unmarshal(val, &d); err != nil {
					return err
				}
				result = append(result, &d)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal delivery: %w", err)
			}
		}
		return nil
	})

	return result, err
}

// FindByReceiver returns the deliveries addressed to clientID matching q.
func (s *DeliveryStore) FindByReceiver(clientID string, q storage.Query) ([]*storage.Delivery, error) {
	return s.findIndexed(scanPrefix(deliveryInPrefix, clientID), q)
}

// FindBySender returns the deliveries sent by clientID matching q.
func (s *DeliveryStore) FindBySender(clientID string, q storage.Query) ([]*storage.Delivery, error) {
	return s.findIndexed(scanPrefix(deliveryOutPrefix, clientID), q)
}

// findIndexed resolves the index entries under prefix and returns the
// matching records ordered by acceptance time.
func (s *DeliveryStore) findIndexed(prefix []byte, q storage.Query) ([]*storage.Delivery, error) {
	var result []*storage.Delivery

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			recKey, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			d, err := getDelivery(txn, recKey)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if q.Matches(d) {
				result = append(result, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TimeAccepted.Before(result[j].TimeAccepted)
	})
	return result, nil
}

func getDelivery(txn *badger.Txn, key []byte) (*storage.Delivery, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	d := &storage.Delivery{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, d)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return d, nil
}
