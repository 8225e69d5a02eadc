// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

var _ storage.DeliveryStore = (*DeliveryStore)(nil)

type deliveryKey struct {
	messageID  string
	receiverID string
}

// DeliveryStore is an in-memory implementation of storage.DeliveryStore.
type DeliveryStore struct {
	mu   sync.RWMutex
	data map[deliveryKey]*storage.Delivery
}

// NewDeliveryStore creates a new in-memory delivery store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		data: make(map[deliveryKey]*storage.Delivery),
	}
}

// Save creates or replaces a delivery.
func (s *DeliveryStore) Save(d *storage.Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[deliveryKey{d.MessageID, d.ReceiverID}] = d.Clone()
	return nil
}

// Get retrieves a delivery.
func (s *DeliveryStore) Get(messageID, receiverID string) (*storage.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.data[deliveryKey{messageID, receiverID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

// Delete removes a delivery.
func (s *DeliveryStore) Delete(messageID, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, deliveryKey{messageID, receiverID})
	return nil
}

// FindByMessage returns all deliveries of a message.
func (s *DeliveryStore) FindByMessage(messageID string) ([]*storage.Delivery, error) {
	return s.find(func(d *storage.Delivery) bool {
		return d.MessageID == messageID
	}), nil
}

// FindByReceiver returns the deliveries addressed to clientID matching q.
func (s *DeliveryStore) FindByReceiver(clientID string, q storage.Query) ([]*storage.Delivery, error) {
	return s.find(func(d *storage.Delivery) bool {
		return d.ReceiverID == clientID && q.Matches(d)
	}), nil
}

// FindBySender returns the deliveries sent by clientID matching q.
func (s *DeliveryStore) FindBySender(clientID string, q storage.Query) ([]*storage.Delivery, error) {
	return s.find(func(d *storage.Delivery) bool {
		return d.SenderID == clientID && q.Matches(d)
	}), nil
}

// find returns copies of matching deliveries ordered by acceptance time.
func (s *DeliveryStore) find(match func(*storage.Delivery) bool) []*storage.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Delivery
	for _, d := range s.data {
		if match(d) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TimeAccepted.Equal(result[j].TimeAccepted) {
			return result[i].TimeAccepted.Before(result[j].TimeAccepted)
		}
		if result[i].MessageID != result[j].MessageID {
			return result[i].MessageID < result[j].MessageID
		}
		return result[i].ReceiverID < result[j].ReceiverID
	})
	return result
}
