// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	deliveries    *DeliveryStore
	messages      *MessageStore
	relationships *RelationshipStore
	memberships   *MembershipStore
	locks         storage.KeyLock
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		deliveries:    NewDeliveryStore(),
		messages:      NewMessageStore(),
		relationships: NewRelationshipStore(),
		memberships:   NewMembershipStore(),
	}
}

// Deliveries returns the delivery store.
func (s *Store) Deliveries() storage.DeliveryStore {
	return s.deliveries
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Relationships returns the relationship store.
func (s *Store) Relationships() storage.RelationshipStore {
	return s.relationships
}

// Memberships returns the membership store.
func (s *Store) Memberships() storage.MembershipStore {
	return s.memberships
}

// LockMessage locks the message for mutation.
func (s *Store) LockMessage(messageID string) func() {
	return s.locks.Lock(messageID)
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
