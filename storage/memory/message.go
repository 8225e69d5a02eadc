// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

var (
	_ storage.MessageStore      = (*MessageStore)(nil)
	_ storage.RelationshipStore = (*RelationshipStore)(nil)
	_ storage.MembershipStore   = (*MembershipStore)(nil)
)

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data: make(map[string]*storage.Message),
	}
}

// Save stores a message.
func (s *MessageStore) Save(m *storage.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[m.ID] = m.Clone()
	return nil
}

// Get retrieves a message by id.
func (s *MessageStore) Get(id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// Delete removes a message.
func (s *MessageStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

type pairKey struct {
	a, b string
}

// RelationshipStore is an in-memory implementation of storage.RelationshipStore.
type RelationshipStore struct {
	mu   sync.RWMutex
	data map[pairKey]storage.Relationship
}

// NewRelationshipStore creates a new in-memory relationship store.
func NewRelationshipStore() *RelationshipStore {
	return &RelationshipStore{
		data: make(map[pairKey]storage.Relationship),
	}
}

// Save stores a relationship.
func (s *RelationshipStore) Save(r *storage.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[pairKey{r.ClientID, r.OtherClientID}] = *r
	return nil
}

// Get retrieves clientID's relationship to otherClientID.
func (s *RelationshipStore) Get(clientID, otherClientID string) (*storage.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[pairKey{clientID, otherClientID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

// MembershipStore is an in-memory implementation of storage.MembershipStore.
type MembershipStore struct {
	mu   sync.RWMutex
	data map[pairKey]storage.Membership
}

// NewMembershipStore creates a new in-memory membership store.
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{
		data: make(map[pairKey]storage.Membership),
	}
}

// Save stores a membership.
func (s *MembershipStore) Save(m *storage.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[pairKey{m.GroupID, m.ClientID}] = *m
	return nil
}

// Get retrieves the membership of clientID in groupID.
func (s *MembershipStore) Get(groupID, clientID string) (*storage.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data[pairKey{groupID, clientID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &m, nil
}

// FindByGroup returns all memberships of groupID.
func (s *MembershipStore) FindByGroup(groupID string) ([]*storage.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Membership
	for k, m := range s.data {
		if k.a == groupID {
			m := m
			result = append(result, &m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}
