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

var (
	_ storage.RelationshipStore = (*RelationshipStore)(nil)
	_ storage.MembershipStore   = (*MembershipStore)(nil)
)

const (
	relationshipPrefix = "relationship/"
	membershipPrefix   = "membership/"
)

// RelationshipStore implements storage.RelationshipStore using BadgerDB.
//
// Key format: relationship/{clientID}\x00{otherClientID}
type RelationshipStore struct {
	db *badger.DB
}

// NewRelationshipStore creates a new BadgerDB relationship store.
func NewRelationshipStore(db *badger.DB) *RelationshipStore {
	return &RelationshipStore{db: db}
}

// Save stores a relationship.
func (s *RelationshipStore) Save(r *storage.Relationship) error {
	if !storage.ValidID(r.ClientID) || !storage.ValidID(r.OtherClientID) {
		return fmt.Errorf("%w: malformed relationship ids", storage.ErrInvalidRecord)
	}
	return putJSON(s.db, key(relationshipPrefix, r.ClientID, r.OtherClientID), r)
}

// Get retrieves clientID's relationship to otherClientID.
func (s *RelationshipStore) Get(clientID, otherClientID string) (*storage.Relationship, error) {
	r := &storage.Relationship{}
	if err := getJSON(s.db, key(relationshipPrefix, clientID, otherClientID), r); err != nil {
		return nil, err
	}
	return r, nil
}

// MembershipStore implements storage.MembershipStore using BadgerDB.
//
// Key format: membership/{groupID}\x00{clientID}
type MembershipStore struct {
	db *badger.DB
}

// NewMembershipStore creates a new BadgerDB membership store.
func NewMembershipStore(db *badger.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// Save stores a membership.
func (s *MembershipStore) Save(m *storage.Membership) error {
	if !storage.ValidID(m.GroupID) || !storage.ValidID(m.ClientID) {
		return fmt.Errorf("%w: malformed membership ids", storage.ErrInvalidRecord)
	}
	return putJSON(s.db, key(membershipPrefix, m.GroupID, m.ClientID), m)
}

// Get retrieves the membership of clientID in groupID.
func (s *MembershipStore) Get(groupID, clientID string) (*storage.Membership, error) {
	m := &storage.Membership{}
	if err := getJSON(s.db, key(membershipPrefix, groupID, clientID), m); err != nil {
		return nil, err
	}
	return m, nil
}

// FindByGroup returns all memberships of groupID.
func (s *MembershipStore) FindByGroup(groupID string) ([]*storage.Membership, error) {
	var result []*storage.Membership

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scanPrefix(membershipPrefix, groupID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m storage.Membership
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				result = append(result, &m)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal membership: %w", err)
			}
		}
		return nil
	})

	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, err
}

func putJSON(db *badger.DB, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, data)
	})
}

func getJSON(db *badger.DB, k []byte, v any) error {
	return db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}
