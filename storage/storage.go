// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidRecord     = errors.New("invalid record")
)

// ValidID reports whether id can name a client, group or message. Ids must
// not contain NUL, which backends use to separate key segments.
func ValidID(id string) bool {
	return !strings.ContainsRune(id, 0)
}

// Store is the composite storage interface providing access to all record stores.
type Store interface {
	// Deliveries returns the delivery record store.
	Deliveries() DeliveryStore

	// Messages returns the message store.
	Messages() MessageStore

	// Relationships returns the client relationship store.
	Relationships() RelationshipStore

	// Memberships returns the group membership store.
	Memberships() MembershipStore

	// LockMessage serializes mutations of one message and its deliveries.
	// The returned function releases the lock.
	LockMessage(messageID string) (unlock func())

	// Close closes all storage backends.
	Close() error
}

// Query selects deliveries by state. A delivery matches when its state is
// one of States or its attachment state is one of AttachmentStates. The zero
// Query matches every delivery.
type Query struct {
	States           []State
	AttachmentStates []AttachmentState
}

// Matches reports whether d is selected by q.
func (q Query) Matches(d *Delivery) bool {
	if len(q.States) == 0 && len(q.AttachmentStates) == 0 {
		return true
	}
	for _, s := range q.States {
		if d.State == s {
			return true
		}
	}
	for _, s := range q.AttachmentStates {
		if d.AttachmentState == s {
			return true
		}
	}
	return false
}

// DeliveryStore persists delivery records keyed by (message id, receiver id).
type DeliveryStore interface {
	// Save creates or replaces a delivery.
	Save(d *Delivery) error

	// Get returns the delivery of messageID to receiverID.
	Get(messageID, receiverID string) (*Delivery, error)

	// Delete removes a delivery. Deleting a missing delivery is not an error.
	Delete(messageID, receiverID string) error

	// FindByMessage returns every delivery of a message.
	FindByMessage(messageID string) ([]*Delivery, error)

	// FindByReceiver returns the deliveries addressed to clientID selected by q.
	FindByReceiver(clientID string, q Query) ([]*Delivery, error)

	// FindBySender returns the deliveries sent by clientID selected by q.
	FindBySender(clientID string, q Query) ([]*Delivery, error)
}

// MessageStore persists published messages.
type MessageStore interface {
	Save(m *Message) error
	Get(id string) (*Message, error)
	Delete(id string) error
}

// RelationshipStore persists one client's view of another client.
type RelationshipStore interface {
	Save(r *Relationship) error
	Get(clientID, otherClientID string) (*Relationship, error)
}

// MembershipStore persists group memberships.
type MembershipStore interface {
	Save(m *Membership) error
	Get(groupID, clientID string) (*Membership, error)
	FindByGroup(groupID string) ([]*Membership, error)
}
