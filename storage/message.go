// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"time"
)

// Attachment references binary content transferred out of band.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is a published message shared by all of its deliveries.
type Message struct {
	ID            string      `json:"id"`
	SenderID      string      `json:"sender_id"`
	Body          []byte      `json:"body,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	NumDeliveries int         `json:"num_deliveries"`
	TimeSent      time.Time   `json:"time_sent"`
}

// Validate checks the record can be stored.
func (m *Message) Validate() error {
	if m.ID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: message without id or sender", ErrInvalidRecord)
	}
	if !ValidID(m.ID) || !ValidID(m.SenderID) {
		return fmt.Errorf("%w: malformed message id or sender", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	return &cp
}

// RelationshipState is one client's stance towards another.
type RelationshipState string

// Relationship states.
const (
	RelationshipNone    RelationshipState = "none"
	RelationshipFriend  RelationshipState = "friend"
	RelationshipBlocked RelationshipState = "blocked"
)

// Relationship is ClientID's view of OtherClientID.
type Relationship struct {
	ClientID              string            `json:"client_id"`
	OtherClientID         string            `json:"other_client_id"`
	State                 RelationshipState `json:"state"`
	NotificationsDisabled bool              `json:"notifications_disabled,omitempty"`
}

// MembershipState is the state of a client in a group.
type MembershipState string

// Membership states.
const (
	MembershipInvited MembershipState = "invited"
	MembershipJoined  MembershipState = "joined"
	MembershipNone    MembershipState = "none"
)

// Membership is ClientID's membership in GroupID.
type Membership struct {
	GroupID               string          `json:"group_id"`
	ClientID              string          `json:"client_id"`
	State                 MembershipState `json:"state"`
	NotificationsDisabled bool            `json:"notifications_disabled,omitempty"`
}
