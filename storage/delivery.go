// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"slices"
	"time"
)

// State is the transit state of a delivery.
type State string

// Delivery states.
const (
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateConfirmed  State = "confirmed"
	StateAborted    State = "aborted"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateAborted, StateFailed, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDelivering, StateDelivered, StateConfirmed, StateAborted, StateFailed, StateRejected:
		return true
	}
	return false
}

// AttachmentState is the transfer state of a message attachment as seen by
// one delivery.
type AttachmentState string

// Attachment states.
const (
	AttachmentNone      AttachmentState = "none"
	AttachmentNew       AttachmentState = "new"
	AttachmentUploading AttachmentState = "uploading"
	AttachmentPaused    AttachmentState = "paused"
	AttachmentFinished  AttachmentState = "finished"
	AttachmentAborted   AttachmentState = "aborted"
	AttachmentFailed    AttachmentState = "failed"
	AttachmentReceived  AttachmentState = "received"
)

// Terminal reports whether the attachment transfer is over.
func (s AttachmentState) Terminal() bool {
	switch s {
	case AttachmentNone, AttachmentAborted, AttachmentFailed, AttachmentReceived:
		return true
	}
	return false
}

// Valid reports whether s is a known attachment state.
func (s AttachmentState) Valid() bool {
	switch s {
	case AttachmentNone, AttachmentNew, AttachmentUploading, AttachmentPaused,
		AttachmentFinished, AttachmentAborted, AttachmentFailed, AttachmentReceived:
		return true
	}
	return false
}

// Query presets used by delivery reconciliation.
var (
	// PendingIncoming selects deliveries a receiver still has to be told about.
	PendingIncoming = Query{
		States:           []State{StateDelivering},
		AttachmentStates: []AttachmentState{AttachmentNew, AttachmentUploading, AttachmentPaused, AttachmentFinished},
	}
	// PendingOutgoing selects deliveries a sender still has to be told about.
	PendingOutgoing = Query{
		States:           []State{StateDelivering, StateDelivered, StateRejected, StateFailed},
		AttachmentStates: []AttachmentState{AttachmentUploading, AttachmentPaused, AttachmentFinished, AttachmentReceived, AttachmentAborted, AttachmentFailed},
	}
)

var stateTransitions = map[State][]State{
	StateDelivering: {StateDelivered, StateAborted, StateRejected, StateFailed},
	StateDelivered:  {StateConfirmed},
}

var attachmentTransitions = map[AttachmentState][]AttachmentState{
	AttachmentNew:       {AttachmentUploading, AttachmentAborted, AttachmentFailed},
	AttachmentUploading: {AttachmentPaused, AttachmentFinished, AttachmentAborted, AttachmentFailed},
	AttachmentPaused:    {AttachmentUploading, AttachmentAborted, AttachmentFailed},
	AttachmentFinished:  {AttachmentReceived, AttachmentFailed},
}

// Delivery tracks the transit of one message to one receiver.
type Delivery struct {
	MessageID       string          `json:"message_id"`
	ReceiverID      string          `json:"receiver_id"`
	SenderID        string          `json:"sender_id"`
	GroupID         string          `json:"group_id,omitempty"`
	State           State           `json:"state"`
	AttachmentState AttachmentState `json:"attachment_state"`
	Reason          string          `json:"reason,omitempty"`
	TimeAccepted    time.Time       `json:"time_accepted"`
	TimeChanged     time.Time       `json:"time_changed"`
	// TimeUpdatedIn is when the delivery was last pushed to the receiver.
	TimeUpdatedIn time.Time `json:"time_updated_in"`
	// TimeUpdatedOut is when the delivery was last pushed to the sender.
	TimeUpdatedOut time.Time `json:"time_updated_out"`
}

// NewDelivery creates a delivery in the delivering state.
func NewDelivery(messageID, senderID, receiverID, groupID string, attachment AttachmentState, now time.Time) *Delivery {
	if attachment == "" {
		attachment = AttachmentNone
	}
	return &Delivery{
		MessageID:       messageID,
		ReceiverID:      receiverID,
		SenderID:        senderID,
		GroupID:         groupID,
		State:           StateDelivering,
		AttachmentState: attachment,
		TimeAccepted:    now,
		TimeChanged:     now,
	}
}

// Validate checks the record can be stored.
func (d *Delivery) Validate() error {
	if d.MessageID == "" || d.SenderID == "" {
		return fmt.Errorf("%w: delivery without message or sender", ErrInvalidRecord)
	}
	for _, id := range []string{d.MessageID, d.SenderID, d.ReceiverID, d.GroupID} {
		if !ValidID(id) {
			return fmt.Errorf("%w: malformed id %q", ErrInvalidRecord, id)
		}
	}
	return nil
}

// Corrupt reports whether the delivery cannot be presented to its sender:
// it names neither a receiver nor a group.
func (d *Delivery) Corrupt() bool {
	return d.ReceiverID == "" && d.GroupID == ""
}

// SetState moves the delivery to state. It returns ErrInvalidTransition if
// the current state cannot reach state.
func (d *Delivery) SetState(state State, now time.Time) error {
	if d.State == state {
		return nil
	}
	if !slices.Contains(stateTransitions[d.State], state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, state)
	}
	d.State = state
	d.touch(now)
	return nil
}

// SetAttachmentState moves the attachment to state. It returns
// ErrInvalidTransition if the current attachment state cannot reach state.
func (d *Delivery) SetAttachmentState(state AttachmentState, now time.Time) error {
	if d.AttachmentState == state {
		return nil
	}
	if !slices.Contains(attachmentTransitions[d.AttachmentState], state) {
		return fmt.Errorf("%w: attachment %s -> %s", ErrInvalidTransition, d.AttachmentState, state)
	}
	d.AttachmentState = state
	d.touch(now)
	return nil
}

// touch advances TimeChanged. It never moves backwards and always ends up
// after both push timestamps, so a mutation is never mistaken as seen.
func (d *Delivery) touch(now time.Time) {
	t := now
	for _, prev := range []time.Time{d.TimeChanged, d.TimeUpdatedIn, d.TimeUpdatedOut} {
		if !t.After(prev) {
			t = prev.Add(time.Nanosecond)
		}
	}
	d.TimeChanged = t
}

// MarkPushedIn records a push to the receiver.
func (d *Delivery) MarkPushedIn(now time.Time) {
	d.TimeUpdatedIn = latest(now, d.TimeChanged)
}

// MarkPushedOut records a push to the sender.
func (d *Delivery) MarkPushedOut(now time.Time) {
	d.TimeUpdatedOut = latest(now, d.TimeChanged)
}

// InSyncIn reports whether the receiver has seen the latest change.
func (d *Delivery) InSyncIn() bool {
	return !d.TimeUpdatedIn.Before(d.TimeChanged)
}

// InSyncOut reports whether the sender has seen the latest change.
func (d *Delivery) InSyncOut() bool {
	return !d.TimeUpdatedOut.Before(d.TimeChanged)
}

// Terminal reports whether the delivery state is final.
func (d *Delivery) Terminal() bool {
	return d.State.Terminal()
}

// Collectable reports whether both sides have seen the final state.
func (d *Delivery) Collectable() bool {
	return d.Terminal() && d.InSyncIn() && d.InSyncOut()
}

// Clone returns a copy of d.
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
