// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

// View is the client-facing form of a delivery. Push bookkeeping stays on
// the server.
type View struct {
	MessageID       string                  `json:"messageId"`
	ReceiverID      string                  `json:"receiverId"`
	SenderID        string                  `json:"senderId"`
	GroupID         string                  `json:"groupId,omitempty"`
	State           storage.State           `json:"state"`
	AttachmentState storage.AttachmentState `json:"attachmentState"`
	Reason          string                  `json:"reason,omitempty"`
	TimeAccepted    time.Time               `json:"timeAccepted"`
	TimeChanged     time.Time               `json:"timeChanged"`
}

// NewView returns the client-facing form of d.
func NewView(d *storage.Delivery) View {
	return View{
		MessageID:       d.MessageID,
		ReceiverID:      d.ReceiverID,
		SenderID:        d.SenderID,
		GroupID:         d.GroupID,
		State:           d.State,
		AttachmentState: d.AttachmentState,
		Reason:          d.Reason,
		TimeAccepted:    d.TimeAccepted,
		TimeChanged:     d.TimeChanged,
	}
}

// MessageView is the client-facing form of a message.
type MessageView struct {
	MessageID     string              `json:"messageId"`
	SenderID      string              `json:"senderId"`
	Body          []byte              `json:"body,omitempty"`
	Attachment    *storage.Attachment `json:"attachment,omitempty"`
	NumDeliveries int                 `json:"numDeliveries"`
	TimeSent      time.Time           `json:"timeSent"`
}

// NewMessageView returns the client-facing form of m.
func NewMessageView(m *storage.Message) MessageView {
	return MessageView{
		MessageID:     m.ID,
		SenderID:      m.SenderID,
		Body:          m.Body,
		Attachment:    m.Attachment,
		NumDeliveries: m.NumDeliveries,
		TimeSent:      m.TimeSent,
	}
}
