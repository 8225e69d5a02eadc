// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hoccer/hoccer-talk-spike-sub005/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

// MessageParams is the message part of a publish.
type MessageParams struct {
	MessageID  string              `json:"messageId,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	Attachment *storage.Attachment `json:"attachment,omitempty"`
}

// DeliveryParams addresses a publish to one client or one group.
type DeliveryParams struct {
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

type target struct {
	receiverID string
	groupID    string
}

func sessionOf(call *rpc.Call) *Session {
	sess, _ := call.Handler.(*Session)
	return sess
}

// identified returns the client id bound to the calling session.
func identified(call *rpc.Call) (string, error) {
	sess := sessionOf(call)
	if sess == nil {
		return "", errUnidentified
	}
	id := sess.ClientID()
	if id == "" {
		return "", errUnidentified
	}
	return id, nil
}

func stringArg(call *rpc.Call, i int, name string) (string, error) {
	var v string
	if err := call.Arg(i, &v); err != nil {
		return "", err
	}
	if v == "" {
		return "", rpc.NewError(rpc.CodeInvalidParams, "%s is required", name)
	}
	if !storage.ValidID(v) {
		return "", rpc.NewError(rpc.CodeInvalidParams, "malformed %s", name)
	}
	return v, nil
}

func (s *Server) ping(context.Context, *rpc.Call) (any, error) {
	return true, nil
}

func (s *Server) identify(_ context.Context, call *rpc.Call) (any, error) {
	sess := sessionOf(call)
	if sess == nil || sess.conn == nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "identify requires a connection")
	}
	clientID, err := stringArg(call, 0, "clientId")
	if err != nil {
		return nil, err
	}
	if !sess.bind(clientID) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "session already identified as %s", sess.ClientID())
	}

	if prev := s.registry.Login(clientID, sess.conn); prev != nil {
		s.logger.Info("talk_session_replaced",
			slog.String("client_id", clientID),
			slog.String("previous_addr", prev.RemoteAddr()))
		_ = prev.Close()
	}
	// The close hook may have run before Login and found nothing to remove.
	if !sess.conn.IsConnected() {
		s.registry.Logout(clientID, sess.conn)
		return nil, rpc.NewError(rpc.CodeInternalError, "connection closed")
	}
	s.logger.Info("talk_client_identified",
		slog.String("client_id", clientID),
		slog.String("remote_addr", sess.conn.RemoteAddr()))

	s.scheduler.RequestDelivery(clientID, true)
	return true, nil
}

func (s *Server) ready(_ context.Context, call *rpc.Call) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	s.scheduler.RequestDelivery(clientID, true)
	return true, nil
}

func (s *Server) outDeliveryRequest(_ context.Context, call *rpc.Call) (any, error) {
	senderID, err := identified(call)
	if err != nil {
		return nil, err
	}
	if !s.limiter.AllowPublish(senderID) {
		return nil, rpc.NewError(CodeRateLimited, "publish rate exceeded")
	}

	var (
		msg  MessageParams
		reqs []DeliveryParams
	)
	if err := call.Arg(0, &msg); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &reqs); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "no deliveries")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if !storage.ValidID(msg.MessageID) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed messageId")
	}

	targets, err := s.expand(senderID, reqs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "no receivers")
	}

	unlock := s.store.LockMessage(msg.MessageID)
	views, created, err := s.publishLocked(senderID, msg, targets)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, d := range created {
		if d.State == storage.StateDelivering {
			s.scheduler.RequestDelivery(d.ReceiverID, false)
		}
	}
	s.scheduler.RequestDelivery(senderID, false)

	if len(created) > 0 {
		s.logger.Info("talk_message_published",
			slog.String("message_id", msg.MessageID),
			slog.String("sender_id", senderID),
			slog.Int("deliveries", len(created)))
	}
	return views, nil
}

// publishLocked stores the message and its deliveries. A repeated publish of
// a known message by its sender returns the existing deliveries.
func (s *Server) publishLocked(senderID string, msg MessageParams, targets []target) ([]delivery.View, []*storage.Delivery, error) {
	existing, err := s.store.Messages().Get(msg.MessageID)
	switch {
	case err == nil:
		if existing.SenderID != senderID {
			return nil, nil, rpc.NewError(rpc.CodeInvalidParams, "message id %s already in use", msg.MessageID)
		}
		ds, err := s.store.Deliveries().FindByMessage(msg.MessageID)
		if err != nil {
			return nil, nil, storeError(err, "deliveries")
		}
		return views(ds), nil, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, storeError(err, "message")
	}

	now := s.now()
	attachment := storage.AttachmentNone
	if msg.Attachment != nil {
		attachment = storage.AttachmentNew
	}

	m := &storage.Message{
		ID:            msg.MessageID,
		SenderID:      senderID,
		Body:          msg.Body,
		Attachment:    msg.Attachment,
		NumDeliveries: len(targets),
		TimeSent:      now,
	}
	if err := s.store.Messages().Save(m); err != nil {
		return nil, nil, storeError(err, "message")
	}

	created := make([]*storage.Delivery, 0, len(targets))
	for _, t := range targets {
		d := storage.NewDelivery(m.ID, senderID, t.receiverID, t.groupID, attachment, now)
		if s.blocked(t.receiverID, senderID) {
			if err := d.SetState(storage.StateFailed, now); err != nil {
				s.rollback(m.ID, created)
				return nil, nil, storeError(err, "delivery")
			}
			d.Reason = reasonBlocked
		}
		if err := s.store.Deliveries().Save(d); err != nil {
			s.rollback(m.ID, created)
			return nil, nil, storeError(err, "delivery")
		}
		created = append(created, d)
	}
	return views(created), created, nil
}

// rollback removes a partially published message so a retry by the sender
// publishes it again in full. The message lock must be held.
func (s *Server) rollback(messageID string, created []*storage.Delivery) {
	for _, d := range created {
		if err := s.store.Deliveries().Delete(d.MessageID, d.ReceiverID); err != nil {
			s.logger.Error("talk_publish_rollback_failed",
				slog.String("message_id", messageID),
				slog.String("receiver_id", d.ReceiverID),
				slog.String("error", err.Error()))
		}
	}
	if err := s.store.Messages().Delete(messageID); err != nil {
		s.logger.Error("talk_publish_rollback_failed",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	}
}

// expand resolves delivery requests to receivers. Group requests fan out to
// every joined member except the sender. Duplicates keep the first address.
func (s *Server) expand(senderID string, reqs []DeliveryParams) ([]target, error) {
	seen := make(map[string]bool)
	var out []target
	add := func(t target) {
		if t.receiverID == senderID || seen[t.receiverID] {
			return
		}
		seen[t.receiverID] = true
		out = append(out, t)
	}

	for _, r := range reqs {
		if !storage.ValidID(r.GroupID) || !storage.ValidID(r.ReceiverID) {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed delivery address")
		}
		switch {
		case r.GroupID != "":
			m, err := s.store.Memberships().Get(r.GroupID, senderID)
			if errors.Is(err, storage.ErrNotFound) || (err == nil && m.State != storage.MembershipJoined) {
				return nil, rpc.NewError(CodeNotMember, "not a member of group %s", r.GroupID)
			}
			if err != nil {
				return nil, storeError(err, "membership")
			}
			members, err := s.store.Memberships().FindByGroup(r.GroupID)
			if err != nil {
				return nil, storeError(err, "group members")
			}
			for _, member := range members {
				if member.State == storage.MembershipJoined {
					add(target{receiverID: member.ClientID, groupID: r.GroupID})
				}
			}
		case r.ReceiverID != "":
			add(target{receiverID: r.ReceiverID})
		default:
			return nil, rpc.NewError(rpc.CodeInvalidParams, "delivery without receiver or group")
		}
	}
	return out, nil
}

func (s *Server) blocked(receiverID, senderID string) bool {
	r, err := s.store.Relationships().Get(receiverID, senderID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("talk_relationship_lookup_failed",
				slog.String("client_id", receiverID),
				slog.String("other_client_id", senderID),
				slog.String("error", err.Error()))
		}
		return false
	}
	return r.State == storage.RelationshipBlocked
}

// updateDelivery applies fn to the delivery under the message lock and saves
// it if fn changed it.
func (s *Server) updateDelivery(messageID, receiverID string, fn func(d *storage.Delivery) error) (*storage.Delivery, error) {
	unlock := s.store.LockMessage(messageID)
	defer unlock()

	d, err := s.store.Deliveries().Get(messageID, receiverID)
	if err != nil {
		return nil, storeError(err, "delivery")
	}
	before := d.Clone()
	if err := fn(d); err != nil {
		return nil, err
	}
	if *d != *before {
		if err := s.store.Deliveries().Save(d); err != nil {
			return nil, storeError(err, "delivery")
		}
	}
	return d, nil
}

// incoming applies fn to the caller's incoming delivery and schedules the
// sender.
func (s *Server) incoming(call *rpc.Call, fn func(d *storage.Delivery) error) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	messageID, err := stringArg(call, 0, "messageId")
	if err != nil {
		return nil, err
	}
	d, err := s.updateDelivery(messageID, clientID, fn)
	if err != nil {
		return nil, err
	}
	s.scheduler.RequestDelivery(d.SenderID, false)
	return delivery.NewView(d), nil
}

// outgoing applies fn to one of the caller's outgoing deliveries and
// schedules the receiver.
func (s *Server) outgoing(call *rpc.Call, fn func(d *storage.Delivery) error) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	messageID, err := stringArg(call, 0, "messageId")
	if err != nil {
		return nil, err
	}
	receiverID, err := stringArg(call, 1, "receiverId")
	if err != nil {
		return nil, err
	}
	d, err := s.updateDelivery(messageID, receiverID, func(d *storage.Delivery) error {
		if d.SenderID != clientID {
			return rpc.NewError(CodeUnknownRecord, "unknown delivery")
		}
		return fn(d)
	})
	if err != nil {
		return nil, err
	}
	s.scheduler.RequestDelivery(d.ReceiverID, false)
	return delivery.NewView(d), nil
}

func (s *Server) transition(d *storage.Delivery, to storage.State, done ...storage.State) error {
	for _, st := range done {
		if d.State == st {
			return nil
		}
	}
	if err := d.SetState(to, s.now()); err != nil {
		return storeError(err, "delivery")
	}
	return nil
}

func (s *Server) inDeliveryConfirm(_ context.Context, call *rpc.Call) (any, error) {
	return s.incoming(call, func(d *storage.Delivery) error {
		return s.transition(d, storage.StateDelivered, storage.StateDelivered, storage.StateConfirmed)
	})
}

func (s *Server) inDeliveryReject(_ context.Context, call *rpc.Call) (any, error) {
	var reason string
	if err := call.Arg(1, &reason); err != nil {
		return nil, err
	}
	return s.incoming(call, func(d *storage.Delivery) error {
		if d.State == storage.StateRejected {
			return nil
		}
		if err := s.transition(d, storage.StateRejected); err != nil {
			return err
		}
		d.Reason = reason
		return nil
	})
}

func (s *Server) inDeliveryAttachmentReceived(_ context.Context, call *rpc.Call) (any, error) {
	return s.incoming(call, func(d *storage.Delivery) error {
		if err := d.SetAttachmentState(storage.AttachmentReceived, s.now()); err != nil {
			return storeError(err, "attachment")
		}
		return nil
	})
}

func (s *Server) outDeliveryAcknowledge(_ context.Context, call *rpc.Call) (any, error) {
	return s.outgoing(call, func(d *storage.Delivery) error {
		return s.transition(d, storage.StateConfirmed, storage.StateConfirmed)
	})
}

func (s *Server) outDeliveryAbort(_ context.Context, call *rpc.Call) (any, error) {
	return s.outgoing(call, func(d *storage.Delivery) error {
		return s.transition(d, storage.StateAborted, storage.StateAborted)
	})
}

// outAttachmentState moves the attachment of every delivery of the caller's
// message. Either all deliveries accept the transition or none is changed.
func (s *Server) outAttachmentState(_ context.Context, call *rpc.Call) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	messageID, err := stringArg(call, 0, "messageId")
	if err != nil {
		return nil, err
	}
	raw, err := stringArg(call, 1, "state")
	if err != nil {
		return nil, err
	}
	state := storage.AttachmentState(raw)
	if !state.Valid() {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "unknown attachment state %q", raw)
	}

	unlock := s.store.LockMessage(messageID)
	defer unlock()

	all, err := s.store.Deliveries().FindByMessage(messageID)
	if err != nil {
		return nil, storeError(err, "deliveries")
	}
	now := s.now()
	var updated []*storage.Delivery
	for _, d := range all {
		if d.SenderID != clientID {
			continue
		}
		if err := d.SetAttachmentState(state, now); err != nil {
			return nil, storeError(err, "attachment")
		}
		updated = append(updated, d)
	}
	if len(updated) == 0 {
		return nil, rpc.NewError(CodeUnknownRecord, "unknown message %s", messageID)
	}

	for _, d := range updated {
		if err := s.store.Deliveries().Save(d); err != nil {
			return nil, storeError(err, "delivery")
		}
	}
	for _, d := range updated {
		s.scheduler.RequestDelivery(d.ReceiverID, false)
	}
	return views(updated), nil
}

func (s *Server) setRelationshipNotifications(_ context.Context, call *rpc.Call) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	otherID, err := stringArg(call, 0, "otherClientId")
	if err != nil {
		return nil, err
	}
	enabled := true
	if err := call.Arg(1, &enabled); err != nil {
		return nil, err
	}

	r, err := s.store.Relationships().Get(clientID, otherID)
	if errors.Is(err, storage.ErrNotFound) {
		r = &storage.Relationship{ClientID: clientID, OtherClientID: otherID, State: storage.RelationshipNone}
	} else if err != nil {
		return nil, storeError(err, "relationship")
	}
	r.NotificationsDisabled = !enabled
	if err := s.store.Relationships().Save(r); err != nil {
		return nil, storeError(err, "relationship")
	}
	return true, nil
}

func (s *Server) joinGroup(_ context.Context, call *rpc.Call) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	groupID, err := stringArg(call, 0, "groupId")
	if err != nil {
		return nil, err
	}

	m, err := s.store.Memberships().Get(groupID, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		m = &storage.Membership{GroupID: groupID, ClientID: clientID}
	} else if err != nil {
		return nil, storeError(err, "membership")
	}
	m.State = storage.MembershipJoined
	if err := s.store.Memberships().Save(m); err != nil {
		return nil, storeError(err, "membership")
	}
	return true, nil
}

func (s *Server) leaveGroup(_ context.Context, call *rpc.Call) (any, error) {
	return s.updateMembership(call, func(m *storage.Membership) {
		m.State = storage.MembershipNone
	})
}

func (s *Server) setGroupNotifications(_ context.Context, call *rpc.Call) (any, error) {
	enabled := true
	if err := call.Arg(1, &enabled); err != nil {
		return nil, err
	}
	return s.updateMembership(call, func(m *storage.Membership) {
		m.NotificationsDisabled = !enabled
	})
}

func (s *Server) updateMembership(call *rpc.Call, fn func(m *storage.Membership)) (any, error) {
	clientID, err := identified(call)
	if err != nil {
		return nil, err
	}
	groupID, err := stringArg(call, 0, "groupId")
	if err != nil {
		return nil, err
	}
	m, err := s.store.Memberships().Get(groupID, clientID)
	if err != nil {
		return nil, storeError(err, "membership")
	}
	fn(m)
	if err := s.store.Memberships().Save(m); err != nil {
		return nil, storeError(err, "membership")
	}
	return true, nil
}

func views(ds []*storage.Delivery) []delivery.View {
	out := make([]delivery.View, 0, len(ds))
	for _, d := range ds {
		out = append(out, delivery.NewView(d))
	}
	return out
}
