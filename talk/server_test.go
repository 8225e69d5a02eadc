// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"context"
	"testing"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingWithoutIdentify(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _ := f.connect(t)

	var ok bool
	f.mustCall(t, conn, MethodPing, &ok)
	assert.True(t, ok)
	assert.True(t, conn.IsConnected())
}

func TestUnidentifiedCalls(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _ := f.connect(t)

	cases := []struct {
		method string
		args   []any
	}{
		{MethodReady, nil},
		{MethodOutDeliveryRequest, []any{MessageParams{}, []DeliveryParams{{ReceiverID: "bob"}}}},
		{MethodInDeliveryConfirm, []any{"m1"}},
		{MethodOutDeliveryAbort, []any{"m1", "bob"}},
		{MethodJoinGroup, []any{"g1"}},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			assert.Equal(t, CodeUnidentified, f.errorCode(t, conn, tc.method, tc.args...))
		})
	}
}

func TestIdentify(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.identify(t, "alice")

	assert.Same(t, conn, f.srv.Registry().Lookup("alice"))
	assert.Equal(t, 1, f.srv.Registry().Connected())
	assert.Equal(t, []scheduled{{clientID: "alice", force: true}}, f.sched.take())

	f.mustCall(t, conn, MethodReady, nil)
	assert.Equal(t, []scheduled{{clientID: "alice", force: true}}, f.sched.take())

	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, conn, MethodIdentify, "bob"))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, conn, MethodIdentify, ""))
}

func TestIdentifyReplacesOlderConnection(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.identify(t, "alice")
	second := f.identify(t, "alice")

	assert.False(t, first.IsConnected(), "older connection must be closed")
	assert.Same(t, second, f.srv.Registry().Lookup("alice"))
	assert.Equal(t, 1, f.srv.Registry().Connected())
	assert.Empty(t, f.limiter.disconnected, "closing the replaced connection must not log the client out")

	require.NoError(t, second.Close())
	assert.Nil(t, f.srv.Registry().Lookup("alice"))
	assert.Nil(t, f.srv.Registry().ConnectionForClient("alice"))
	assert.Equal(t, []string{"alice"}, f.limiter.disconnected)
}

func TestIdentifyAfterClose(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _ := f.connect(t)
	require.NoError(t, conn.Close())
	f.sched.take()

	assert.Equal(t, rpc.CodeInternalError, f.errorCode(t, conn, MethodIdentify, "alice"))
	assert.Equal(t, 0, f.srv.Registry().Connected())
	assert.Nil(t, f.srv.Registry().Lookup("alice"))
	assert.Empty(t, f.sched.take())
}

func TestPublishDirect(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	f.sched.take()

	var views []delivery.View
	f.mustCall(t, alice, MethodOutDeliveryRequest, &views,
		MessageParams{Body: []byte("hello")},
		[]DeliveryParams{{ReceiverID: "bob"}, {ReceiverID: "carol"}, {ReceiverID: "bob"}, {ReceiverID: "alice"}})

	require.Len(t, views, 2)
	msgID := views[0].MessageID
	require.NotEmpty(t, msgID)
	for _, v := range views {
		assert.Equal(t, msgID, v.MessageID)
		assert.Equal(t, "alice", v.SenderID)
		assert.Equal(t, storage.StateDelivering, v.State)
		assert.Equal(t, storage.AttachmentNone, v.AttachmentState)
	}

	m, err := f.store.Messages().Get(msgID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumDeliveries)
	assert.Equal(t, "hello", string(m.Body))
	assert.Equal(t, f.now, m.TimeSent)

	d, err := f.store.Deliveries().Get(msgID, "carol")
	require.NoError(t, err)
	assert.Equal(t, f.now, d.TimeAccepted)

	assert.Equal(t, map[string]bool{"alice": true, "bob": true, "carol": true}, f.sched.clients())
}

func TestPublishGroup(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	bob := f.identify(t, "bob")
	carol := f.identify(t, "carol")
	dave := f.identify(t, "dave")
	for _, c := range []*rpc.Connection{alice, bob, carol} {
		f.mustCall(t, c, MethodJoinGroup, nil, "g1")
	}
	require.NoError(t, f.store.Memberships().Save(&storage.Membership{GroupID: "g1", ClientID: "erin", State: storage.MembershipInvited}))
	f.sched.take()

	var views []delivery.View
	f.mustCall(t, alice, MethodOutDeliveryRequest, &views,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{GroupID: "g1"}})

	require.Len(t, views, 2)
	receivers := map[string]string{}
	for _, v := range views {
		receivers[v.ReceiverID] = v.GroupID
	}
	assert.Equal(t, map[string]string{"bob": "g1", "carol": "g1"}, receivers)

	assert.Equal(t, CodeNotMember, f.errorCode(t, dave, MethodOutDeliveryRequest,
		MessageParams{MessageID: "m2"}, []DeliveryParams{{GroupID: "g1"}}))
}

func TestPublishToBlockingReceiver(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	require.NoError(t, f.store.Relationships().Save(&storage.Relationship{
		ClientID: "bob", OtherClientID: "alice", State: storage.RelationshipBlocked,
	}))
	f.sched.take()

	var views []delivery.View
	f.mustCall(t, alice, MethodOutDeliveryRequest, &views,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{ReceiverID: "bob"}, {ReceiverID: "carol"}})

	d, err := f.store.Deliveries().Get("m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, d.State)
	assert.Equal(t, reasonBlocked, d.Reason)

	assert.Equal(t, map[string]bool{"alice": true, "carol": true}, f.sched.clients())
}

func TestPublishRepeated(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	bob := f.identify(t, "bob")

	args := []any{MessageParams{MessageID: "m1", Body: []byte("x")}, []DeliveryParams{{ReceiverID: "bob"}}}
	f.mustCall(t, alice, MethodOutDeliveryRequest, nil, args...)
	f.mustCall(t, bob, MethodInDeliveryConfirm, nil, "m1")

	var views []delivery.View
	f.mustCall(t, alice, MethodOutDeliveryRequest, &views, args...)
	require.Len(t, views, 1)
	assert.Equal(t, storage.StateDelivered, views[0].State, "a repeated publish must not reset deliveries")

	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, bob, MethodOutDeliveryRequest,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{ReceiverID: "alice"}}))
}

func TestPublishRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	f.srv.store = &failingStore{Store: f.store, failAt: 2}
	f.sched.take()

	args := []any{MessageParams{MessageID: "m1", Body: []byte("x")},
		[]DeliveryParams{{ReceiverID: "bob"}, {ReceiverID: "carol"}}}
	assert.Equal(t, rpc.CodeInternalError, f.errorCode(t, alice, MethodOutDeliveryRequest, args...))

	_, err := f.store.Messages().Get("m1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed publish must not leave the message")
	ds, err := f.store.Deliveries().FindByMessage("m1")
	require.NoError(t, err)
	assert.Empty(t, ds, "failed publish must not leave deliveries")
	assert.Empty(t, f.sched.take())

	var views []delivery.View
	f.mustCall(t, alice, MethodOutDeliveryRequest, &views, args...)
	require.Len(t, views, 2)
	_, err = f.store.Deliveries().Get("m1", "carol")
	require.NoError(t, err, "retry must publish to every receiver")
	assert.Equal(t, map[string]bool{"alice": true, "bob": true, "carol": true}, f.sched.clients())
}

func TestMalformedIDsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _ := f.connect(t)
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, conn, MethodIdentify, "alice\x00bob"))
	assert.Equal(t, 0, f.srv.Registry().Connected())

	alice := f.identify(t, "alice")
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{MessageID: "m1\x00bob"}, []DeliveryParams{{ReceiverID: "bob"}}))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{ReceiverID: "bob\x00m2"}}))

	_, err := f.store.Messages().Get("m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")

	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{}, []DeliveryParams{}))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{}, []DeliveryParams{{}}))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{}, []DeliveryParams{{ReceiverID: "alice"}}))

	f.limiter.mu.Lock()
	f.limiter.deny["alice"] = true
	f.limiter.mu.Unlock()
	assert.Equal(t, CodeRateLimited, f.errorCode(t, alice, MethodOutDeliveryRequest,
		MessageParams{}, []DeliveryParams{{ReceiverID: "bob"}}))
}

func TestDeliveryAcknowledgements(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	bob := f.identify(t, "bob")
	carol := f.identify(t, "carol")
	f.mustCall(t, alice, MethodOutDeliveryRequest, nil,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{ReceiverID: "bob"}, {ReceiverID: "carol"}})
	f.sched.take()

	assert.Equal(t, CodeInvalidTransition, f.errorCode(t, alice, MethodOutDeliveryAcknowledge, "m1", "bob"),
		"sender cannot acknowledge before the receiver confirmed")

	var v delivery.View
	f.mustCall(t, bob, MethodInDeliveryConfirm, &v, "m1")
	assert.Equal(t, storage.StateDelivered, v.State)
	assert.Equal(t, []scheduled{{clientID: "alice"}}, f.sched.take())

	f.mustCall(t, bob, MethodInDeliveryConfirm, &v, "m1")
	assert.Equal(t, storage.StateDelivered, v.State, "confirm is idempotent")
	f.sched.take()

	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, carol, MethodOutDeliveryAcknowledge, "m1", "bob"),
		"only the sender may acknowledge")

	f.mustCall(t, alice, MethodOutDeliveryAcknowledge, &v, "m1", "bob")
	assert.Equal(t, storage.StateConfirmed, v.State)
	assert.Equal(t, []scheduled{{clientID: "bob"}}, f.sched.take())

	f.mustCall(t, carol, MethodInDeliveryReject, &v, "m1", "spam")
	assert.Equal(t, storage.StateRejected, v.State)
	assert.Equal(t, "spam", v.Reason)

	assert.Equal(t, CodeInvalidTransition, f.errorCode(t, carol, MethodInDeliveryConfirm, "m1"))
	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, carol, MethodInDeliveryConfirm, "m404"))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, carol, MethodInDeliveryConfirm))
}

func TestOutDeliveryAbort(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	f.mustCall(t, alice, MethodOutDeliveryRequest, nil,
		MessageParams{MessageID: "m1"}, []DeliveryParams{{ReceiverID: "bob"}})
	f.sched.take()

	var v delivery.View
	f.mustCall(t, alice, MethodOutDeliveryAbort, &v, "m1", "bob")
	assert.Equal(t, storage.StateAborted, v.State)
	assert.Equal(t, []scheduled{{clientID: "bob"}}, f.sched.take())

	d, err := f.store.Deliveries().Get("m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.StateAborted, d.State)

	f.mustCall(t, alice, MethodOutDeliveryAbort, &v, "m1", "bob")
	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, alice, MethodOutDeliveryAbort, "m1", "carol"))
}

func TestAttachmentStates(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.identify(t, "alice")
	bob := f.identify(t, "bob")
	f.mustCall(t, alice, MethodOutDeliveryRequest, nil,
		MessageParams{MessageID: "m1", Attachment: &storage.Attachment{URL: "https://files.example.com/a", Size: 42}},
		[]DeliveryParams{{ReceiverID: "bob"}, {ReceiverID: "carol"}})
	f.sched.take()

	d, err := f.store.Deliveries().Get("m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.AttachmentNew, d.AttachmentState)

	assert.Equal(t, CodeInvalidTransition, f.errorCode(t, alice, MethodOutAttachmentState, "m1", string(storage.AttachmentReceived)))
	assert.Equal(t, rpc.CodeInvalidParams, f.errorCode(t, alice, MethodOutAttachmentState, "m1", "teleported"))
	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, bob, MethodOutAttachmentState, "m1", string(storage.AttachmentUploading)))

	var views []delivery.View
	f.mustCall(t, alice, MethodOutAttachmentState, &views, "m1", string(storage.AttachmentUploading))
	require.Len(t, views, 2)
	assert.Equal(t, map[string]bool{"bob": true, "carol": true}, f.sched.clients())

	f.mustCall(t, alice, MethodOutAttachmentState, &views, "m1", string(storage.AttachmentFinished))
	for _, v := range views {
		assert.Equal(t, storage.AttachmentFinished, v.AttachmentState)
	}

	var v delivery.View
	f.mustCall(t, bob, MethodInDeliveryAttachmentReceived, &v, "m1")
	assert.Equal(t, storage.AttachmentReceived, v.AttachmentState)

	other, err := f.store.Deliveries().Get("m1", "carol")
	require.NoError(t, err)
	assert.Equal(t, storage.AttachmentFinished, other.AttachmentState)
}

func TestNotificationPreferences(t *testing.T) {
	f := newFixture(t, Config{})
	bob := f.identify(t, "bob")

	f.mustCall(t, bob, MethodSetRelationshipNotifications, nil, "alice", false)
	r, err := f.store.Relationships().Get("bob", "alice")
	require.NoError(t, err)
	assert.True(t, r.NotificationsDisabled)
	assert.Equal(t, storage.RelationshipNone, r.State)

	f.mustCall(t, bob, MethodSetRelationshipNotifications, nil, "alice", true)
	r, err = f.store.Relationships().Get("bob", "alice")
	require.NoError(t, err)
	assert.False(t, r.NotificationsDisabled)

	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, bob, MethodSetGroupNotifications, "g1", false))
	f.mustCall(t, bob, MethodJoinGroup, nil, "g1")
	f.mustCall(t, bob, MethodSetGroupNotifications, nil, "g1", false)

	m, err := f.store.Memberships().Get("g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.MembershipJoined, m.State)
	assert.True(t, m.NotificationsDisabled)

	f.mustCall(t, bob, MethodLeaveGroup, nil, "g1")
	m, err = f.store.Memberships().Get("g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.MembershipNone, m.State)
	assert.Equal(t, CodeUnknownRecord, f.errorCode(t, bob, MethodLeaveGroup, "g2"))
}

func TestKeepalive(t *testing.T) {
	f := newFixture(t, Config{PingInterval: 10 * time.Millisecond})
	conn, tr := f.connect(t)
	tr.mu.Lock()
	tr.respond = func(*rpc.Message) any { return true }
	tr.mu.Unlock()
	f.mustCall(t, conn, MethodIdentify, nil, "alice")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		f.srv.Keepalive(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tr.count(MethodPing) >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.IsConnected())

	cancel()
	<-done
}

func TestKeepaliveClosesUnresponsivePeer(t *testing.T) {
	f := newFixture(t, Config{
		PingInterval: 10 * time.Millisecond,
		RPC: rpc.CorrelatorConfig{
			Timeout:                10 * time.Millisecond,
			MaxConsecutiveTimeouts: 1,
			UnresponsiveAfter:      time.Millisecond,
		},
	})
	conn := f.identify(t, "alice")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go f.srv.Keepalive(ctx)

	require.Eventually(t, func() bool { return !conn.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.srv.Registry().Connected() == 0 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.logs.String(), "rpc_peer_unresponsive")
}
