// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage/memory"
	"github.com/stretchr/testify/require"
)

// testTransport records outgoing frames. When respond is set, server-initiated
// requests are answered with its result.
type testTransport struct {
	conn    *rpc.Connection
	respond func(msg *rpc.Message) any

	mu     sync.Mutex
	frames []*rpc.Message
	closed bool
}

func (t *testTransport) Send(data []byte) error {
	msg, err := rpc.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.frames = append(t.frames, msg)
	respond := t.respond
	t.mu.Unlock()

	if respond != nil && msg.IsRequest() {
		resp, err := rpc.NewResult(msg.ID, respond(msg))
		if err != nil {
			return err
		}
		out, err := rpc.JSONCodec{}.Encode(resp)
		if err != nil {
			return err
		}
		go t.conn.HandleIncoming(out)
	}
	return nil
}

func (t *testTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *testTransport) RemoteAddr() string { return "127.0.0.1:5000" }

func (t *testTransport) methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, f := range t.frames {
		if f.Method != "" {
			out = append(out, f.Method)
		}
	}
	return out
}

func (t *testTransport) count(method string) int {
	n := 0
	for _, m := range t.methods() {
		if m == method {
			n++
		}
	}
	return n
}

type scheduled struct {
	clientID string
	force    bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *fakeScheduler) RequestDelivery(clientID string, forceAll bool) {
	s.mu.Lock()
	s.calls = append(s.calls, scheduled{clientID: clientID, force: forceAll})
	s.mu.Unlock()
}

func (s *fakeScheduler) take() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.calls
	s.calls = nil
	return out
}

func (s *fakeScheduler) clients() map[string]bool {
	out := make(map[string]bool)
	for _, c := range s.take() {
		out[c.clientID] = true
	}
	return out
}

type fakeLimiter struct {
	mu           sync.Mutex
	deny         map[string]bool
	disconnected []string
}

func (l *fakeLimiter) AllowPublish(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.deny[clientID]
}

func (l *fakeLimiter) OnClientDisconnect(clientID string) {
	l.mu.Lock()
	l.disconnected = append(l.disconnected, clientID)
	l.mu.Unlock()
}

type fixture struct {
	store   *memory.Store
	sched   *fakeScheduler
	limiter *fakeLimiter
	srv     *Server
	logs    *syncWriter
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		sched:   &fakeScheduler{},
		limiter: &fakeLimiter{deny: make(map[string]bool)},
		logs:    &syncWriter{w: &bytes.Buffer{}},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.srv = NewServer(cfg, f.store, NewRegistry(), f.sched, f.limiter, logger)
	f.srv.now = func() time.Time { return f.now }
	t.Cleanup(func() { f.srv.Close() })
	return f
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.String()
}

func (f *fixture) connect(t *testing.T) (*rpc.Connection, *testTransport) {
	t.Helper()
	tr := &testTransport{}
	conn := rpc.NewConnection(tr, rpc.JSONCodec{}, nil)
	tr.conn = conn
	require.NoError(t, f.srv.Accept(conn))
	return conn, tr
}

func (f *fixture) identify(t *testing.T, clientID string) *rpc.Connection {
	t.Helper()
	conn, _ := f.connect(t)
	f.mustCall(t, conn, MethodIdentify, nil, clientID)
	return conn
}

func (f *fixture) call(t *testing.T, conn *rpc.Connection, method string, args ...any) *rpc.Message {
	t.Helper()
	var params any
	if len(args) > 0 {
		params = args
	}
	msg, err := rpc.NewRequest(uuid.NewString(), method, params)
	require.NoError(t, err)
	resp := f.srv.Dispatcher().Invoke(t.Context(), conn.Handler(), msg, conn)
	require.NotNil(t, resp)
	return resp
}

// mustCall fails the test on an error response and decodes the result into v
// when v is non-nil.
func (f *fixture) mustCall(t *testing.T, conn *rpc.Connection, method string, v any, args ...any) {
	t.Helper()
	resp := f.call(t, conn, method, args...)
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Result, v))
	}
}

func (f *fixture) errorCode(t *testing.T, conn *rpc.Connection, method string, args ...any) int {
	t.Helper()
	resp := f.call(t, conn, method, args...)
	require.NotNil(t, resp.Error, "%s unexpectedly succeeded", method)
	return resp.Error.Code
}

var errSaveFailed = errors.New("save failed")

// failingStore fails the failAt-th delivery Save, counting from 1.
type failingStore struct {
	*memory.Store
	failAt int

	mu    sync.Mutex
	saves int
}

func (s *failingStore) Deliveries() storage.DeliveryStore {
	return &failingDeliveries{DeliveryStore: s.Store.Deliveries(), parent: s}
}

type failingDeliveries struct {
	storage.DeliveryStore
	parent *failingStore
}

func (d *failingDeliveries) Save(rec *storage.Delivery) error {
	d.parent.mu.Lock()
	d.parent.saves++
	fail := d.parent.saves == d.parent.failAt
	d.parent.mu.Unlock()
	if fail {
		return errSaveFailed
	}
	return d.DeliveryStore.Save(rec)
}
