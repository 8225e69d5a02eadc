// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage/memory"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var errSendFailed = errors.New("send failed")

type notification struct {
	method string
	params json.RawMessage
}

type fakePeer struct {
	connected atomic.Bool
	openedAt  time.Time

	mu       sync.Mutex
	notified []notification
	// onNotify runs before a notification is recorded. A non-nil error
	// fails the notification.
	onNotify func(method string) error
}

func newPeer(openedAt time.Time) *fakePeer {
	p := &fakePeer{openedAt: openedAt}
	p.connected.Store(true)
	return p
}

func (p *fakePeer) IsConnected() bool   { return p.connected.Load() }
func (p *fakePeer) OpenedAt() time.Time { return p.openedAt }

func (p *fakePeer) Notify(method string, params any) error {
	p.mu.Lock()
	hook := p.onNotify
	p.mu.Unlock()
	if hook != nil {
		if err := hook(method); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.notified = append(p.notified, notification{method: method, params: raw})
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setHook(fn func(method string) error) {
	p.mu.Lock()
	p.onNotify = fn
	p.mu.Unlock()
}

func (p *fakePeer) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, n := range p.notified {
		out = append(out, n.method)
	}
	return out
}

func (p *fakePeer) count(method string) int {
	n := 0
	for _, m := range p.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.notified = nil
	p.mu.Unlock()
}

type fakeRegistry struct {
	mu    sync.Mutex
	peers map[string]*fakePeer
}

func newRegistry() *fakeRegistry {
	return &fakeRegistry{peers: make(map[string]*fakePeer)}
}

func (r *fakeRegistry) set(clientID string, p *fakePeer) {
	r.mu.Lock()
	r.peers[clientID] = p
	r.mu.Unlock()
}

func (r *fakeRegistry) ConnectionForClient(clientID string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[clientID]; ok {
		return p
	}
	return nil
}

type pushRequest struct {
	clientID string
	isRetry  bool
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []pushRequest
}

func (g *fakeGateway) SubmitPushRequest(clientID string, isRetry bool) {
	g.mu.Lock()
	g.requests = append(g.requests, pushRequest{clientID, isRetry})
	g.mu.Unlock()
}

func (g *fakeGateway) submitted() []pushRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]pushRequest(nil), g.requests...)
}

type fakeMetrics struct {
	passes atomic.Int32
	pushes atomic.Int32
}

func (m *fakeMetrics) RecordDeliveryPass(time.Duration, bool) { m.passes.Add(1) }
func (m *fakeMetrics) RecordDeliveryPush(string, bool)        { m.pushes.Add(1) }
func (m *fakeMetrics) RecordPushRequest()                     {}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	registry *fakeRegistry
	gateway  *fakeGateway
	clock    *clock
	logs     *bytes.Buffer
	logger   *slog.Logger
}

func newFixture() *fixture {
	logs := &bytes.Buffer{}
	return &fixture{
		store:    memory.New(),
		registry: newRegistry(),
		gateway:  &fakeGateway{},
		clock:    newClock(),
		logs:     logs,
		logger:   slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (f *fixture) request(clientID string, forceAll bool) *Request {
	return &Request{
		clientID: clientID,
		forceAll: forceAll,
		cfg:      DefaultConfig(),
		store:    f.store,
		registry: f.registry,
		push:     f.gateway,
		logger:   f.logger,
		metrics:  nopMetrics{},
		tracer:   tracenoop.NewTracerProvider().Tracer("test"),
		now:      f.clock.Now,
	}
}

// publish stores a message from sender with one delivering record per receiver.
func (f *fixture) publish(messageID, senderID string, receivers ...string) {
	now := f.clock.Now()
	msg := &storage.Message{ID: messageID, SenderID: senderID, Body: []byte("hi"), NumDeliveries: len(receivers), TimeSent: now}
	if err := f.store.Messages().Save(msg); err != nil {
		panic(err)
	}
	for _, r := range receivers {
		d := storage.NewDelivery(messageID, senderID, r, "", storage.AttachmentNone, now)
		if err := f.store.Deliveries().Save(d); err != nil {
			panic(err)
		}
	}
}

func (f *fixture) delivery(messageID, receiverID string) *storage.Delivery {
	d, err := f.store.Deliveries().Get(messageID, receiverID)
	if err != nil {
		panic(err)
	}
	return d
}
