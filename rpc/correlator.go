// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator defaults.
const (
	DefaultCallTimeout            = 30 * time.Second
	DefaultMaxConsecutiveTimeouts = 3
	DefaultUnresponsiveAfter      = 60 * time.Second
)

// CorrelatorConfig tunes call timeouts and the unresponsive-peer policy.
type CorrelatorConfig struct {
	// Timeout bounds the wait for a single call.
	Timeout time.Duration
	// MaxConsecutiveTimeouts is the number of timeouts in a row a peer may
	// accumulate before it can be declared unresponsive.
	MaxConsecutiveTimeouts int
	// UnresponsiveAfter is the minimum time since the last successful call
	// before a peer can be declared unresponsive.
	UnresponsiveAfter time.Duration
}

// DefaultCorrelatorConfig returns the standard call policy.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		Timeout:                DefaultCallTimeout,
		MaxConsecutiveTimeouts: DefaultMaxConsecutiveTimeouts,
		UnresponsiveAfter:      DefaultUnresponsiveAfter,
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeResponse
	outcomeException
	outcomeDisconnected
)

// pendingCall is an issued request waiting for its terminal outcome.
type pendingCall struct {
	id        string
	method    string
	conn      *Connection
	request   *Message
	created   time.Time
	completed time.Time
	done      chan struct{}

	outcome  outcome
	response *Message
	err      error
}

type peerHealth struct {
	consecutiveTimeouts int
	lastSuccess         time.Time
}

// Correlator is the client side of the call protocol. It matches responses to
// outstanding calls, enforces call timeouts and closes connections whose peer
// stopped answering. One Correlator may serve many connections.
type Correlator struct {
	cfg    CorrelatorConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
	health  map[uint64]*peerHealth
}

// NewCorrelator creates a correlator. Zero config fields take defaults.
func NewCorrelator(cfg CorrelatorConfig, logger *slog.Logger) *Correlator {
	def := DefaultCorrelatorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConsecutiveTimeouts <= 0 {
		cfg.MaxConsecutiveTimeouts = def.MaxConsecutiveTimeouts
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = def.UnresponsiveAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*pendingCall),
		health:  make(map[uint64]*peerHealth),
	}
}

// Call sends method to the peer on conn and blocks until a response arrives,
// the call times out, the connection closes or ctx is done. Application
// errors are returned as *Error; otherwise the result is decoded into result
// when it is non-nil.
func (cr *Correlator) Call(ctx context.Context, conn *Connection, method string, params, result any) error {
	id := uuid.NewString()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("encode params of %s: %w", method, err)
	}

	pc := &pendingCall{
		id:      id,
		method:  method,
		conn:    conn,
		request: req,
		created: cr.now(),
		done:    make(chan struct{}),
	}

	cr.mu.Lock()
	// Close marks the connection before sweeping under this lock, so a call
	// registered after the check is always seen by the sweep.
	if conn.isClosed() {
		cr.mu.Unlock()
		return ErrDisconnected
	}
	cr.pending[id] = pc
	cr.healthLocked(conn)
	cr.mu.Unlock()

	if err := conn.SendRequest(req); err != nil {
		cr.complete(pc, outcomeException, nil, err)
		return err
	}

	timer := time.NewTimer(cr.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
	case <-timer.C:
		if cr.complete(pc, outcomeException, nil, ErrTimeout) {
			cr.logger.Debug("rpc_call_timeout",
				slog.String("method", method),
				slog.String("id", id),
				slog.Uint64("conn_id", conn.ID()))
			cr.recordTimeout(conn)
		}
	case <-ctx.Done():
		cr.complete(pc, outcomeException, nil, ctx.Err())
	}
	<-pc.done

	if pc.err != nil {
		return pc.err
	}
	if pc.response.Error != nil {
		return pc.response.Error
	}
	if result != nil && len(pc.response.Result) > 0 {
		if err := json.Unmarshal(pc.response.Result, result); err != nil {
			return fmt.Errorf("decode result of %s: %w", method, err)
		}
	}
	return nil
}

// Notify sends a notification. No response is expected or tracked.
func (cr *Correlator) Notify(conn *Connection, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode params of %s: %w", method, err)
	}
	return conn.SendNotification(msg)
}

// HandleResponse completes the pending call the response belongs to. It
// returns false when no call with that id is outstanding on conn, e.g. the
// response arrived after a timeout.
func (cr *Correlator) HandleResponse(msg *Message, conn *Connection) bool {
	id := msg.IDString()

	cr.mu.Lock()
	defer cr.mu.Unlock()

	pc, ok := cr.pending[id]
	if !ok || pc.conn != conn {
		return false
	}
	cr.finishLocked(pc, outcomeResponse, msg, nil)

	if !conn.isClosed() {
		h := cr.healthLocked(conn)
		h.consecutiveTimeouts = 0
		h.lastSuccess = cr.now()
	}
	return true
}

// ConnectionClosed fails every call outstanding on conn with ErrDisconnected.
func (cr *Correlator) ConnectionClosed(conn *Connection) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	n := 0
	for _, pc := range cr.pending {
		if pc.conn == conn {
			cr.finishLocked(pc, outcomeDisconnected, nil, ErrDisconnected)
			n++
		}
	}
	delete(cr.health, conn.ID())

	if n > 0 {
		cr.logger.Debug("rpc_calls_disconnected",
			slog.Uint64("conn_id", conn.ID()),
			slog.Int("count", n))
	}
}

// Pending returns the number of outstanding calls.
func (cr *Correlator) Pending() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.pending)
}

// complete records an outcome unless one was already recorded. It reports
// whether this call recorded it.
func (cr *Correlator) complete(pc *pendingCall, o outcome, resp *Message, err error) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.pending[pc.id] != pc {
		return false
	}
	cr.finishLocked(pc, o, resp, err)
	return true
}

func (cr *Correlator) finishLocked(pc *pendingCall, o outcome, resp *Message, err error) {
	delete(cr.pending, pc.id)
	pc.outcome = o
	pc.response = resp
	pc.err = err
	pc.completed = cr.now()
	close(pc.done)
}

func (cr *Correlator) healthLocked(conn *Connection) *peerHealth {
	h, ok := cr.health[conn.ID()]
	if !ok {
		since := conn.OpenedAt()
		if since.IsZero() {
			since = cr.now()
		}
		h = &peerHealth{lastSuccess: since}
		cr.health[conn.ID()] = h
	}
	return h
}

func (cr *Correlator) recordTimeout(conn *Connection) {
	cr.mu.Lock()
	// ConnectionClosed already dropped the health entry.
	if conn.isClosed() {
		cr.mu.Unlock()
		return
	}
	h := cr.healthLocked(conn)
	h.consecutiveTimeouts++
	silent := cr.now().Sub(h.lastSuccess)
	unresponsive := h.consecutiveTimeouts > cr.cfg.MaxConsecutiveTimeouts && silent > cr.cfg.UnresponsiveAfter
	timeouts := h.consecutiveTimeouts
	cr.mu.Unlock()

	if !unresponsive {
		return
	}
	cr.logger.Warn("rpc_peer_unresponsive",
		slog.Uint64("conn_id", conn.ID()),
		slog.String("remote_addr", conn.RemoteAddr()),
		slog.Int("consecutive_timeouts", timeouts),
		slog.Duration("since_last_success", silent))
	_ = conn.Close()
}
