// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the framing layer underneath a Connection. Send must be safe
// for concurrent use.
type Transport interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

const (
	stateNew int32 = iota
	stateOpen
	stateClosed
)

var connectionIDs atomic.Uint64

// Connection turns a Transport into a call/notify/respond channel. It can act
// as a call source (a Correlator is bound), a call target (a Dispatcher is
// bound) or both. Bindings are permanent for the lifetime of the connection.
type Connection struct {
	id        uint64
	codec     Codec
	transport Transport
	logger    *slog.Logger

	state    atomic.Int32
	openedAt atomic.Int64

	mu         sync.Mutex
	client     *Correlator
	dispatcher *Dispatcher
	handler    any
	onOpen     []func(*Connection)
	onClose    []func(*Connection)
}

// NewConnection creates an unopened connection over t.
func NewConnection(t Transport, codec Codec, logger *slog.Logger) *Connection {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := connectionIDs.Add(1)
	return &Connection{
		id:        id,
		codec:     codec,
		transport: t,
		logger:    logger.With(slog.Uint64("conn_id", id)),
	}
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// Codec returns the serializer used by the connection.
func (c *Connection) Codec() Codec { return c.codec }

// RemoteAddr returns the peer address reported by the transport.
func (c *Connection) RemoteAddr() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

// IsConnected reports whether the connection is open.
func (c *Connection) IsConnected() bool {
	return c.state.Load() == stateOpen
}

func (c *Connection) isClosed() bool {
	return c.state.Load() == stateClosed
}

// OpenedAt returns the start of the current connection session, or the zero
// time if the connection was never opened.
func (c *Connection) OpenedAt() time.Time {
	ns := c.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// BindClient makes the connection a call source.
func (c *Connection) BindClient(cl *Correlator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return ErrAlreadyBound
	}
	c.client = cl
	return nil
}

// BindServer makes the connection a call target. handler is passed to every
// invoked operation and usually carries per-connection session state.
func (c *Connection) BindServer(d *Dispatcher, handler any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatcher != nil {
		return ErrAlreadyBound
	}
	c.dispatcher = d
	c.handler = handler
	return nil
}

// Client returns the bound correlator, if any.
func (c *Connection) Client() *Correlator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Handler returns the handler object bound with the dispatcher.
func (c *Connection) Handler() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// OnOpen registers fn to run when the connection opens.
func (c *Connection) OnOpen(fn func(*Connection)) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

// OnClose registers fn to run when the connection closes.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Open marks the connection as live and notifies open subscribers. Only the
// first call has an effect.
func (c *Connection) Open() {
	if !c.state.CompareAndSwap(stateNew, stateOpen) {
		return
	}
	c.openedAt.Store(time.Now().UnixNano())

	c.mu.Lock()
	listeners := append([]func(*Connection){}, c.onOpen...)
	c.mu.Unlock()

	c.logger.Debug("rpc_connection_opened", slog.String("remote_addr", c.RemoteAddr()))
	for _, fn := range listeners {
		fn(c)
	}
}

// Close shuts the transport down, fails every outstanding call with
// ErrDisconnected and notifies close subscribers. Only the first call has an
// effect.
func (c *Connection) Close() error {
	prev := c.state.Swap(stateClosed)
	if prev == stateClosed {
		return nil
	}

	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}

	c.mu.Lock()
	client := c.client
	listeners := append([]func(*Connection){}, c.onClose...)
	c.mu.Unlock()

	if client != nil {
		client.ConnectionClosed(c)
	}

	c.logger.Debug("rpc_connection_closed", slog.String("remote_addr", c.RemoteAddr()))
	for _, fn := range listeners {
		fn(c)
	}
	return err
}

// SendRequest sends a request frame.
func (c *Connection) SendRequest(msg *Message) error { return c.send(msg) }

// SendResponse sends a response frame.
func (c *Connection) SendResponse(msg *Message) error { return c.send(msg) }

// SendNotification sends a notification frame.
func (c *Connection) SendNotification(msg *Message) error { return c.send(msg) }

func (c *Connection) send(msg *Message) error {
	if c.isClosed() {
		return ErrDisconnected
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Debug("rpc_send_failed", slog.String("error", err.Error()))
		_ = c.Close()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// HandleIncoming processes one frame received by the transport.
func (c *Connection) HandleIncoming(data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn("rpc_decode_failed", slog.String("error", err.Error()))
		return
	}

	switch {
	case msg.IsResponse():
		client := c.Client()
		if client == nil {
			c.logger.Warn("rpc_unexpected_response", slog.String("id", msg.IDString()))
			return
		}
		if !client.HandleResponse(msg, c) {
			c.logger.Debug("rpc_response_dropped", slog.String("id", msg.IDString()))
		}
	case msg.Method != "":
		c.mu.Lock()
		d, h := c.dispatcher, c.handler
		c.mu.Unlock()
		if d == nil {
			if msg.IsRequest() {
				_ = c.SendResponse(NewErrorResponse(msg.ID, NewError(CodeMethodNotFound, "method not found: %s", msg.Method)))
			}
			return
		}
		// Handlers may call back into the peer over this same connection.
		go d.Handle(context.Background(), h, msg, c)
	default:
		c.logger.Warn("rpc_invalid_message", slog.String("id", msg.IDString()))
	}
}

// Call issues a request through the bound correlator and waits for its outcome.
func (c *Connection) Call(ctx context.Context, method string, params, result any) error {
	client := c.Client()
	if client == nil {
		return ErrNoClient
	}
	return client.Call(ctx, c, method, params, result)
}

// Notify sends a notification through the bound correlator.
func (c *Connection) Notify(method string, params any) error {
	client := c.Client()
	if client == nil {
		return ErrNoClient
	}
	return client.Notify(c, method, params)
}
