// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"sync"
)

var errPipeClosed = errors.New("pipe closed")

// pipeTransport hands every frame to the peer connection asynchronously.
type pipeTransport struct {
	mu      sync.Mutex
	peer    *Connection
	closed  bool
	drop    bool
	sendErr error
	sent    [][]byte
	closes  int
}

func (t *pipeTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	if t.closed {
		t.mu.Unlock()
		return errPipeClosed
	}
	t.sent = append(t.sent, data)
	peer, drop := t.peer, t.drop
	t.mu.Unlock()

	if peer != nil && !drop {
		go peer.HandleIncoming(data)
	}
	return nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

func (t *pipeTransport) RemoteAddr() string { return "pipe" }

func (t *pipeTransport) frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// newPipe connects a client connection to a server connection. The client
// has cr bound, the server has d bound.
func newPipe(cr *Correlator, d *Dispatcher) (*Connection, *Connection, *pipeTransport) {
	toServer := &pipeTransport{}
	toClient := &pipeTransport{}

	client := NewConnection(toServer, nil, nil)
	server := NewConnection(toClient, nil, nil)
	toServer.peer = server
	toClient.peer = client

	if cr != nil {
		_ = client.BindClient(cr)
	}
	if d != nil {
		_ = server.BindServer(d, nil)
	}
	client.Open()
	server.Open()
	return client, server, toServer
}

// newSilentConn returns an open client connection whose frames are never
// answered.
func newSilentConn(cr *Correlator) (*Connection, *pipeTransport) {
	t := &pipeTransport{drop: true}
	c := NewConnection(t, nil, nil)
	_ = c.BindClient(cr)
	c.Open()
	return c, t
}
