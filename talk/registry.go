// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"sort"
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub005/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
)

var _ delivery.ConnectionRegistry = (*Registry)(nil)

// Registry maps identified clients to their live connection. A client has
// at most one registered connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*rpc.Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*rpc.Connection)}
}

// Login registers conn for clientID and returns the connection it replaced,
// if any.
func (r *Registry) Login(clientID string, conn *rpc.Connection) *rpc.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[clientID]
	r.conns[clientID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Logout removes clientID if conn is still its registered connection.
func (r *Registry) Logout(clientID string, conn *rpc.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[clientID] != conn {
		return false
	}
	delete(r.conns, clientID)
	return true
}

// Lookup returns the registered connection of clientID or nil.
func (r *Registry) Lookup(clientID string) *rpc.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[clientID]
}

// ConnectionForClient implements delivery.ConnectionRegistry.
func (r *Registry) ConnectionForClient(clientID string) delivery.Peer {
	conn := r.Lookup(clientID)
	if conn == nil {
		return nil
	}
	return conn
}

// Connected returns the number of identified clients.
func (r *Registry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clients returns the identified client ids in order.
func (r *Registry) Clients() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Connections returns a snapshot of the registered connections.
func (r *Registry) Connections() []*rpc.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*rpc.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
