// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
)

// Session is the per-connection handler state.
type Session struct {
	conn *rpc.Connection

	mu       sync.RWMutex
	clientID string
}

func newSession(conn *rpc.Connection) *Session {
	return &Session{conn: conn}
}

// Conn returns the connection the session is bound to.
func (s *Session) Conn() *rpc.Connection { return s.conn }

// ClientID returns the identified client id, or "" before identify.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// bind sets the client id once. It reports false if the session is already
// bound to another client.
func (s *Session) bind(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID != "" && s.clientID != clientID {
		return false
	}
	s.clientID = clientID
	return true
}
