// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrTimeout is returned when no response arrived within the call timeout.
	// The peer may or may not have processed the call.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrDisconnected is returned when the connection closed while the call was outstanding.
	ErrDisconnected = errors.New("rpc: connection closed")
	// ErrTransport is returned when a frame could not be sent. The connection is closed.
	ErrTransport = errors.New("rpc: transport failure")

	ErrAlreadyBound = errors.New("rpc: connection already bound")
	ErrNoClient     = errors.New("rpc: connection has no correlator bound")
)

// Error is an application-level error carried in a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError creates an application error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// resolveError maps a handler error to the error sent to the caller.
func resolveError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
