// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Param declares one argument of an operation.
type Param struct {
	Name string
	Kind Kind
}

// HandlerFunc implements an operation. The returned value is encoded as the
// result of a request; it is discarded for notifications.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Call is one invocation of a resolved operation.
type Call struct {
	Method string
	// Conn is the connection the call arrived on. It may be nil when the
	// dispatcher is driven directly.
	Conn *Connection
	// Handler is the object bound with the dispatcher on Conn.
	Handler any

	args []json.RawMessage
}

// NumArgs returns the number of declared arguments of the resolved operation.
func (c *Call) NumArgs() int { return len(c.args) }

// Arg decodes argument i into v. Missing and null arguments leave v untouched.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.args) || kindOf(c.args[i]) == KindNull {
		return nil
	}
	if err := json.Unmarshal(c.args[i], v); err != nil {
		return NewError(CodeInvalidParams, "argument %d of %s: %v", i, c.Method, err)
	}
	return nil
}

type operation struct {
	name   string
	params []Param
	fn     HandlerFunc
	order  int
}

// Dispatcher is the server side of the call protocol. Operations are
// registered by name with a declared argument shape and resolved per call.
type Dispatcher struct {
	logger *slog.Logger
	stats  *Stats

	mu        sync.RWMutex
	ops       map[string][]*operation
	count     int
	recorders []CallRecorder
}

// NewDispatcher creates a dispatcher with an empty operation table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		stats:  NewStats(),
		ops:    make(map[string][]*operation),
	}
}

// Register adds an operation. Several operations may share a name as long as
// their argument shapes differ.
func (d *Dispatcher) Register(name string, params []Param, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops[name] = append(d.ops[name], &operation{
		name:   name,
		params: params,
		fn:     fn,
		order:  d.count,
	})
	d.count++
}

// AddRecorder mirrors call timings to r in addition to the built-in stats.
func (d *Dispatcher) AddRecorder(r CallRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorders = append(d.recorders, r)
}

// Stats returns the per-operation statistics.
func (d *Dispatcher) Stats() *Stats { return d.stats }

// Methods returns the registered operation names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.ops))
	for name := range d.ops {
		names = append(names, name)
	}
	return names
}

// Handle invokes the operation named by msg and sends the response, if any,
// on conn.
func (d *Dispatcher) Handle(ctx context.Context, handler any, msg *Message, conn *Connection) {
	resp := d.Invoke(ctx, handler, msg, conn)
	if resp == nil || conn == nil {
		return
	}
	if err := conn.SendResponse(resp); err != nil {
		d.logger.Debug("rpc_response_send_failed",
			slog.String("method", msg.Method),
			slog.String("error", err.Error()))
	}
}

// Invoke runs the operation named by msg and returns the response to send. It
// returns nil for notifications, which never receive a response.
func (d *Dispatcher) Invoke(ctx context.Context, handler any, msg *Message, conn *Connection) *Message {
	start := time.Now()

	op, args, rerr := d.resolve(msg.Method, msg.Params)
	if rerr != nil {
		if msg.IsRequest() {
			return NewErrorResponse(msg.ID, rerr)
		}
		d.logger.Warn("rpc_notification_unresolved",
			slog.String("method", msg.Method),
			slog.String("error", rerr.Message))
		return nil
	}

	call := &Call{Method: op.name, Conn: conn, Handler: handler, args: args}
	result, err := d.call(ctx, op, call)
	d.record(op.name, time.Since(start), err != nil)

	if !msg.IsRequest() {
		if err != nil {
			d.logger.Warn("rpc_notification_failed",
				slog.String("method", op.name),
				slog.String("error", err.Error()))
		}
		return nil
	}

	if err != nil {
		d.logger.Debug("rpc_call_failed",
			slog.String("method", op.name),
			slog.String("error", err.Error()))
		return NewErrorResponse(msg.ID, resolveError(err))
	}

	resp, err := NewResult(msg.ID, result)
	if err != nil {
		return NewErrorResponse(msg.ID, NewError(CodeInternalError, "encode result: %v", err))
	}
	return resp
}

func (d *Dispatcher) call(ctx context.Context, op *operation, c *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("rpc_handler_panic",
				slog.String("method", op.name),
				slog.Any("panic", r))
			err = fmt.Errorf("%s: internal failure", op.name)
		}
	}()
	return op.fn(ctx, c)
}

func (d *Dispatcher) record(method string, dur time.Duration, failed bool) {
	d.stats.RecordCall(method, dur, failed)

	d.mu.RLock()
	recorders := d.recorders
	d.mu.RUnlock()
	for _, r := range recorders {
		r.RecordCall(method, dur, failed)
	}
}

// candidate is an operation that can accept the supplied arguments.
type candidate struct {
	op      *operation
	args    []json.RawMessage
	diff    int
	matched int
}

func (c candidate) betterThan(o candidate) bool {
	if c.diff != o.diff {
		return c.diff < o.diff
	}
	if c.matched != o.matched {
		return c.matched > o.matched
	}
	return c.op.order < o.op.order
}

// resolve picks the operation that best fits the supplied arguments: the
// smallest difference between declared and supplied argument counts, then
// the most type-compatible arguments, then registration order.
func (d *Dispatcher) resolve(name string, params json.RawMessage) (*operation, []json.RawMessage, *Error) {
	d.mu.RLock()
	ops := d.ops[name]
	d.mu.RUnlock()

	if len(ops) == 0 {
		return nil, nil, NewError(CodeMethodNotFound, "method not found: %s", name)
	}

	var (
		best  candidate
		found bool
	)
	consider := func(c candidate) {
		if !found || c.betterThan(best) {
			best = c
			found = true
		}
	}

	switch kindOf(params) {
	case KindNull, KindArray:
		var supplied []json.RawMessage
		if len(bytes.TrimSpace(params)) > 0 {
			if err := json.Unmarshal(params, &supplied); err != nil {
				return nil, nil, NewError(CodeParseError, "invalid params: %v", err)
			}
		}
		for _, op := range ops {
			if c, ok := positionalCandidate(op, supplied); ok {
				consider(c)
			}
		}
	case KindObject:
		var supplied map[string]json.RawMessage
		if err := json.Unmarshal(params, &supplied); err != nil {
			return nil, nil, NewError(CodeParseError, "invalid params: %v", err)
		}
		for _, op := range ops {
			if c, ok := namedCandidate(op, supplied); ok {
				consider(c)
			}
		}
	default:
		return nil, nil, NewError(CodeInvalidRequest, "params must be an array or an object")
	}

	if !found {
		return nil, nil, NewError(CodeMethodNotFound, "method not found: %s with the supplied arguments", name)
	}
	return best.op, best.args, nil
}

func positionalCandidate(op *operation, supplied []json.RawMessage) (candidate, bool) {
	if len(supplied) > len(op.params) {
		return candidate{}, false
	}
	args := make([]json.RawMessage, len(op.params))
	matched := 0
	for i, p := range op.params {
		if i >= len(supplied) {
			continue
		}
		args[i] = supplied[i]
		if compatible(p.Kind, kindOf(supplied[i])) {
			matched++
		}
	}
	return candidate{op: op, args: args, diff: len(op.params) - len(supplied), matched: matched}, true
}

func namedCandidate(op *operation, supplied map[string]json.RawMessage) (candidate, bool) {
	index := make(map[string]int, len(op.params))
	for i, p := range op.params {
		index[p.Name] = i
	}
	for key := range supplied {
		if _, ok := index[key]; !ok {
			return candidate{}, false
		}
	}
	args := make([]json.RawMessage, len(op.params))
	matched := 0
	for i, p := range op.params {
		raw, ok := supplied[p.Name]
		if !ok {
			continue
		}
		args[i] = raw
		if compatible(p.Kind, kindOf(raw)) {
			matched++
		}
	}
	return candidate{op: op, args: args, diff: len(op.params) - len(supplied), matched: matched}, true
}
