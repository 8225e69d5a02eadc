// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T, method, params string) *Message {
	t.Helper()
	msg, err := JSONCodec{}.Decode([]byte(`{"jsonrpc":"2.0","id":"1","method":"` + method + `","params":` + params + `}`))
	require.NoError(t, err)
	return msg
}

func notification(t *testing.T, method, params string) *Message {
	t.Helper()
	msg, err := JSONCodec{}.Decode([]byte(`{"jsonrpc":"2.0","method":"` + method + `","params":` + params + `}`))
	require.NoError(t, err)
	return msg
}

func returning(v any) HandlerFunc {
	return func(ctx context.Context, c *Call) (any, error) { return v, nil }
}

func resultOf(t *testing.T, resp *Message) string {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error response")
	var s string
	require.NoError(t, json.Unmarshal(resp.Result, &s))
	return s
}

func TestDispatcherNotificationNeverResponds(t *testing.T) {
	d := NewDispatcher(nil)

	var ran atomic.Int32
	d.Register("ping", nil, func(ctx context.Context, c *Call) (any, error) {
		ran.Add(1)
		return nil, errors.New("boom")
	})
	d.Register("explode", nil, func(ctx context.Context, c *Call) (any, error) {
		ran.Add(1)
		panic("handler bug")
	})

	assert.Nil(t, d.Invoke(context.Background(), nil, notification(t, "ping", "[]"), nil))
	assert.Nil(t, d.Invoke(context.Background(), nil, notification(t, "explode", "[]"), nil))
	assert.Nil(t, d.Invoke(context.Background(), nil, notification(t, "missing", "[]"), nil))
	assert.Equal(t, int32(2), ran.Load())
}

func TestDispatcherNotificationOverConnection(t *testing.T) {
	d := NewDispatcher(nil)
	done := make(chan struct{})
	d.Register("ping", nil, func(ctx context.Context, c *Call) (any, error) {
		defer close(done)
		return true, nil
	})

	transport := &pipeTransport{}
	conn := NewConnection(transport, nil, nil)
	require.NoError(t, conn.BindServer(d, nil))
	conn.Open()

	conn.HandleIncoming([]byte(`{"jsonrpc":"2.0","method":"ping","params":[]}`))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notification handler did not run")
	}
	// Give a stray response time to show up before asserting there is none.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, transport.frames())
}

func TestDispatcherNullIDIsNotification(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("ping", nil, returning(true))

	msg, err := JSONCodec{}.Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, d.Invoke(context.Background(), nil, msg, nil))
}

func TestDispatcherMethodNotFound(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("known", nil, returning("ok"))

	resp := d.Invoke(context.Background(), nil, request(t, "unknown", "[]"), nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "1", resp.IDString())
}

func TestDispatcherOverloadResolution(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("greet", []Param{{Name: "name", Kind: KindString}}, returning("one"))
	d.Register("greet", []Param{{Name: "name", Kind: KindString}, {Name: "times", Kind: KindNumber}}, returning("two"))
	d.Register("put", []Param{{Name: "key", Kind: KindString}, {Name: "value", Kind: KindNumber}}, returning("number"))
	d.Register("put", []Param{{Name: "key", Kind: KindString}, {Name: "value", Kind: KindString}}, returning("string"))

	cases := []struct {
		desc   string
		method string
		params string
		want   string
	}{
		{"exact positional arity", "greet", `["a"]`, "one"},
		{"longer positional arity", "greet", `["a", 2]`, "two"},
		{"missing argument picks closest arity", "greet", `[]`, "one"},
		{"named arguments", "greet", `{"name": "a", "times": 2}`, "two"},
		{"named subset", "greet", `{"name": "a"}`, "one"},
		{"type match wins", "put", `["k", "v"]`, "string"},
		{"number match", "put", `["k", 1]`, "number"},
		{"null prefers the reference kind", "put", `["k", null]`, "string"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			resp := d.Invoke(context.Background(), nil, request(t, tc.method, tc.params), nil)
			assert.Equal(t, tc.want, resultOf(t, resp))
		})
	}
}

func TestDispatcherIneligibleCandidates(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("greet", []Param{{Name: "name", Kind: KindString}}, returning("one"))

	for _, params := range []string{`["a", 2]`, `{"nick": "a"}`, `"scalar"`} {
		resp := d.Invoke(context.Background(), nil, request(t, "greet", params), nil)
		require.NotNil(t, resp.Error, params)
		assert.Contains(t, []int{CodeMethodNotFound, CodeInvalidRequest}, resp.Error.Code, params)
	}
}

func TestDispatcherErrors(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("app", nil, func(ctx context.Context, c *Call) (any, error) {
		return nil, NewError(-32003, "no such delivery")
	})
	d.Register("plain", nil, func(ctx context.Context, c *Call) (any, error) {
		return nil, errors.New("disk full")
	})
	d.Register("panics", nil, func(ctx context.Context, c *Call) (any, error) {
		panic("oops")
	})
	d.Register("typed", []Param{{Name: "n", Kind: KindNumber}}, func(ctx context.Context, c *Call) (any, error) {
		var n int
		if err := c.Arg(0, &n); err != nil {
			return nil, err
		}
		return n, nil
	})

	resp := d.Invoke(context.Background(), nil, request(t, "app", "[]"), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32003, resp.Error.Code)

	resp = d.Invoke(context.Background(), nil, request(t, "plain", "[]"), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, "disk full", resp.Error.Message)

	resp = d.Invoke(context.Background(), nil, request(t, "panics", "[]"), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	resp = d.Invoke(context.Background(), nil, request(t, "typed", `["seven"]`), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestDispatcherStats(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("ok", nil, returning(1))
	d.Register("bad", nil, func(ctx context.Context, c *Call) (any, error) { return nil, errors.New("no") })

	rec := &recordingRecorder{}
	d.AddRecorder(rec)

	d.Invoke(context.Background(), nil, request(t, "ok", "[]"), nil)
	d.Invoke(context.Background(), nil, request(t, "ok", "[]"), nil)
	d.Invoke(context.Background(), nil, request(t, "bad", "[]"), nil)
	d.Invoke(context.Background(), nil, request(t, "missing", "[]"), nil)

	ok, found := d.Stats().Get("ok")
	require.True(t, found)
	assert.Equal(t, uint64(2), ok.Calls)
	assert.Equal(t, uint64(0), ok.Errors)

	bad, found := d.Stats().Get("bad")
	require.True(t, found)
	assert.Equal(t, uint64(1), bad.Errors)

	_, found = d.Stats().Get("missing")
	assert.False(t, found)

	assert.Len(t, d.Stats().Snapshot(), 2)
	assert.Equal(t, int32(3), rec.calls.Load())
	assert.ElementsMatch(t, []string{"ok", "bad"}, d.Methods())
}

type recordingRecorder struct {
	calls atomic.Int32
}

func (r *recordingRecorder) RecordCall(string, time.Duration, bool) { r.calls.Add(1) }

func TestKindCompatibility(t *testing.T) {
	cases := []struct {
		declared Kind
		raw      string
		want     bool
	}{
		{KindAny, `42`, true},
		{KindString, `"x"`, true},
		{KindString, `null`, true},
		{KindString, `1`, false},
		{KindNumber, `null`, false},
		{KindBool, `true`, true},
		{KindBinary, `"aGk="`, true},
		{KindArray, `null`, true},
		{KindObject, `{}`, true},
		{KindObject, `[]`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, compatible(tc.declared, kindOf(json.RawMessage(tc.raw))), "%s <- %s", tc.declared, tc.raw)
	}
}
