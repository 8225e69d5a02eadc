// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the protocol version tag carried on every outgoing message.
const Version = "2.0"

// Message is a request, notification or response on the wire.
//
// A message with a method and an id is a request, with a method and no id a
// notification, and without a method a response.
type Message struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries a correlation id. A JSON null id
// is treated as absent.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsRequest reports whether the sender expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.HasID()
}

// IDString returns the correlation id as a plain string. String ids are
// unquoted, numeric ids are returned verbatim.
func (m *Message) IDString() string {
	if !m.HasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.ID))
}

func encodeID(id string) json.RawMessage {
	return json.RawMessage(strconv.Quote(id))
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("[]"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// NewRequest builds a request message.
func NewRequest(id, method string, params any) (*Message, error) {
	p, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, ID: encodeID(id), Method: method, Params: p}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	p, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, Method: method, Params: p}, nil
}

// NewResult builds a success response for the request id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, ID: id, Result: r}, nil
}

// NewErrorResponse builds an error response for the request id.
func NewErrorResponse(id json.RawMessage, e *Error) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{Version: Version, ID: id, Error: e}
}
