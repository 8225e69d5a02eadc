// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
)

var errEmptyFrame = errors.New("rpc: empty frame")

// Codec serializes messages for a transport.
type Codec interface {
	Name() string
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
