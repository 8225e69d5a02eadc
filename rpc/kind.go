// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"encoding/json"
)

// Kind is the shape of a parameter value on the wire.
type Kind uint8

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	KindNull
	KindBinary
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	case KindBinary:
		return "binary"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "any"
	}
}

// kindOf classifies a raw JSON value by its leading byte.
func kindOf(raw json.RawMessage) Kind {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return KindNull
	}
	switch v[0] {
	case '"':
		return KindString
	case 't', 'f':
		return KindBool
	case 'n':
		return KindNull
	case '[':
		return KindArray
	case '{':
		return KindObject
	default:
		return KindNumber
	}
}

// compatible reports whether a supplied value kind can be passed for a
// declared parameter kind. Binary values travel as base64 strings, and null
// stands in for any reference-like kind.
func compatible(declared, supplied Kind) bool {
	if declared == KindAny || declared == supplied {
		return true
	}
	switch supplied {
	case KindNull:
		return declared != KindNumber && declared != KindBool
	case KindString:
		return declared == KindBinary
	}
	return false
}
