// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package talk

import (
	"errors"
	"fmt"

	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

// Application error codes returned by talk operations.
const (
	CodeUnidentified      = -32001
	CodeNotMember         = -32002
	CodeUnknownRecord     = -32003
	CodeInvalidTransition = -32004
	CodeRateLimited       = -32005
)

var errUnidentified = rpc.NewError(CodeUnidentified, "client not identified")

// storeError maps storage errors to call errors. Anything unexpected is
// reported as an internal error by the dispatcher.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return rpc.NewError(CodeUnknownRecord, "unknown %s", what)
	case errors.Is(err, storage.ErrInvalidTransition):
		return rpc.NewError(CodeInvalidTransition, "%s: %v", what, err)
	case errors.Is(err, storage.ErrInvalidRecord):
		return rpc.NewError(rpc.CodeInvalidParams, "%s: %v", what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
