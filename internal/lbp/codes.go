// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinasystems/vca/internal/awt"
)

// Code is the result of a protocol operation. Its numbering is shared with
// the management tools and must not change.
type Code int

const (
	StateOK Code = iota
	SpadWrongState
	IrqTimeout
	AllocTimeout
	CmdTimeout
	BadParameterValue
	UnknownParameter
	InternalError
	ProtocolVersionMismatch
	WaitInterrupted
	BiosInfoCacheEmpty
	ResourceExhausted
	NCodes
)

var codeNames = [...]string{
	StateOK:                 "ok",
	SpadWrongState:          "wrong_state",
	IrqTimeout:              "irq_timeout",
	AllocTimeout:            "alloc_timeout",
	CmdTimeout:              "cmd_timeout",
	BadParameterValue:       "bad_parameter_value",
	UnknownParameter:        "unknown_parameter",
	InternalError:           "internal_error",
	ProtocolVersionMismatch: "protocol_version_mismatch",
	WaitInterrupted:         "wait_interrupted",
	BiosInfoCacheEmpty:      "bios_info_cache_empty",
	ResourceExhausted:       "resource_exhausted",
}

func (c Code) String() string {
	if c >= 0 && c < NCodes {
		return codeNames[c]
	}
	return fmt.Sprint("code(", int(c), ")")
}

func (c Code) Error() string {
	return strings.Replace(c.String(), "_", " ", -1)
}

// ParseCode is the inverse of Code.String.
func ParseCode(s string) (Code, error) {
	for i, name := range codeNames {
		if name == s {
			return Code(i), nil
		}
	}
	return InternalError, fmt.Errorf("%q: unknown result code", s)
}

// Error is returned by every failed Context operation. It matches its Code
// with errors.Is and unwraps to the underlying cause, if any.
type Error struct {
	Op   string
	Key  Key
	Code Code
	// Card readiness and error registers read at the time of failure.
	Status Status
	ErrReg uint32
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprint(&sb, e.Key, ": ", e.Op, ": ", e.Code.Error())
	if e.Status != 0 || e.ErrReg != 0 {
		fmt.Fprintf(&sb, " (ready %#x error %#x)", uint32(e.Status),
			e.ErrReg)
	}
	if e.Err != nil {
		fmt.Fprint(&sb, ": ", e.Err)
	}
	return sb.String()
}

func (e *Error) Is(target error) bool {
	code, ok := target.(Code)
	return ok && code == e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf maps any error returned by this package to its result code.
func CodeOf(err error) Code {
	var e *Error
	var code Code
	switch {
	case err == nil:
		return StateOK
	case errors.As(err, &e):
		return e.Code
	case errors.As(err, &code):
		return code
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return WaitInterrupted
	case errors.Is(err, awt.ErrNoSpace):
		return ResourceExhausted
	}
	return InternalError
}
