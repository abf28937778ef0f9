// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
)

// Poll is the scratchpad polling interval.
var Poll = time.Millisecond

var errCardError = errors.New("card error")

// waitFor polls the card readiness register until fn accepts it. It returns
// the code after the timeout, WaitInterrupted if ctx is done first, and, if
// errs is set, errCardError as soon as the card reports an error.
//
// Waits are only made while holding the context lock and never while holding
// a table lock.
func (c *Context) waitFor(ctx context.Context, timeout time.Duration,
	code Code, errs bool, fn func(Status) bool) (Status, error) {
	if atomic.LoadInt32(&c.locked) == 0 {
		panic("lbp: wait without context lock")
	}
	b := &backoff.Backoff{
		Min:    Poll,
		Max:    Poll,
		Factor: 1,
	}
	deadline := time.Now().Add(timeout)
	for {
		s := c.Status()
		if errs && s&CardAnyError != 0 {
			return s, errCardError
		}
		if fn(s) {
			return s, nil
		}
		if !time.Now().Before(deadline) {
			return s, code
		}
		select {
		case <-ctx.Done():
			return s, WaitInterrupted
		case <-time.After(b.Duration()):
		}
	}
}

// await waits for any of the given card state bits. A card error is drained
// with clearError and reported as InternalError.
func (c *Context) await(ctx context.Context, op string, bits Status,
	timeout time.Duration, code Code) (Status, error) {
	s, err := c.waitFor(ctx, timeout, code, true, func(s Status) bool {
		return s.Bits()&bits != 0
	})
	switch err {
	case nil:
		return s, nil
	case errCardError:
		return s, c.cardError(ctx, op, s)
	}
	return s, c.errorf(op, err.(Code), s, nil)
}

// consumed waits for the firmware to take the last command.
func (c *Context) consumed(ctx context.Context, op string) error {
	s, err := c.waitFor(ctx, c.timeout(TimeoutCmd), CmdTimeout, true,
		c.cmdDone)
	switch err {
	case nil:
		return nil
	case errCardError:
		return c.cardError(ctx, op, s)
	}
	return c.errorf(op, err.(Code), s, nil)
}

func (c *Context) cmdDone(Status) bool {
	cmd, _ := SplitCmd(c.load(SpadCmd))
	return cmd == CmdInvalid
}

// cardError reads and clears the card's error. The result is InternalError,
// or CmdTimeout if the card didn't recover.
func (c *Context) cardError(ctx context.Context, op string, s Status) error {
	e := &Error{
		Op:     op,
		Key:    c.Key,
		Code:   InternalError,
		Status: s,
		ErrReg: c.load(SpadError),
	}
	if err := c.clearError(ctx, op); err != nil {
		e.Code = CmdTimeout
		e.Err = err
	}
	c.log(e)
	return e
}
