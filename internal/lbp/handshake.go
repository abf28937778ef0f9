// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/doorbell"
	uuid "github.com/satori/go.uuid"
)

// completion stays done from complete until the next rearm.
type completion struct {
	mu sync.Mutex
	ch chan struct{}
}

func (c *completion) rearm() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = make(chan struct{})
	return c.ch
}

func (c *completion) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return
	}
	select {
	case <-c.ch:
	default:
		close(c.ch)
	}
}

var errNotUp = errors.New("card not up after interrupt")

// Handshake announces the host to the firmware, waits for its interrupt,
// assigns the node its CPU id and waits for the card to become ready. On
// success the BIOS information cache is refreshed; on failure the host is
// marked not ready.
func (c *Context) Handshake(ctx context.Context) (err error) {
	const op = "handshake"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()

	c.session.Store(uuid.NewV4())
	c.version = 0
	c.memMB = 0
	c.cache = make(map[Param]uint64)
	defer func() {
		if err != nil {
			c.store(SpadHostReady, c.hostReady(HostNotReady))
		}
	}()

	c.store(SpadCmd, CmdInvalid.Word(0))
	up := c.irq.rearm()
	c.store(SpadHostReady, c.hostReady(HostWaitingForIRQ))

	t := time.NewTimer(c.timeout(TimeoutIRQ))
	defer t.Stop()
	select {
	case <-up:
	case <-t.C:
		return c.errorf(op, IrqTimeout, c.Status(), nil)
	case <-ctx.Done():
		return c.errorf(op, WaitInterrupted, c.Status(), ctx.Err())
	}
	s := c.Status()
	if s.Bits()&^CardAfterReboot != CardUp {
		return c.errorf(op, IrqTimeout, s, errNotUp)
	}
	if v := s.Version(); v != HostVersion {
		log.Print("daemon", "warn", c.Key, " protocol version mismatch,",
			" host ", HostVersion, " card ", v)
	}
	c.version = s.Version()
	c.memMB = c.load(SpadDataLow)

	c.store(SpadDataLow, uint32(c.CPUID))
	c.store(SpadDataHigh, 0)
	c.store(SpadHostReady, c.hostReady(HostReady))
	if _, err = c.await(ctx, op, CardReady, c.timeout(TimeoutCmd),
		CmdTimeout); err != nil {
		return
	}
	log.Print("daemon", "info", c.Key, " handshake ", c.Session(),
		" protocol ", c.version, " memory ", c.memMB, "MB")
	c.fillCache(ctx, op)
	return nil
}

// Immediate completes a pending handshake wait.
func (c *Context) Immediate(int) { c.irq.complete() }

// Deferred reports a card that came back up after rebooting.
func (c *Context) Deferred(int) {
	if c.Status().Bits() == CardUp|CardAfterReboot {
		log.Print("daemon", "info", c.Key, " rebooted")
		if c.OnReboot != nil {
			c.OnReboot(c.Key)
		}
	}
}

// Attach registers the context's handlers on the handshake doorbell.
func (c *Context) Attach(d *doorbell.Dispatcher) (int, error) {
	return d.Register(Doorbell, c.Immediate, c.Deferred, "lbp "+c.Key.String())
}
