// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package lbp speaks the leveraged boot protocol with a card node's
// firmware through the NTB scratchpad registers.
//
// The scratchpads are a single slot mailbox: the host writes the data
// registers and then the command register, the firmware clears the command
// once consumed and reports progress in its readiness register. A Context
// serializes every exchange with one node; operations on different nodes are
// independent.
//
// Each operation returns nil or an *Error carrying one of the Code results.
package lbp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/regs"
	uuid "github.com/satori/go.uuid"
)

// Key names a card node.
type Key struct {
	Card, Node int
}

func (k Key) String() string { return fmt.Sprint("card ", k.Card, " node ", k.Node) }

// Timeout names accepted by SetTimeout.
const (
	TimeoutIRQ      = "irq"
	TimeoutCmd      = "cmd"
	TimeoutAlloc    = "alloc"
	TimeoutMacWrite = "mac_write"
)

// Timeouts in milliseconds.
type Timeouts struct {
	IRQ      uint32 `toml:"irq"`
	Cmd      uint32 `toml:"cmd"`
	Alloc    uint32 `toml:"alloc"`
	MacWrite uint32 `toml:"mac_write"`
}

var DefaultTimeouts = Timeouts{
	IRQ:      1000,
	Cmd:      100,
	Alloc:    1000,
	MacWrite: 1000,
}

// FlashTimeout bounds BIOS flashing once started.
const FlashTimeout = 300000

var timeoutLimits = map[string]uint32{
	TimeoutIRQ:      300000,
	TimeoutCmd:      1000,
	TimeoutAlloc:    1000,
	TimeoutMacWrite: 10000,
}

// TimeoutNames lists the names accepted by SetTimeout.
func TimeoutNames() []string {
	return []string{TimeoutIRQ, TimeoutCmd, TimeoutAlloc, TimeoutMacWrite}
}

func (t *Timeouts) field(name string) *uint32 {
	switch name {
	case TimeoutIRQ:
		return &t.IRQ
	case TimeoutCmd:
		return &t.Cmd
	case TimeoutAlloc:
		return &t.Alloc
	case TimeoutMacWrite:
		return &t.MacWrite
	}
	return nil
}

// Validate reports the first out of range timeout.
func (t Timeouts) Validate() error {
	for _, name := range TimeoutNames() {
		if ms := *t.field(name); ms > timeoutLimits[name] {
			return fmt.Errorf("%s timeout %d ms: %w", name, ms,
				BadParameterValue)
		}
	}
	return nil
}

// Netboot is a node's PXE backend.
type Netboot interface {
	Ready() bool
	Go()
}

type Config struct {
	Key
	// Switch registers holding the scratchpads.
	Bar regs.Bar
	// Scratchpad base, SpadBase if zero.
	Spads uint
	// Window onto card memory and the table renting it out.
	Aperture regs.Aperture
	Windows  Windows
	// Optional copy engine.
	DMA DMA
	// Identity sent to the firmware in the host readiness register.
	CPUID, Slot, Port uint8
	Netboot           Netboot
	Timeouts          Timeouts
	// Staging buffer size, DefaultBufferSize if zero.
	BufferSize int
	// Called from the deferred interrupt phase when the card reports it
	// came back up after a reboot.
	OnReboot func(Key)
}

type Context struct {
	Config

	// Held for the duration of every operation and reset pulse.
	mu        sync.Mutex
	locked    int32
	resetting int32

	tmu sync.Mutex

	irq completion

	session atomic.Value
	version Version
	memMB   uint32
	cache   map[Param]uint64
}

func New(cfg Config) *Context {
	if cfg.Spads == 0 {
		cfg.Spads = SpadBase
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Context{
		Config: cfg,
		cache:  make(map[Param]uint64),
	}
}

func (c *Context) load(i int) uint32 {
	return c.Bar.Load32(SpadOffset(c.Spads, i))
}

func (c *Context) store(i int, v uint32) {
	c.Bar.Store32(SpadOffset(c.Spads, i), v)
}

// Status reads the card readiness register.
func (c *Context) Status() Status { return Status(c.load(SpadCardReady)) }

func (c *Context) hostReady(ready uint8) uint32 {
	return uint32(ready) | uint32(c.CPUID)<<8 | uint32(c.Slot)<<16 |
		uint32(c.Port)<<24
}

var errResetting = errors.New("reset in progress")

// lock fails fast while the node is being reset.
func (c *Context) lock(op string) error {
	if c.Resetting() {
		return c.errorf(op, InternalError, 0, errResetting)
	}
	c.mu.Lock()
	atomic.StoreInt32(&c.locked, 1)
	return nil
}

func (c *Context) unlock() {
	atomic.StoreInt32(&c.locked, 0)
	c.mu.Unlock()
}

func (c *Context) Resetting() bool { return atomic.LoadInt32(&c.resetting) != 0 }

// ResetStart excludes every operation until ResetStop. It waits for the
// operation in flight, if any.
func (c *Context) ResetStart() {
	c.mu.Lock()
	atomic.StoreInt32(&c.locked, 1)
	atomic.StoreInt32(&c.resetting, 1)
	log.Print("daemon", "info", c.Key, " reset start")
}

// ResetStop marks the card down and readmits operations. The next one
// should be a handshake.
func (c *Context) ResetStop() {
	c.store(SpadCardReady, uint32(CardDown))
	atomic.StoreInt32(&c.resetting, 0)
	log.Print("daemon", "info", c.Key, " reset stop")
	c.unlock()
}

func (c *Context) timeout(name string) time.Duration {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return time.Duration(*c.Timeouts.field(name)) * time.Millisecond
}

// SetTimeout changes one of the named timeouts.
func (c *Context) SetTimeout(name string, ms uint32) error {
	const op = "set_timeout"
	limit, found := timeoutLimits[name]
	if !found {
		return c.errorf(op, UnknownParameter, 0,
			fmt.Errorf("timeout %q", name))
	}
	if ms > limit {
		return c.errorf(op, BadParameterValue, 0,
			fmt.Errorf("%s timeout %d ms exceeds %d", name, ms, limit))
	}
	c.tmu.Lock()
	*c.Timeouts.field(name) = ms
	c.tmu.Unlock()
	log.Print("daemon", "info", c.Key, " ", name, " timeout ", ms, "ms")
	return nil
}

// GetTimeouts returns a copy of the current timeouts.
func (c *Context) GetTimeouts() Timeouts {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return c.Timeouts
}

// Version negotiated by the last handshake.
func (c *Context) Version() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// MemoryMB is the card memory size reported at the last handshake.
func (c *Context) MemoryMB() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memMB
}

// Session identifies the last handshake in logs.
func (c *Context) Session() uuid.UUID {
	u, _ := c.session.Load().(uuid.UUID)
	return u
}

func (c *Context) errorf(op string, code Code, s Status, err error) error {
	e := &Error{
		Op:     op,
		Key:    c.Key,
		Code:   code,
		Status: s,
		Err:    err,
	}
	c.log(e)
	return e
}

func (c *Context) log(e *Error) {
	if u := c.Session(); u != uuid.Nil {
		log.Print("daemon", "err", e, " [", u, "]")
	} else {
		log.Print("daemon", "err", e)
	}
}
