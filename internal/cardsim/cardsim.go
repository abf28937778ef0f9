// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package cardsim plays the firmware side of the boot protocol for one card
// node over a shared register file. It stands in for the hardware in tests
// and in the daemon's -simulate mode.
package cardsim

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/regs"
)

type Config struct {
	// Register file shared with the host.
	Bar regs.Bar
	// Scratchpad base, lbp.SpadBase if zero.
	Spads uint
	// A-LUT array translating the aperture, awt.DefaultArrayBase if zero.
	ArrayBase   uint
	SegmentSize uint64
	ApertureLen uint64

	Version  lbp.Version
	MemoryMB uint32
	MAC      net.HardwareAddr
	// Recovery flags reported in data low, lbp.GoldImage and friends.
	Recovery uint32
	// Card address of the ramdisk and the block io device page.
	RamdiskBase uint64
	DevPage     uint64
	// Rings the host's doorbell.
	Ring func(db int)
	// Polling interval and how long flashing lasts.
	Tick      time.Duration
	FlashTime time.Duration
}

const (
	DefaultRamdiskBase = 0x1_2000_0000
	DefaultDevPage     = 0x8000_1000
)

type Card struct {
	Config

	mu       sync.Mutex
	irqSent  bool
	faulted  bool
	mute     bool
	stall    bool
	flashing time.Time
	cpuid    uint32
	ramdisk  []byte
	params   map[lbp.Param]uint64
	faults   map[lbp.Cmd]uint32
	hangs    map[lbp.Cmd]bool
	flashed  map[lbp.Cmd][]byte
	commands []lbp.Cmd
	clock    time.Time
	west     uint16
}

func New(cfg Config) *Card {
	if cfg.Spads == 0 {
		cfg.Spads = lbp.SpadBase
	}
	if cfg.ArrayBase == 0 {
		cfg.ArrayBase = awt.DefaultArrayBase
	}
	if cfg.Version == 0 {
		cfg.Version = lbp.HostVersion
	}
	if cfg.MAC == nil {
		cfg.MAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}
	}
	if cfg.RamdiskBase == 0 {
		cfg.RamdiskBase = DefaultRamdiskBase
	}
	if cfg.DevPage == 0 {
		cfg.DevPage = DefaultDevPage
	}
	if cfg.Tick == 0 {
		cfg.Tick = 100 * time.Microsecond
	}
	if cfg.FlashTime == 0 {
		cfg.FlashTime = 10 * time.Millisecond
	}
	return &Card{
		Config:  cfg,
		params:  make(map[lbp.Param]uint64),
		faults:  make(map[lbp.Cmd]uint32),
		hangs:   make(map[lbp.Cmd]bool),
		flashed: make(map[lbp.Cmd][]byte),
	}
}

func (c *Card) load(i int) uint32 {
	return c.Bar.Load32(lbp.SpadOffset(c.Spads, i))
}

func (c *Card) store(i int, v uint32) {
	c.Bar.Store32(lbp.SpadOffset(c.Spads, i), v)
}

func (c *Card) status() lbp.Status { return lbp.Status(c.load(lbp.SpadCardReady)) }

func (c *Card) setStatus(bits lbp.Status) {
	c.store(lbp.SpadCardReady, uint32(lbp.MakeStatus(bits, c.Version)))
}

func (c *Card) setData(v uint64) {
	c.store(lbp.SpadDataHigh, uint32(v>>32))
	c.store(lbp.SpadDataLow, uint32(v))
}

func (c *Card) data() uint64 {
	return uint64(c.load(lbp.SpadDataHigh))<<32 |
		uint64(c.load(lbp.SpadDataLow))
}

func (c *Card) consume() { c.store(lbp.SpadCmd, lbp.CmdInvalid.Word(0)) }

// Run steps the firmware every tick until the context is done.
func (c *Card) Run(ctx context.Context) error {
	t := time.NewTicker(c.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Step()
		}
	}
}

// Step reacts once to the host's registers.
func (c *Card) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status()
	if s&lbp.CardAnyError != 0 {
		c.errored()
		return
	}
	if !c.flashing.IsZero() && time.Now().After(c.flashing) {
		c.flashing = time.Time{}
		c.setStatus(lbp.CardDone)
	}
	switch uint8(c.load(lbp.SpadHostReady)) {
	case lbp.HostWaitingForIRQ:
		if !c.irqSent && !c.mute {
			c.irqSent = true
			c.store(lbp.SpadDataLow, c.MemoryMB)
			c.setStatus(lbp.CardUp)
			if c.Ring != nil {
				c.Ring(lbp.Doorbell)
			}
		}
		return
	case lbp.HostReady:
		if c.irqSent && !c.stall &&
			s.Bits()&^lbp.CardAfterReboot == lbp.CardUp {
			c.irqSent = false
			c.cpuid = c.load(lbp.SpadDataLow)
			c.store(lbp.SpadDataLow, c.Recovery)
			c.setStatus(lbp.CardReady)
		}
	default:
		c.irqSent = false
	}
	c.command()
}

// errored recovers from its own fault once the host clears the error
// register.
func (c *Card) errored() {
	if c.faulted && c.load(lbp.SpadError) == lbp.ErrNoError {
		c.faulted = false
		c.setStatus(lbp.CardReady)
	}
	if cmd, _ := lbp.SplitCmd(c.load(lbp.SpadCmd)); cmd == lbp.CmdClearError {
		c.commands = append(c.commands, cmd)
		c.consume()
	}
}

func (c *Card) command() {
	cmd, param := lbp.SplitCmd(c.load(lbp.SpadCmd))
	if cmd == lbp.CmdInvalid || c.hangs[cmd] {
		return
	}
	c.commands = append(c.commands, cmd)
	if code, found := c.faults[cmd]; found {
		delete(c.faults, cmd)
		c.raise(code)
		c.consume()
		return
	}
	switch cmd {
	case lbp.CmdMapRamdisk:
		c.ramdisk = make([]byte, uint64(c.load(lbp.SpadDataLow))*lbp.AllocUnit)
		c.setData(c.RamdiskBase)
		c.consume()
		c.setStatus(lbp.CardDone)
	case lbp.CmdBootRamdisk, lbp.CmdBootLoader:
		c.consume()
		c.setStatus(lbp.CardBooting)
	case lbp.CmdBootBlockIO:
		c.setData(c.DevPage)
		c.consume()
		c.setStatus(lbp.CardBootingBlockIO)
	case lbp.CmdBootPXE:
		c.consume()
		c.setStatus(lbp.CardBootingPXE)
	case lbp.CmdFlashBIOS, lbp.CmdFlashFW:
		c.flashed[cmd] = append([]byte(nil), c.ramdisk...)
		c.flashing = time.Now().Add(c.FlashTime)
		c.consume()
		c.setStatus(lbp.CardFlashing)
	case lbp.CmdGetMACAddr:
		var b [8]byte
		copy(b[:], c.MAC)
		c.store(lbp.SpadDataHigh, binary.LittleEndian.Uint32(b[0:4]))
		c.store(lbp.SpadDataLow, uint32(binary.LittleEndian.Uint16(b[4:6])))
		c.consume()
	case lbp.CmdSetTime:
		c.clock = lbp.UnpackTime(c.data())
		c.west = param
		c.store(lbp.SpadDataLow, c.Recovery)
		c.consume()
	case lbp.CmdSetParam:
		c.params[lbp.Param(param)] = c.data()
		c.consume()
	case lbp.CmdGetParam:
		c.setData(c.params[lbp.Param(param)])
		c.consume()
	default:
		c.consume()
	}
}

// Fail has the next cmd report the given error code.
func (c *Card) Fail(cmd lbp.Cmd, code uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[cmd] = code
}

// Raise reports an error now.
func (c *Card) Raise(code uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raise(code)
}

func (c *Card) raise(code uint32) {
	c.faulted = true
	c.store(lbp.SpadError, code)
	c.setStatus(lbp.CardReady | lbp.CardGeneralError)
}

// Hang leaves cmd unconsumed.
func (c *Card) Hang(cmd lbp.Cmd, hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangs[cmd] = hang
}

// Mute suppresses the handshake interrupt.
func (c *Card) Mute(mute bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mute = mute
}

// Stall keeps the card from becoming ready after the host does.
func (c *Card) Stall(stall bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = stall
}

// PowerUp reports a card back up after rebooting and rings the host.
func (c *Card) PowerUp(afterReboot bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bits := lbp.CardUp
	if afterReboot {
		bits |= lbp.CardAfterReboot
	}
	c.setStatus(bits)
	if c.Ring != nil {
		c.Ring(lbp.Doorbell)
	}
}

// SetParam presets a parameter value.
func (c *Card) SetParam(p lbp.Param, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[p] = v
}

func (c *Card) Param(p lbp.Param) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.params[p]
	return v, found
}

// CPUID assigned by the last handshake.
func (c *Card) CPUID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpuid
}

// Clock set by the host and its minutes west of UTC.
func (c *Card) Clock() (time.Time, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock, c.west
}

// Commands received so far, in order.
func (c *Card) Commands() []lbp.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]lbp.Cmd(nil), c.commands...)
}

// Ramdisk contents.
func (c *Card) Ramdisk() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.ramdisk...)
}

// Flashed returns the ramdisk as it was when cmd started flashing.
func (c *Card) Flashed(cmd lbp.Cmd) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flashed[cmd]
}

// Aperture is the host's window onto card memory as translated by the
// A-LUT registers in the shared register file.
func (c *Card) Aperture() regs.Aperture { return aperture{c} }

type aperture struct{ c *Card }

func (a aperture) Len() int { return int(a.c.ApertureLen) }

func (a aperture) WriteAt(b []byte, off int64) (int, error) {
	return a.c.access(b, off, true)
}

func (a aperture) ReadAt(b []byte, off int64) (int, error) {
	return a.c.access(b, off, false)
}

func (c *Card) access(b []byte, off int64, write bool) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || uint64(off)+uint64(len(b)) > c.ApertureLen {
		return 0, fmt.Errorf("aperture %#x+%#x: out of range", off,
			len(b))
	}
	for n < len(b) {
		seg := uint64(off) / c.SegmentSize
		within := uint64(off) % c.SegmentSize
		l := int(c.SegmentSize - within)
		if l > len(b)-n {
			l = len(b) - n
		}
		base, err := c.translate(int(seg))
		if err != nil {
			return n, err
		}
		addr := base + within
		if addr < c.RamdiskBase ||
			addr+uint64(l) > c.RamdiskBase+uint64(len(c.ramdisk)) {
			return n, fmt.Errorf("card address %#x+%#x: not in ramdisk",
				addr, l)
		}
		ram := c.ramdisk[addr-c.RamdiskBase:]
		if write {
			copy(ram, b[n:n+l])
		} else {
			copy(b[n:n+l], ram)
		}
		n += l
		off += int64(l)
	}
	return n, nil
}

func (c *Card) translate(seg int) (uint64, error) {
	o := c.ArrayBase + awt.EntryOffset(seg)
	if perm := c.Bar.Load32(o + awt.PermissionOffset); perm != awt.PermRead|awt.PermWrite {
		return 0, fmt.Errorf("A-LUT segment %d: permission %#x", seg, perm)
	}
	return uint64(c.Bar.Load32(o+awt.HigherRemapOffset))<<32 |
		uint64(c.Bar.Load32(o+awt.LowerRemapOffset)), nil
}
