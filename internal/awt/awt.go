// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package awt manages the address window table (A-LUT) of an NTB aperture.
//
// The aperture is split into N equal, power of two sized segments, each
// independently translated to a 64-bit target address. A mapping takes a run
// of contiguous segments; the first segment of the run, its owner, carries
// the reference count and run length, the rest point back at it.
//
// Unmapping is lazy. A fresh run starts with two references; dropping the
// caller's reference leaves one, meaning "programmed but unused". Such runs
// are reused by later requests within their range, and are only reclaimed
// when an allocation can't otherwise find room.
package awt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/dbg"
	"github.com/platinasystems/vca/internal/regs"
)

var (
	ErrNoSpace       = errors.New("out of A-LUT segments")
	ErrAlreadyMapped = errors.New("already mapped")
	ErrSize          = errors.New("invalid size")
	ErrRange         = errors.New("address not in aperture")
	ErrNotMapped     = errors.New("not mapped")
)

// Debug enables a full table check after every mutation.
var Debug = false

// Dbg prints the table dump of failed checks.
var Dbg = dbg.NoOp

// Register layout relative to the array base.
const (
	LowerRemapOffset  = 0x000
	HigherRemapOffset = 0x400
	PermissionOffset  = 0x800
	BankOffset        = 0x1000
	BankLen           = 128
	MaxSegments       = 2 * BankLen

	PermWrite = 1 << 0
	PermRead  = 1 << 1

	ControlEnable = 1<<28 | 1<<31

	// Array base and control register of the first NTB port.
	DefaultArrayBase = 0x38000
	DefaultControl   = 0xc94
)

// EntryOffset of the given segment within any of the subarrays.
func EntryOffset(i int) uint {
	var bank uint
	if i >= BankLen {
		bank = BankOffset
	}
	return bank + uint(i%BankLen)*4
}

type State uint8

const (
	Free State = iota
	Owned
	Member
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Owned:
		return "owned"
	case Member:
		return "member"
	}
	return fmt.Sprint("state(", uint8(s), ")")
}

// Segment is one translation slot. Base, Refs and RunLen are only meaningful
// for the Owned state; Owner is the run's first index for Owned and Member.
type Segment struct {
	State  State
	Base   uint64
	Refs   uint16
	RunLen uint16
	Owner  uint16
}

// Window is a mapping returned by Map.
type Window struct {
	// First segment covering the requested address.
	Segment int
	// Number of segments covering the requested size.
	Count int
	// Aperture offset of the requested address.
	Addr uint64
}

// Config places the table in the switch register file.
type Config struct {
	// Offset of the A-LUT array in the BAR.
	ArrayBase uint
	// Offset of the A-LUT control register, zero if unused.
	Control uint
}

type Table struct {
	Config
	mu       sync.Mutex
	bar      regs.Bar
	segsize  uint64
	segments []Segment
	reclaims uint64
}

// New divides an aperture of the given length into n segments. The bar may
// be nil for a bookkeeping only table.
func New(bar regs.Bar, cfg Config, aperture uint64, n int) (*Table, error) {
	if n <= 0 || n > MaxSegments {
		return nil, fmt.Errorf("%d segments: %w", n, ErrSize)
	}
	segsize := aperture / uint64(n)
	if segsize == 0 || segsize&(segsize-1) != 0 {
		return nil, fmt.Errorf("segment size %#x: %w", segsize, ErrSize)
	}
	t := &Table{
		Config:   cfg,
		bar:      bar,
		segsize:  segsize,
		segments: make([]Segment, n),
	}
	log.Print("daemon", "info", "A-LUT aperture ", fmt.Sprintf("%#x", aperture),
		" segments ", n, " segment size ", fmt.Sprintf("%#x", segsize))
	return t, nil
}

func (t *Table) Len() int            { return len(t.segments) }
func (t *Table) SegmentSize() uint64 { return t.segsize }
func (t *Table) ApertureLen() uint64 { return t.segsize * uint64(len(t.segments)) }
func (t *Table) mask() uint64        { return t.segsize - 1 }

// Enable clears the table and hardware array then turns on translation.
func (t *Table) Enable() {
	t.Reset()
	if t.bar != nil && t.Control != 0 {
		t.bar.Store32(t.Control, ControlEnable)
	}
}

// Disable turns off translation without touching the table.
func (t *Table) Disable() {
	if t.bar != nil && t.Control != 0 {
		t.bar.Store32(t.Control, 0)
	}
}

// Reset clears every segment and its hardware registers.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.check()
	for i := range t.segments {
		t.segments[i] = Segment{}
		if t.bar != nil {
			o := t.ArrayBase + EntryOffset(i)
			t.bar.Store32(o+PermissionOffset, 0)
			t.bar.Store32(o+HigherRemapOffset, 0)
			t.bar.Store32(o+LowerRemapOffset, 0)
		}
	}
}

// Release drops the table; further use panics.
func (t *Table) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.check()
	t.segments = nil
}

// Map a window over [addr, addr+size). The returned window's Addr is the
// aperture offset through which the target is reached.
func (t *Table) Map(addr, size uint64) (Window, error) {
	id, n, err := t.AddEntry(addr, size)
	if err != nil && err != ErrAlreadyMapped {
		return Window{}, err
	}
	return Window{
		Segment: id,
		Count:   n,
		Addr:    uint64(id)*t.segsize + addr&t.mask(),
	}, nil
}

// Unmap drops the window's reference.
func (t *Table) Unmap(w Window) error {
	return t.UnmapAddr(w.Addr)
}

// UnmapAddr drops the reference of the mapping at the given aperture offset.
func (t *Table) UnmapAddr(addr uint64) error {
	if addr >= t.ApertureLen() {
		return fmt.Errorf("%#x: %w", addr, ErrRange)
	}
	_, _, err := t.DelEntry(int(addr / t.segsize))
	return err
}

// AddEntry finds or creates the run covering [addr, addr+size) and programs
// its translation. It returns the id of the segment covering addr and the
// number of segments covering size. ErrAlreadyMapped accompanies a valid
// result when an existing run was reused without register writes.
func (t *Table) AddEntry(addr, size uint64) (id, n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size == 0 || size > t.ApertureLen() {
		log.Print("daemon", "err", "A-LUT request size ", size, ": ", ErrSize)
		return 0, 0, ErrSize
	}
	id, n, err = t.add(addr, size)
	if err == ErrNoSpace && t.reclaim() > 0 {
		id, n, err = t.add(addr, size)
	}
	if err == ErrNoSpace {
		log.Print("daemon", "err", ErrNoSpace)
	}
	return
}

func (t *Table) add(addr, size uint64) (id, n int, err error) {
	defer t.check()
	base := addr &^ t.mask()
	n = int((addr&t.mask() + size + t.segsize - 1) / t.segsize)
	match, idx, free := -1, 0, 0
scan:
	for i := 0; i < len(t.segments); {
		s := &t.segments[i]
		if s.Refs == 0 {
			if match < 0 {
				free++
				if free == n {
					match = i - n + 1
				}
			}
			i++
			continue
		}
		free = 0
		if base >= s.Base {
			j := (base - s.Base) / t.segsize
			if j < uint64(len(t.segments)) && int(j)+n <= int(s.RunLen) {
				match, idx = i, int(j)
				break scan
			}
		}
		i += int(s.RunLen)
	}
	if match < 0 {
		return 0, n, ErrNoSpace
	}
	owner := &t.segments[match]
	if owner.Refs != 0 {
		owner.Refs++
		return match + idx, n, ErrAlreadyMapped
	}
	owner.State = Owned
	owner.Base = base
	owner.RunLen = uint16(n)
	owner.Owner = uint16(match)
	for i := match + 1; i < match+n; i++ {
		t.segments[i] = Segment{State: Member, Owner: uint16(match)}
	}
	// one reference for the lazy table, one for the caller
	owner.Refs = 2
	t.program(match, n, base)
	return match, n, nil
}

func (t *Table) program(first, n int, base uint64) {
	if t.bar == nil {
		return
	}
	var last uint
	for i := first; i < first+n; i++ {
		o := t.ArrayBase + EntryOffset(i)
		t.bar.Store32(o+HigherRemapOffset, uint32(base>>32))
		t.bar.Store32(o+LowerRemapOffset, uint32(base))
		t.bar.Store32(o+PermissionOffset, PermRead|PermWrite)
		last = o + PermissionOffset
		base += t.segsize
	}
	// flush posted writes
	t.bar.Load32(last)
}

func (t *Table) clear(first, n int) {
	for i := first; i < first+n; i++ {
		t.segments[i] = Segment{}
		if t.bar != nil {
			t.bar.Store32(t.ArrayBase+EntryOffset(i)+PermissionOffset, 0)
		}
	}
}

// DelEntry drops a reference of the run containing segment id. If that was
// the last reference, the run is cleared and its start and length returned;
// otherwise n is zero.
func (t *Table) DelEntry(id int) (start, n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.segments) {
		return 0, 0, fmt.Errorf("segment %d: %w", id, ErrRange)
	}
	return t.del(id)
}

func (t *Table) del(id int) (start, n int, err error) {
	defer t.check()
	if t.segments[id].State == Free {
		return id, 0, fmt.Errorf("segment %d: %w", id, ErrNotMapped)
	}
	start = int(t.segments[id].Owner)
	owner := &t.segments[start]
	if owner.Refs == 0 {
		return start, 0, fmt.Errorf("segment %d: %w", id, ErrNotMapped)
	}
	owner.Refs--
	if owner.Refs != 0 {
		return start, 0, nil
	}
	n = int(owner.RunLen)
	t.clear(start, n)
	return start, n, nil
}

// reclaim every programmed but unused run.
func (t *Table) reclaim() (n int) {
	for i := 0; i < len(t.segments); i++ {
		if t.segments[i].State == Owned && t.segments[i].Refs == 1 {
			t.del(i)
			n++
		}
	}
	if n > 0 {
		t.reclaims++
		log.Print("daemon", "debug", "A-LUT reclaimed ", n, " runs")
	}
	return
}

func (t *Table) check() {
	if !Debug {
		return
	}
	if err := t.validate(); err != nil {
		Dbg.Log(err)
		for i, s := range t.segments {
			Dbg.Logf("[%02x] %s base:%016x refs:%d run:%d owner:%02x",
				i, s.State, s.Base, s.Refs, s.RunLen, s.Owner)
		}
		panic(err)
	}
}

// Check validates the run invariants of the table.
func (t *Table) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validate()
}

func (t *Table) validate() error {
	for i := 0; i < len(t.segments); {
		s := t.segments[i]
		switch {
		case s.Refs == 0:
			if s != (Segment{}) {
				return fmt.Errorf("A-LUT: invalid free segment %#x", i)
			}
			i++
			continue
		case s.State != Owned || int(s.Owner) != i:
			return fmt.Errorf("A-LUT: referenced segment %#x isn't an owner", i)
		case s.RunLen == 0:
			return fmt.Errorf("A-LUT: segment %#x: zero length run", i)
		case i+int(s.RunLen) > len(t.segments):
			return fmt.Errorf("A-LUT: segment %#x: run too long", i)
		}
		for j := i + 1; j < i+int(s.RunLen); j++ {
			m := t.segments[j]
			if m.State != Member || int(m.Owner) != i || m.Refs != 0 ||
				m.RunLen != 0 || m.Base != 0 {
				return fmt.Errorf("A-LUT: segment %#x: invalid member of %#x",
					j, i)
			}
		}
		i += int(s.RunLen)
	}
	return nil
}

// Stats summarizes segment use.
type Stats struct {
	Free, Owned, Member, Unused int
	Reclaims                    uint64
}

func (t *Table) Stats() (st Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.segments {
		switch s.State {
		case Free:
			st.Free++
		case Owned:
			st.Owned++
			if s.Refs == 1 {
				st.Unused++
			}
		case Member:
			st.Member++
		}
	}
	st.Reclaims = t.reclaims
	return
}

// Segments returns a copy of the table.
func (t *Table) Segments() []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Segment(nil), t.segments...)
}
