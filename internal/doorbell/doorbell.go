// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package doorbell demultiplexes the NTB doorbell interrupt into per source
// callbacks.
//
// Each interrupt is handled in two phases. The immediate phase reads and
// clears the doorbell status, runs the immediate handlers of every set source
// and marks the source pending. The deferred phase, run by a separate
// goroutine, runs the deferred handlers of every pending source. Handlers
// must not Register or Unregister.
package doorbell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/pool"
	"github.com/platinasystems/vca/internal/regs"
)

// Register offsets within a doorbell block.
const (
	DBIS  = 0xc4c // set
	DBIC  = 0xc50 // clear
	DBIMS = 0xc54 // mask set
	DBIMC = 0xc58 // mask clear
)

const (
	MaxSources = 16
	MaxIDs     = 256
	allSources = 1<<MaxSources - 1
)

var ErrNoIDs = errors.New("no available callback ids")

// Handler is called with the interrupting source.
type Handler func(src int)

type Config struct {
	// Offset of the local doorbell block.
	Local uint
	// Offset of the peer's doorbell block.
	Peer uint
	// Number of sources, at most and by default MaxSources.
	Sources int
}

type callback struct {
	id        int
	name      string
	immediate Handler
	deferred  Handler
}

type Dispatcher struct {
	Config
	bar regs.Bar

	// Lock order: deferredMu then immediateMu.
	deferredMu  sync.Mutex
	immediateMu sync.Mutex

	lists   [][]*callback
	ids     pool.Pool
	pending uint32
	next    uint32
	wake    chan struct{}
}

func New(bar regs.Bar, cfg Config) *Dispatcher {
	if cfg.Sources <= 0 || cfg.Sources > MaxSources {
		cfg.Sources = MaxSources
	}
	d := &Dispatcher{
		Config: cfg,
		bar:    bar,
		lists:  make([][]*callback, cfg.Sources),
		wake:   make(chan struct{}, 1),
	}
	d.ids.SetMaxLen(MaxIDs)
	return d
}

// Enable unmasks every doorbell.
func (d *Dispatcher) Enable() { d.bar.Store32(d.Local+DBIMC, allSources) }

// Disable masks every doorbell.
func (d *Dispatcher) Disable() { d.bar.Store32(d.Local+DBIMS, allSources) }

// Ring the peer's doorbell.
func (d *Dispatcher) Ring(db int) { d.bar.Store32(d.Peer+DBIS, 1<<uint(db)) }

// Ack reads and clears the pending doorbells.
func (d *Dispatcher) Ack() uint32 {
	mask := d.bar.Load32(d.Local + DBIC)
	d.bar.Store32(d.Local+DBIC, mask)
	return mask
}

// NextDoorbell hands out sources round robin, skipping 0, which is reserved
// for the boot protocol.
func (d *Dispatcher) NextDoorbell() int {
	n := atomic.AddUint32(&d.next, 1) - 1
	return int(n%uint32(d.Sources-1)) + 1
}

// Register appends handlers to the source's list; either may be nil.
func (d *Dispatcher) Register(src int, immediate, deferred Handler,
	name string) (int, error) {
	if src < 0 || src >= d.Sources {
		return -1, fmt.Errorf("doorbell %d: out of range", src)
	}
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	i, err := d.ids.GetIndex()
	if err != nil {
		log.Print("daemon", "err", ErrNoIDs)
		return -1, ErrNoIDs
	}
	cb := &callback{
		id:        int(i),
		name:      name,
		immediate: immediate,
		deferred:  deferred,
	}
	if l := d.lists[src]; len(l) > 0 {
		log.Print("daemon", "warn", "interrupt ", src, " shared")
		for _, x := range l {
			log.Print("daemon", "warn", "interrupt ", src, " has ",
				x.name)
		}
	}
	d.lists[src] = append(d.lists[src], cb)
	return cb.id, nil
}

// Unregister returns the source of the removed callback, or Sources if
// the id isn't registered.
func (d *Dispatcher) Unregister(id int) int {
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	for src, l := range d.lists {
		for i, cb := range l {
			if cb.id == id {
				d.lists[src] = append(l[:i:i], l[i+1:]...)
				d.ids.PutIndex(uint(id))
				return src
			}
		}
	}
	return d.Sources
}

// Release drops every registration.
func (d *Dispatcher) Release() {
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	for src := range d.lists {
		d.lists[src] = nil
	}
	d.ids.Reset()
}

// Registered returns the number of callbacks on the given source.
func (d *Dispatcher) Registered(src int) int {
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	return len(d.lists[src])
}

// Interrupt runs the immediate phase on the acknowledged doorbells and
// wakes the deferred phase. An empty status is retriggered delivery of
// doorbells already handled; it's not an error.
func (d *Dispatcher) Interrupt() {
	if mask := d.Ack(); mask != 0 {
		d.Immediate(mask)
	}
}

// Immediate runs the immediate handlers of each source in mask then marks
// the source pending for the deferred phase.
func (d *Dispatcher) Immediate(mask uint32) {
	if mask == 0 {
		return
	}
	d.immediateMu.Lock()
	for src := 0; src < d.Sources; src++ {
		if mask&(1<<uint(src)) == 0 {
			continue
		}
		for _, cb := range d.lists[src] {
			if cb.immediate != nil {
				cb.immediate(src)
			}
		}
		setBit(&d.pending, src)
	}
	d.immediateMu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Deferred runs the deferred handlers of each pending source.
func (d *Dispatcher) Deferred() {
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	for src := 0; src < d.Sources; src++ {
		if !testAndClearBit(&d.pending, src) {
			continue
		}
		for _, cb := range d.lists[src] {
			if cb.deferred != nil {
				cb.deferred(src)
			}
		}
	}
}

// Run the deferred phase each time the immediate phase has marked work
// until the context is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.Deferred()
		}
	}
}

func setBit(p *uint32, i int) {
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old|1<<uint(i)) {
			return
		}
	}
}

func testAndClearBit(p *uint32, i int) bool {
	for {
		old := atomic.LoadUint32(p)
		if old&(1<<uint(i)) == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(p, old, old&^(1<<uint(i))) {
			return true
		}
	}
}
