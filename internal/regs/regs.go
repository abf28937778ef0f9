// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package regs provides 32-bit register and aperture access to a PCI BAR,
// either mmap'd from sysfs or backed by memory.
package regs

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Bar is a 32-bit register file.
type Bar interface {
	Load32(off uint) uint32
	Store32(off uint, v uint32)
}

// Aperture is a byte addressable window into remote memory.
type Aperture interface {
	io.ReaderAt
	io.WriterAt
	Len() int
}

// Region is a mapped BAR usable as either a register file or an aperture.
type Region struct {
	mem   []byte
	mu    sync.RWMutex
	unmap func([]byte) error
}

// NewMem returns a memory backed region of at least size bytes with 32-bit
// aligned words.
func NewMem(size int) *Region {
	words := make([]uint64, (size+7)/8)
	var mem []byte
	if len(words) > 0 {
		mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &Region{mem: mem}
}

func (r *Region) Len() int { return len(r.mem) }

func (r *Region) word(off uint) *uint32 {
	if off&3 != 0 || off+4 > uint(len(r.mem)) {
		panic(fmt.Errorf("regs: %#x: bad register offset", off))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) Load32(off uint) uint32 {
	return atomic.LoadUint32(r.word(off))
}

func (r *Region) Store32(off uint, v uint32) {
	atomic.StoreUint32(r.word(off), v)
}

func (r *Region) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.mem)) {
		return 0, io.EOF
	}
	r.mu.RLock()
	n := copy(b, r.mem[off:])
	r.mu.RUnlock()
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (r *Region) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(r.mem)) {
		return 0, io.ErrShortWrite
	}
	r.mu.Lock()
	n := copy(r.mem[off:], b)
	r.mu.Unlock()
	return n, nil
}

func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem := r.mem
	r.mem = nil
	if r.unmap != nil && mem != nil {
		return r.unmap(mem)
	}
	return nil
}
