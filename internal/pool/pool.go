// Copyright 2016-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool allocates small integer identifiers from a bounded free list.
package pool

import "errors"

// ErrTooLarge is returned by GetIndex when the pool is at MaxLen.
var ErrTooLarge = errors.New("pool: too large")

// Pool is not safe for concurrent use; its owner serializes access.
type Pool struct {
	// Vector of free indices, last freed is first reused.
	freeIndices []uint32
	// Bitmap of free indices.
	freeBitmap []uint64
	// Number of indices ever handed out.
	len uint
	// Non-zero to limit size of pool.
	maxLen uint
}

// GetIndex returns the most recently freed index or else the next new one.
func (p *Pool) GetIndex() (i uint, err error) {
	if l := len(p.freeIndices); l != 0 {
		i = uint(p.freeIndices[l-1])
		p.freeIndices = p.freeIndices[:l-1]
		p.freeBitmap[i/64] &^= 1 << (i % 64)
		return i, nil
	}
	if p.maxLen != 0 && p.len >= p.maxLen {
		return p.maxLen, ErrTooLarge
	}
	i = p.len
	p.len++
	return i, nil
}

// PutIndex frees the given index; ok is false if it was already free or never
// allocated.
func (p *Pool) PutIndex(i uint) (ok bool) {
	if i >= p.len || p.IsFree(i) {
		return false
	}
	for uint(len(p.freeBitmap)) <= i/64 {
		p.freeBitmap = append(p.freeBitmap, 0)
	}
	p.freeIndices = append(p.freeIndices, uint32(i))
	p.freeBitmap[i/64] |= 1 << (i % 64)
	return true
}

func (p *Pool) Reset() {
	p.freeIndices = p.freeIndices[:0]
	p.freeBitmap = p.freeBitmap[:0]
	p.len = 0
}

func (p *Pool) IsFree(i uint) bool {
	return i/64 < uint(len(p.freeBitmap)) &&
		p.freeBitmap[i/64]&(1<<(i%64)) != 0
}

// InUse returns the number of allocated indices.
func (p *Pool) InUse() uint { return p.len - uint(len(p.freeIndices)) }

func (p *Pool) Len() uint        { return p.len }
func (p *Pool) FreeLen() uint    { return uint(len(p.freeIndices)) }
func (p *Pool) MaxLen() uint     { return p.maxLen }
func (p *Pool) SetMaxLen(x uint) { p.maxLen = x }
