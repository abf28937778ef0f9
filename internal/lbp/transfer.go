// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/dbg"
)

const (
	DefaultBufferSize = 1 << 20
	// Ramdisk allocations are requested in units of this many bytes.
	AllocUnit = 1 << 20
)

// Dbg traces every transferred chunk.
var Dbg = dbg.NoOp

// Windows rents aperture windows over card memory; *awt.Table is one.
type Windows interface {
	Map(addr, size uint64) (awt.Window, error)
	Unmap(awt.Window) error
	ApertureLen() uint64
}

// DMA copies src to the given aperture offset.
type DMA interface {
	Copy(ctx context.Context, off int64, src []byte) error
}

// chunkSize is the staging buffer size, down to a page if the aperture is
// too small for it.
func (c *Context) chunkSize() int {
	n := c.BufferSize
	if uint64(n) > c.Windows.ApertureLen() {
		n = os.Getpagesize()
		log.Print("daemon", "info", c.Key, " staging buffer reduced to ", n)
	}
	return n
}

// sendImage has the firmware allocate a ramdisk and copies the image into
// it, one staging buffer at a time, each through its own aperture window.
func (c *Context) sendImage(ctx context.Context, op string, image io.ReaderAt,
	size int64) error {
	s := c.Status()
	if s.Bits() != CardReady {
		return c.errorf(op, SpadWrongState, s, nil)
	}
	if c.Windows == nil || c.Aperture == nil {
		return c.errorf(op, InternalError, s,
			errors.New("no aperture"))
	}
	if size <= 0 {
		return c.errorf(op, BadParameterValue, s,
			fmt.Errorf("image size %d", size))
	}
	if c.DMA != nil {
		log.Print("daemon", "debug", c.Key, " copy image by DMA")
	} else {
		log.Print("daemon", "warn", c.Key, " copy image by memcpy")
	}
	buf := make([]byte, c.chunkSize())

	c.store(SpadDataLow, uint32((size+AllocUnit-1)/AllocUnit))
	c.store(SpadDataHigh, 0)
	c.store(SpadCmd, CmdMapRamdisk.Word(ParamBAR23))
	if _, err := c.await(ctx, op, CardDone, c.timeout(TimeoutAlloc),
		AllocTimeout); err != nil {
		return err
	}
	ramdisk := uint64(c.load(SpadDataHigh))<<32 |
		uint64(c.load(SpadDataLow))

	for off := int64(0); off < size; {
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := image.ReadAt(chunk, off); err != nil &&
			!(err == io.EOF && off+n == size) {
			return c.errorf(op, InternalError, c.Status(), err)
		}
		if err := c.copyChunk(ctx, ramdisk+uint64(off), chunk); err != nil {
			code := InternalError
			if errors.Is(err, awt.ErrNoSpace) {
				code = ResourceExhausted
			}
			return c.errorf(op, code, c.Status(), err)
		}
		off += n
	}
	TransferBytes.Add(float64(size))
	return nil
}

// copyChunk maps a window over the destination and copies with the DMA
// engine, falling back to aperture writes flushed by a read back.
func (c *Context) copyChunk(ctx context.Context, dst uint64, b []byte) error {
	w, err := c.Windows.Map(dst, uint64(len(b)))
	if err != nil {
		return err
	}
	defer c.Windows.Unmap(w)
	Dbg.Log(c.Key, " chunk ", fmt.Sprintf("%#x", dst), " len ", len(b),
		" window ", w.Segment, "+", w.Count,
		" offset ", fmt.Sprintf("%#x", w.Addr))
	off := int64(w.Addr)
	if c.DMA != nil {
		err = c.DMA.Copy(ctx, off, b)
		if err == nil {
			Chunks.WithLabelValues("dma").Inc()
			return nil
		}
		Dbg.Log(c.Key, " dma: ", err)
	}
	if _, err = c.Aperture.WriteAt(b, off); err != nil {
		return err
	}
	var last [1]byte
	if _, err = c.Aperture.ReadAt(last[:], off+int64(len(b))-1); err != nil {
		return err
	}
	Chunks.WithLabelValues("memcpy").Inc()
	return nil
}
