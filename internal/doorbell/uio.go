// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package doorbell

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// UIO delivers the interrupts of a uio_pci_generic bound device.
type UIO struct {
	rw io.ReadWriteCloser
}

// OpenUIO opens /dev/uioN.
func OpenUIO(minor int) (*UIO, error) {
	f, err := os.OpenFile(fmt.Sprint("/dev/uio", minor), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &UIO{rw: f}, nil
}

func NewUIO(rw io.ReadWriteCloser) *UIO { return &UIO{rw: rw} }

// Enable (re)arms the interrupt.
func (u *UIO) Enable() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	_, err := u.rw.Write(b[:])
	return err
}

// Wait blocks for the next interrupt and returns the total count.
func (u *UIO) Wait() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(u.rw, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (u *UIO) Close() error { return u.rw.Close() }

// Serve runs the dispatcher's immediate phase for each interrupt until the
// context is done or the device fails. The device is closed on return.
func (u *UIO) Serve(ctx context.Context, d *Dispatcher) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		u.Close()
	}()
	for {
		err := u.Enable()
		if err == nil {
			_, err = u.Wait()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.Interrupt()
	}
}
