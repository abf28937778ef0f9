// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package regs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var SysBusPciDevices = "/sys/bus/pci/devices"

// Resource returns the sysfs file of the given device BAR.
func Resource(addr string, bar uint) string {
	return filepath.Join(SysBusPciDevices, addr, fmt.Sprint("resource", bar))
}

// Map the given device BAR.
func MapResource(addr string, bar uint) (*Region, error) {
	return Mmap(Resource(addr, bar))
}

// Mmap a sysfs resource file read/write and shared.
func Mmap(fn string) (*Region, error) {
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: empty resource", fn)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", fn, err)
	}
	return &Region{
		mem: mem,
		unmap: func(b []byte) error {
			if err := unix.Munmap(b); err != nil {
				return fmt.Errorf("munmap %s: %w", fn, err)
			}
			return nil
		},
	}, nil
}
