// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/platinasystems/log"
)

// BootRamdisk copies the image into a card ramdisk and boots it.
func (c *Context) BootRamdisk(ctx context.Context, image io.ReaderAt,
	size int64) (err error) {
	const op = "boot_ramdisk"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if err = c.sendImage(ctx, op, image, size); err != nil {
		return
	}
	c.store(SpadCmd, CmdBootRamdisk.Word(0))
	_, err = c.await(ctx, op, CardBooting|CardOSReady,
		c.timeout(TimeoutCmd), CmdTimeout)
	return
}

// BootBlockIO boots from the node's block device backend and returns the
// firmware's device page address for it.
func (c *Context) BootBlockIO(ctx context.Context) (devpage uint64, err error) {
	const op = "boot_blockio"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if s := c.Status(); s.Bits() != CardReady {
		return 0, c.errorf(op, SpadWrongState, s, nil)
	}
	c.store(SpadCmd, CmdBootBlockIO.Word(0))
	if _, err = c.await(ctx, op, CardBootingBlockIO|CardOSReady,
		c.timeout(TimeoutCmd), CmdTimeout); err != nil {
		return
	}
	devpage = uint64(c.load(SpadDataHigh))<<32 | uint64(c.load(SpadDataLow))
	log.Print("daemon", "info", c.Key, " block io device page ",
		fmt.Sprintf("%#x", devpage))
	return devpage, nil
}

// BootPXE boots from the network. The node's PXE backend must be ready.
func (c *Context) BootPXE(ctx context.Context) (err error) {
	const op = "boot_pxe"
	defer c.observe(op, time.Now(), &err)
	if c.Netboot == nil || !c.Netboot.Ready() {
		return c.errorf(op, BadParameterValue, 0,
			fmt.Errorf("PXE boot not activated"))
	}
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if s := c.Status(); s.Bits() != CardReady {
		return c.errorf(op, SpadWrongState, s, nil)
	}
	c.store(SpadCmd, CmdBootPXE.Word(0))
	if _, err = c.await(ctx, op, CardBootingPXE|CardOSReady,
		c.timeout(TimeoutCmd), CmdTimeout); err != nil {
		return
	}
	c.Netboot.Go()
	return nil
}

// BootUSB has the firmware boot its own loader, from USB.
func (c *Context) BootUSB(ctx context.Context) (err error) {
	const op = "boot_usb"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	c.store(SpadCmd, CmdBootLoader.Word(0))
	_, err = c.await(ctx, op, CardBooting, c.timeout(TimeoutCmd),
		CmdTimeout)
	return
}

// FlashKind selects what Flash writes.
type FlashKind int

const (
	FlashBIOS FlashKind = iota
	FlashMAC
	FlashSN
	FlashSMBEvents
	NFlashKinds
)

var flashNames = [...]string{
	FlashBIOS:      "bios",
	FlashMAC:       "mac",
	FlashSN:        "sn",
	FlashSMBEvents: "smb_events",
}

func (k FlashKind) String() string {
	if k >= 0 && k < NFlashKinds {
		return flashNames[k]
	}
	return fmt.Sprint("flash(", int(k), ")")
}

func ParseFlashKind(s string) (FlashKind, error) {
	for i, name := range flashNames {
		if name == s {
			return FlashKind(i), nil
		}
	}
	return 0, fmt.Errorf("%q: unknown flash kind", s)
}

// Flash copies the image to the card and has the firmware write it. MAC
// and serial number updates are firmware writes bounded by the mac_write
// timeout; BIOS images and the SMBIOS event log clear may take minutes.
func (c *Context) Flash(ctx context.Context, kind FlashKind, image io.ReaderAt,
	size int64) (err error) {
	op := "flash_" + kind.String()
	defer c.observe(op, time.Now(), &err)
	var cmd Cmd
	done := time.Duration(FlashTimeout) * time.Millisecond
	switch kind {
	case FlashBIOS, FlashSMBEvents:
		cmd = CmdFlashBIOS
	case FlashMAC, FlashSN:
		cmd = CmdFlashFW
		done = c.timeout(TimeoutMacWrite)
	default:
		return c.errorf(op, BadParameterValue, 0, fmt.Errorf("%v", kind))
	}
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if err = c.sendImage(ctx, op, image, size); err != nil {
		return
	}
	c.store(SpadCmd, cmd.Word(0))
	if _, err = c.await(ctx, op, CardFlashing, c.timeout(TimeoutCmd),
		CmdTimeout); err != nil {
		return
	}
	log.Print("daemon", "info", c.Key, " ", op, " started")
	if _, err = c.await(ctx, op, CardDone, done, CmdTimeout); err != nil {
		return
	}
	log.Print("daemon", "info", c.Key, " ", op, " done")
	return nil
}
