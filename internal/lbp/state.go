// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"fmt"

	"github.com/platinasystems/log"
)

// State is the card node lifecycle state as reported to users.
type State int

const (
	BiosDown State = iota
	BiosUp
	BiosReady
	OSReady
	NetDevReady
	Booting
	Flashing
	Resetting
	Busy
	Done
	ErrorState
	NetDevUp
	NetDevDown
	NetDevNoIP
	DrvProbeDone
	DrvProbeError
	DHCPInProgress
	DHCPDone
	DHCPError
	NFSMountDone
	NFSMountError
	LinkDown
	BootingBlockIO
	OSRebooting
	AfterReboot
	PowerDown
	PoweringDown
	BootingPXE
	NStates
)

var stateNames = [...]string{
	BiosDown:       "bios_down",
	BiosUp:         "bios_up",
	BiosReady:      "bios_ready",
	OSReady:        "os_ready",
	NetDevReady:    "net_device_ready",
	Booting:        "booting",
	Flashing:       "flashing",
	Resetting:      "resetting",
	Busy:           "busy",
	Done:           "done",
	ErrorState:     "error",
	NetDevUp:       "net_device_up",
	NetDevDown:     "net_device_down",
	NetDevNoIP:     "net_device_no_ip",
	DrvProbeDone:   "drv_probe_done",
	DrvProbeError:  "drv_probe_error",
	DHCPInProgress: "dhcp_in_progress",
	DHCPDone:       "dhcp_done",
	DHCPError:      "dhcp_error",
	NFSMountDone:   "nfs_mount_done",
	NFSMountError:  "nfs_mount_error",
	LinkDown:       "link_down",
	BootingBlockIO: "booting_blockio",
	OSRebooting:    "os_rebooting",
	AfterReboot:    "waiting_for_boot",
	PowerDown:      "power_off",
	PoweringDown:   "powering_down",
	BootingPXE:     "booting_pxe",
}

// stateBits is what SetState writes; every state but Resetting has one.
var stateBits = map[State]Status{
	BiosDown:       CardDown,
	BiosUp:         CardUp,
	BiosReady:      CardReady,
	OSReady:        CardOSReady,
	NetDevReady:    CardNetDevReady,
	Booting:        CardBooting,
	Flashing:       CardFlashing,
	Busy:           CardBusy,
	Done:           CardDone,
	ErrorState:     CardGeneralError,
	NetDevUp:       CardNetDevUp,
	NetDevDown:     CardNetDevDown,
	NetDevNoIP:     CardNetDevNoIP,
	DrvProbeDone:   CardDrvProbeDone,
	DrvProbeError:  CardDrvProbeError,
	DHCPInProgress: CardDHCPInProgress,
	DHCPDone:       CardDHCPDone,
	DHCPError:      CardDHCPError,
	NFSMountDone:   CardNFSMountDone,
	NFSMountError:  CardNFSMountError,
	LinkDown:       CardSoftwareDown,
	BootingBlockIO: CardBootingBlockIO,
	OSRebooting:    CardOSRebooting,
	AfterReboot:    CardUp | CardAfterReboot,
	PowerDown:      CardPowerDown,
	PoweringDown:   CardPoweringDown,
	BootingPXE:     CardBootingPXE,
}

// bitsState is the exact match table of State. The firmware reports
// powering down together with net device down.
var bitsState = map[Status]State{
	CardUEFIError:                     ErrorState,
	CardGeneralError:                  ErrorState,
	CardPoweringDown | CardNetDevDown: PoweringDown,
}

func init() {
	for st, bits := range stateBits {
		if _, found := bitsState[bits]; !found {
			bitsState[bits] = st
		}
	}
}

func (st State) String() string {
	if st >= 0 && st < NStates {
		return stateNames[st]
	}
	return fmt.Sprint("state(", int(st), ")")
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return ErrorState, fmt.Errorf("%q: unknown state", s)
}

// StateOf decodes the card readiness bits.
func StateOf(s Status) State {
	if st, found := bitsState[s.Bits()]; found {
		return st
	}
	if s&CardPowerDown != 0 {
		return PowerDown
	}
	return ErrorState
}

// State of the card node. It takes no lock and may be called during any
// operation.
func (c *Context) State() State {
	if c.Resetting() {
		return Resetting
	}
	return StateOf(c.Status())
}

// SetState writes the card readiness bits of the given state, keeping the
// protocol version. It takes no lock.
func (c *Context) SetState(st State) error {
	const op = "set_state"
	if c.Resetting() {
		return c.errorf(op, InternalError, 0, errResetting)
	}
	bits, found := stateBits[st]
	if !found {
		return c.errorf(op, BadParameterValue, 0,
			fmt.Errorf("state %v", st))
	}
	s := c.Status()
	c.store(SpadCardReady, uint32(MakeStatus(bits, s.Version())))
	log.Print("daemon", "debug", c.Key, " state ", StateOf(s), " -> ", st)
	return nil
}

// Recovery reports the BIOS recovery jumper.
type Recovery int

const (
	JumperClose Recovery = iota
	JumperOpen
	NonReadable
)

func (r Recovery) String() string {
	switch r {
	case JumperClose:
		return "jumper_close"
	case JumperOpen:
		return "jumper_open"
	case NonReadable:
		return "non_readable"
	}
	return fmt.Sprint("recovery(", int(r), ")")
}

// Recovery reads the gold image flag from cards at version 0.4 or later
// that are up or ready.
func (c *Context) Recovery() Recovery {
	if c.Resetting() {
		return NonReadable
	}
	s := c.Status()
	if v := s.Version(); v < Version04 {
		log.Print("daemon", "err", c.Key, " recovery state needs protocol ",
			Version04, ", card is ", v)
		return NonReadable
	}
	switch s.Bits() {
	case CardUp, CardUp | CardAfterReboot, CardReady:
		if c.load(SpadDataLow)&GoldImage != 0 {
			return JumperOpen
		}
		return JumperClose
	}
	return NonReadable
}
