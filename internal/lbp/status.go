// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import "fmt"

// Scratchpad register indices.
const (
	SpadBootParamLow = iota
	SpadBootParamHigh
	SpadCardReady
	SpadHostReady
	SpadCmd
	SpadDataLow
	SpadDataHigh
	SpadError
	NSpads
)

// SpadBase is the offset of the first scratchpad in the switch BAR.
const SpadBase = 0xc6c

// SpadOffset of scratchpad i relative to base.
func SpadOffset(base uint, i int) uint { return base + uint(i)*4 }

// Doorbell raised by the card firmware when it is ready for a handshake.
const Doorbell = 0

// Status is the card readiness register: a 24 bit state mask and the card's
// protocol version in the top byte.
type Status uint32

const (
	CardDown         Status = 0
	CardUp           Status = 1 << 0
	CardReady        Status = 1 << 1
	CardBusy         Status = 1 << 2
	CardBooting      Status = 1 << 3
	CardFlashing     Status = 1 << 4
	CardDone         Status = 1 << 5
	CardUEFIError    Status = 1 << 6
	CardGeneralError Status = 1 << 7

	CardOSReady        Status = 1 << 8
	CardNetDevReady    Status = 1 << 9
	CardNetDevUp       Status = 1 << 10
	CardNetDevDown     Status = 1 << 11
	CardNetDevNoIP     Status = 1 << 12
	CardDrvProbeDone   Status = 1 << 13
	CardDrvProbeError         = CardDrvProbeDone | CardGeneralError
	CardDHCPInProgress Status = 1 << 14
	CardDHCPDone       Status = 1 << 15
	CardDHCPError             = CardDHCPDone | CardGeneralError
	CardNFSMountDone   Status = 1 << 16
	CardNFSMountError         = CardNFSMountDone | CardGeneralError
	CardBootingBlockIO Status = 1 << 17
	CardSoftwareDown   Status = 1 << 18
	CardOSRebooting    Status = 1 << 19
	CardAfterReboot    Status = 1 << 20
	CardPowerDown      Status = 1 << 21
	CardPoweringDown   Status = 1 << 22
	CardBootingPXE     Status = 1 << 23

	CardAnyError = CardUEFIError | CardGeneralError

	statusMask = 1<<24 - 1
)

// MakeStatus packs state bits and a protocol version.
func MakeStatus(bits Status, v Version) Status {
	return bits&statusMask | Status(v)<<24
}

// Bits without the version.
func (s Status) Bits() Status { return s & statusMask }

func (s Status) Version() Version { return Version(s >> 24) }

func (s Status) String() string {
	return fmt.Sprintf("%#06x v%s", uint32(s.Bits()), s.Version())
}

// Version is a protocol version, major in the high nibble.
type Version uint8

const (
	Version02 Version = 0x02
	Version03 Version = 0x03
	Version04 Version = 0x04
	Version10 Version = 0x10
	Version11 Version = 0x11
	Version12 Version = 0x12
	Version20 Version = 0x20

	HostVersion = Version20
)

func (v Version) Major() int { return int(v >> 4) }
func (v Version) Minor() int { return int(v & 0xf) }

func (v Version) String() string {
	return fmt.Sprint(v.Major(), ".", v.Minor())
}

// Host readiness, low byte of the host readiness register. The other bytes
// carry the node's CPU id, PCI slot and NTB port.
const (
	HostNotReady      = 0
	HostWaitingForIRQ = 1 << 0
	HostReady         = 1 << 1
)

// Cmd is the opcode half of the command register. The firmware writes
// CmdInvalid back once it has consumed a command.
type Cmd uint16

const (
	CmdInvalid Cmd = iota
	CmdBootLoader
	CmdMapRamdisk
	CmdUnmapRamdisk
	CmdBootRamdisk
	CmdFlashFW
	CmdFlashBIOS
	CmdFlashOS
	CmdGetMACAddr
	CmdSetTime
	CmdSetParam
	CmdGetParam
	CmdClearError
	CmdBootBlockIO
	CmdBootPXE
)

var cmdNames = [...]string{
	CmdInvalid:      "invalid",
	CmdBootLoader:   "boot_loader",
	CmdMapRamdisk:   "map_ramdisk",
	CmdUnmapRamdisk: "unmap_ramdisk",
	CmdBootRamdisk:  "boot_ramdisk",
	CmdFlashFW:      "flash_fw",
	CmdFlashBIOS:    "flash_bios",
	CmdFlashOS:      "flash_os",
	CmdGetMACAddr:   "get_mac_addr",
	CmdSetTime:      "set_time",
	CmdSetParam:     "set_param",
	CmdGetParam:     "get_param",
	CmdClearError:   "clear_error",
	CmdBootBlockIO:  "boot_block_io",
	CmdBootPXE:      "boot_pxe",
}

func (c Cmd) String() string {
	if int(c) < len(cmdNames) {
		return cmdNames[c]
	}
	return fmt.Sprint("cmd(", uint16(c), ")")
}

// Word is the command register value for this opcode and parameter.
func (c Cmd) Word(param uint16) uint32 { return uint32(param)<<16 | uint32(c) }

// SplitCmd is the inverse of Cmd.Word.
func SplitCmd(w uint32) (Cmd, uint16) { return Cmd(w), uint16(w >> 16) }

// Ramdisk window selector for CmdMapRamdisk.
const (
	ParamBAR23 = 1
	ParamBAR45 = 2
)

// Error register values reported by the firmware.
const (
	ErrNoError = iota
	ErrAllocateRamdisk
	ErrMapRamdisk
	ErrBootRamdisk
	ErrSetParam
	ErrBootBlockIO
	ErrGetParam
)

// Recovery flags read from data low, version 0.4 and later.
const (
	GoldImage               = 0x01
	ProcessorTermTripStatus = 0x02
	PowerButtonOverride     = 0x04
)
