// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/platinasystems/log"
)

// Param identifies a BIOS parameter of CmdSetParam and CmdGetParam.
type Param uint16

const (
	ParamInvalid Param = iota
	ParamCPUMaxFreqNonTurbo
	ParamBiosVersion
	ParamBiosBuildDate
	ParamSGX
	ParamGPUAperture
	ParamTDP
	ParamGPU
	ParamHT
	ParamSGXMem
	ParamEpoch0
	ParamEpoch1
)

const (
	ParamEpochMax Param = ParamEpoch0 + 15 + iota
	ParamGetSMBIOSTable
	ParamSGXOwnerEpochType
	ParamSGXToFactory
)

// CPU frequency values. Cards at version 0.2 and older encode "turbo" as
// the top of their 8 to 17 range.
const (
	CPUStartTurbo       = 0
	LegacyCPUStartTurbo = 17
	LegacyCPUFreqMin    = 8
	LegacyCPUFreqMax    = 17
)

type paramInfo struct {
	name string
	min  Version
	// Readable from the handshake cache.
	cached bool
}

var params = map[Param]paramInfo{
	ParamCPUMaxFreqNonTurbo: {"cpu_max_freq_non_turbo", Version02, false},
	ParamBiosVersion:        {"bios_version", Version11, true},
	ParamBiosBuildDate:      {"bios_build_date", Version11, true},
	ParamSGX:                {"sgx", Version12, true},
	ParamGPUAperture:        {"gpu_aperture", Version12, true},
	ParamTDP:                {"tdp", Version12, true},
	ParamGPU:                {"gpu", Version20, true},
	ParamHT:                 {"ht", Version20, true},
	ParamSGXMem:             {"sgx_mem", Version12, false},
	ParamEpoch0:             {"epoch0", Version12, false},
	ParamEpoch1:             {"epoch1", Version12, false},
	ParamSGXOwnerEpochType:  {"sgx_owner_epoch_type", Version12, false},
	ParamSGXToFactory:       {"sgx_to_factory", Version12, false},
}

// cachedParams are read right after each successful handshake, in order.
var cachedParams = []Param{
	ParamBiosBuildDate,
	ParamBiosVersion,
	ParamSGX,
	ParamGPU,
	ParamGPUAperture,
	ParamTDP,
	ParamHT,
}

func (p Param) String() string {
	if info, found := params[p]; found {
		return info.name
	}
	return fmt.Sprint("param(", uint16(p), ")")
}

// MinVersion is the lowest card protocol version supporting the parameter.
func (p Param) MinVersion() Version { return params[p].min }

// ParseParam looks up a parameter by name or number.
func ParseParam(s string) (Param, error) {
	for p, info := range params {
		if info.name == s {
			return p, nil
		}
	}
	var n uint16
	if _, err := fmt.Sscan(s, &n); err == nil {
		if _, found := params[Param(n)]; found {
			return Param(n), nil
		}
	}
	return ParamInvalid, fmt.Errorf("%q: %w", s, UnknownParameter)
}

// Params lists the known parameter names, sorted.
func Params() []string {
	ss := make([]string, 0, len(params))
	for _, info := range params {
		ss = append(ss, info.name)
	}
	sort.Strings(ss)
	return ss
}

// supported checks the parameter against the card's protocol version.
func (c *Context) supported(op string, p Param, s Status) error {
	info, found := params[p]
	if !found {
		return c.errorf(op, UnknownParameter, s,
			fmt.Errorf("parameter %d", uint16(p)))
	}
	if s.Version() < info.min {
		log.Print("daemon", "err", c.Key, " ", op, ": ", p,
			" needs protocol version ", info.min, ", card is ",
			s.Version())
		return c.errorf(op, ProtocolVersionMismatch, s, nil)
	}
	return nil
}

// SetParam writes a BIOS parameter. The card must be ready.
func (c *Context) SetParam(ctx context.Context, p Param, v uint64) (err error) {
	const op = "set_param"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	s := c.Status()
	if err = c.supported(op, p, s); err != nil {
		return
	}
	if s.Bits() != CardReady {
		return c.errorf(op, SpadWrongState, s, nil)
	}
	if p == ParamCPUMaxFreqNonTurbo && v == CPUStartTurbo &&
		s.Version() <= Version02 {
		log.Print("daemon", "warn", c.Key, " card protocol ",
			s.Version(), " is older than ", HostVersion,
			", sending legacy turbo value")
		v = LegacyCPUStartTurbo
	}
	c.store(SpadDataLow, uint32(v))
	c.store(SpadDataHigh, uint32(v>>32))
	c.store(SpadCmd, CmdSetParam.Word(uint16(p)))
	if err = c.consumed(ctx, op); err != nil {
		return
	}
	if reg := c.load(SpadError); reg != ErrNoError {
		return c.cardError(ctx, op, c.Status())
	}
	return nil
}

// GetParam reads a BIOS parameter. Cached parameters come from the last
// handshake when the card can't answer live: it isn't up or ready, or it
// reports no protocol version at all.
func (c *Context) GetParam(ctx context.Context, p Param) (v uint64, err error) {
	const op = "get_param"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	info, found := params[p]
	if !found {
		return 0, c.errorf(op, UnknownParameter, 0,
			fmt.Errorf("parameter %d", uint16(p)))
	}
	s := c.Status()
	if !info.cached {
		if s.Bits() != CardReady {
			return 0, c.errorf(op, SpadWrongState, s, nil)
		}
		return c.fetch(ctx, op, p)
	}
	switch {
	case s.Version() < info.min && s.Version() == 0:
		return c.cached(op, p)
	case s.Version() < info.min:
		return 0, c.supported(op, p, s)
	case s.Bits() != CardReady && s.Bits() != CardUp:
		return c.cached(op, p)
	}
	return c.fetch(ctx, op, p)
}

// fetch reads a parameter live. The card clock is refreshed afterwards,
// which also has the firmware update its recovery flags.
func (c *Context) fetch(ctx context.Context, op string, p Param) (uint64, error) {
	s := c.Status()
	if err := c.supported(op, p, s); err != nil {
		return 0, err
	}
	c.store(SpadCmd, CmdGetParam.Word(uint16(p)))
	if err := c.consumed(ctx, op); err != nil {
		return 0, err
	}
	v := uint64(c.load(SpadDataLow))
	if p == ParamCPUMaxFreqNonTurbo {
		if s.Version() <= Version02 {
			if v == LegacyCPUStartTurbo {
				v = CPUStartTurbo
			} else if v < LegacyCPUFreqMin || v > LegacyCPUFreqMax {
				return 0, c.errorf(op, BadParameterValue, s,
					fmt.Errorf("cpu frequency %d", v))
			}
		}
	} else {
		v |= uint64(c.load(SpadDataHigh)) << 32
	}
	if c.Status().Bits() == CardReady {
		if err := c.sendTime(ctx, op, time.Now()); err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (c *Context) cached(op string, p Param) (uint64, error) {
	if v, found := c.cache[p]; found {
		return v, nil
	}
	log.Print("daemon", "err", c.Key, " ", op, ": no cached ", p)
	return 0, c.errorf(op, BiosInfoCacheEmpty, c.Status(), nil)
}

// Cached returns the handshake's copy of a parameter.
func (c *Context) Cached(p Param) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.cache[p]
	return v, found
}

// fillCache stops at the first parameter the card can't provide.
func (c *Context) fillCache(ctx context.Context, op string) {
	for _, p := range cachedParams {
		v, err := c.fetch(ctx, op, p)
		if err != nil {
			log.Print("daemon", "err", c.Key,
				" can't retrieve bios information: ", err)
			return
		}
		c.cache[p] = v
	}
}

// MAC reads the card's ethernet address. The card must be ready.
func (c *Context) MAC(ctx context.Context) (mac net.HardwareAddr, err error) {
	const op = "get_mac"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if s := c.Status(); s.Bits() != CardReady {
		return nil, c.errorf(op, SpadWrongState, s, nil)
	}
	c.store(SpadCmd, CmdGetMACAddr.Word(0))
	if err = c.consumed(ctx, op); err != nil {
		return
	}
	if _, err = c.await(ctx, op, CardReady, c.timeout(TimeoutCmd),
		CmdTimeout); err != nil {
		return
	}
	mac = make(net.HardwareAddr, 6)
	binary.LittleEndian.PutUint32(mac[0:4], c.load(SpadDataHigh))
	binary.LittleEndian.PutUint16(mac[4:6], uint16(c.load(SpadDataLow)))
	return mac, nil
}

// SetTime sets the card clock. The card must be ready.
func (c *Context) SetTime(ctx context.Context, t time.Time) (err error) {
	const op = "set_time"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	if s := c.Status(); s.Bits() != CardReady {
		return c.errorf(op, SpadWrongState, s, nil)
	}
	if err = c.sendTime(ctx, op, t); err != nil {
		return
	}
	_, err = c.await(ctx, op, CardReady, c.timeout(TimeoutCmd), CmdTimeout)
	return
}

func (c *Context) sendTime(ctx context.Context, op string, t time.Time) error {
	v := PackTime(t)
	c.store(SpadDataHigh, uint32(v>>32))
	c.store(SpadDataLow, uint32(v))
	c.store(SpadCmd, CmdSetTime.Word(MinutesWest(t)))
	return c.consumed(ctx, op)
}

// PackTime encodes the UTC time as year:13 month:5 day:6 hour:6 min:7
// sec:7 ms:16 and two daylight saving flags, least significant first.
func PackTime(t time.Time) uint64 {
	t = t.UTC()
	return uint64(t.Year())&(1<<13-1) |
		uint64(t.Month())<<13 |
		uint64(t.Day())<<18 |
		uint64(t.Hour())<<24 |
		uint64(t.Minute())<<30 |
		uint64(t.Second())<<37 |
		uint64(t.Nanosecond()/int(time.Millisecond))<<44
}

// UnpackTime is the inverse of PackTime.
func UnpackTime(v uint64) time.Time {
	field := func(shift, width uint) int {
		return int(v >> shift & (1<<width - 1))
	}
	return time.Date(field(0, 13), time.Month(field(13, 5)), field(18, 6),
		field(24, 6), field(30, 7), field(37, 7),
		field(44, 16)*int(time.Millisecond), time.UTC)
}

// MinutesWest of UTC for the time's zone, as a 16 bit two's complement.
func MinutesWest(t time.Time) uint16 {
	_, offset := t.Zone()
	return uint16(int16(-offset / 60))
}

// ClearError resets the card's error register and state.
func (c *Context) ClearError(ctx context.Context) (err error) {
	const op = "clear_error"
	defer c.observe(op, time.Now(), &err)
	if err = c.lock(op); err != nil {
		return
	}
	defer c.unlock()
	return c.clearError(ctx, op)
}

func (c *Context) clearError(ctx context.Context, op string) error {
	c.store(SpadError, ErrNoError)
	s, err := c.waitFor(ctx, c.timeout(TimeoutCmd), CmdTimeout, false,
		func(s Status) bool { return s.Bits()&CardReady != 0 })
	if err != nil {
		return c.errorf(op, err.(Code), s, nil)
	}
	c.store(SpadCmd, CmdClearError.Word(0))
	s, err = c.waitFor(ctx, c.timeout(TimeoutCmd), CmdTimeout, false,
		c.cmdDone)
	if err != nil {
		return c.errorf(op, err.(Code), s, nil)
	}
	return nil
}
