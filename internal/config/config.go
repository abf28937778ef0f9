// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package config loads the card manager's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/lbp"
)

const DefaultPath = "/etc/vca/vca.toml"

// Duration decodes TOML strings like "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Daemon struct {
	// Abstract socket name of the RPC server.
	Socket string `toml:"socket"`
	// Listen address of the metrics server, empty to disable it.
	Metrics string `toml:"metrics"`
	// Redis hash receiving card states.
	Hash string `toml:"hash"`
	// State publication interval.
	Publish Duration `toml:"publish"`
	// Run every card against the firmware simulator.
	Simulate bool `toml:"simulate"`
}

// Card is one node of an accelerator card.
type Card struct {
	ID   int `toml:"id"`
	Node int `toml:"node"`
	// PCI address of the node's NTB endpoint, e.g. "0000:03:00.0".
	PCI string `toml:"pci"`
	// Resource indices of the register file and the memory aperture. The
	// aperture can't share BAR 0 with the registers.
	RegsBar     uint `toml:"regs_bar"`
	ApertureBar uint `toml:"aperture_bar"`
	// A-LUT segments dividing the aperture.
	Segments int `toml:"segments"`
	// The node's uio device, e.g. "/dev/uio0". Without one the daemon
	// polls for the handshake interrupt.
	UIO string `toml:"uio"`
	// Identity written to the firmware at handshake.
	CPUID uint8 `toml:"cpuid"`
	Slot  uint8 `toml:"slot"`
	Port  uint8 `toml:"port"`
	// Staging buffer bytes.
	BufferSize int `toml:"buffer_size"`
	// The node's PXE backend is provisioned.
	PXE bool `toml:"pxe"`
	// Size of the simulated aperture.
	SimAperture uint64 `toml:"sim_aperture"`
}

func (c Card) Key() lbp.Key { return lbp.Key{Card: c.ID, Node: c.Node} }

type Config struct {
	Daemon   Daemon       `toml:"daemon"`
	Timeouts lbp.Timeouts `toml:"timeouts"`
	Cards    []Card       `toml:"card"`
}

var DefaultDaemon = Daemon{
	Socket:  "vcad",
	Metrics: "127.0.0.1:9477",
	Hash:    "platina",
	Publish: Duration{5 * time.Second},
}

var DefaultCard = Card{
	RegsBar:     0,
	ApertureBar: 2,
	Segments:    32,
	BufferSize:  lbp.DefaultBufferSize,
	SimAperture: 32 << 20,
}

// Default is the configuration of a host without cards.
func Default() *Config {
	return &Config{
		Daemon:   DefaultDaemon,
		Timeouts: lbp.DefaultTimeouts,
	}
}

// Load reads the named file over the defaults. A missing default file is
// not an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return Default(), nil
		}
		return nil, err
	}
	cfg, err := Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(s string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(s, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	for i := range cfg.Cards {
		cfg.Cards[i].fill()
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fill defaults the card's absent keys.
func (c *Card) fill() {
	if c.ApertureBar == 0 {
		c.ApertureBar = DefaultCard.ApertureBar
	}
	if c.Segments == 0 {
		c.Segments = DefaultCard.Segments
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultCard.BufferSize
	}
	if c.SimAperture == 0 {
		c.SimAperture = DefaultCard.SimAperture
	}
}

// Validate reports the first inconsistent setting.
func (cfg *Config) Validate() error {
	if cfg.Daemon.Socket == "" {
		return errors.New("daemon: empty socket name")
	}
	if cfg.Daemon.Publish.Duration <= 0 {
		return fmt.Errorf("daemon: publish interval %v", cfg.Daemon.Publish)
	}
	if err := cfg.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	seen := make(map[lbp.Key]bool)
	for _, c := range cfg.Cards {
		k := c.Key()
		if seen[k] {
			return fmt.Errorf("%v: duplicate", k)
		}
		seen[k] = true
		if c.ID < 0 || c.Node < 0 {
			return fmt.Errorf("%v: negative id", k)
		}
		if c.PCI == "" && !cfg.Daemon.Simulate {
			return fmt.Errorf("%v: no pci address", k)
		}
		if c.Segments <= 0 || c.Segments > awt.MaxSegments ||
			c.Segments&(c.Segments-1) != 0 {
			return fmt.Errorf("%v: %d segments", k, c.Segments)
		}
		if c.BufferSize <= 0 {
			return fmt.Errorf("%v: buffer size %d", k, c.BufferSize)
		}
		if c.RegsBar > 5 || c.ApertureBar > 5 || c.RegsBar == c.ApertureBar {
			return fmt.Errorf("%v: bar %d, aperture bar %d", k,
				c.RegsBar, c.ApertureBar)
		}
	}
	return nil
}
