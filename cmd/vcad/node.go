// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcad

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/platinasystems/log"
	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/cardsim"
	"github.com/platinasystems/vca/internal/config"
	"github.com/platinasystems/vca/internal/doorbell"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/regs"
	"golang.org/x/sync/errgroup"
)

const (
	simBarLen    = 0x40000
	simMemoryMB  = 8192
	pollDoorbell = 10 * time.Millisecond
)

// node is a configured card node and the hardware it owns.
type node struct {
	*lbp.Context
	card  config.Card
	table *awt.Table
	db    *doorbell.Dispatcher
	uio   *doorbell.UIO
	sim   *cardsim.Card
	// Mapped BARs, nil when simulated.
	bar, aperture *regs.Region
	// Reported at the last handshake, guarded by Info.mutex.
	memoryMB uint32
}

// prefix of the node's published fields.
func (n *node) prefix() string {
	return fmt.Sprintf("vca.%d.%d.", n.card.ID, n.card.Node)
}

func (i *Info) open(cc config.Card) (*node, error) {
	var err error
	n := &node{card: cc}
	lc := lbp.Config{
		Key:        cc.Key(),
		CPUID:      cc.CPUID,
		Slot:       cc.Slot,
		Port:       cc.Port,
		Timeouts:   i.cfg.Timeouts,
		BufferSize: cc.BufferSize,
		OnReboot:   i.rebooted,
	}
	if cc.PXE {
		lc.Netboot = &netboot{i: i, n: n}
	}
	if i.cfg.Daemon.Simulate {
		bar := regs.NewMem(simBarLen)
		n.table, err = awt.New(bar, awt.Config{ArrayBase: awt.DefaultArrayBase},
			cc.SimAperture, cc.Segments)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", cc.Key(), err)
		}
		n.db = doorbell.New(bar, doorbell.Config{})
		n.sim = cardsim.New(cardsim.Config{
			Bar:         bar,
			SegmentSize: n.table.SegmentSize(),
			ApertureLen: n.table.ApertureLen(),
			MemoryMB:    simMemoryMB,
			Version:     lbp.HostVersion,
			Ring:        func(db int) { n.db.Immediate(1 << uint(db)) },
		})
		lc.Bar = bar
		lc.Aperture = n.sim.Aperture()
	} else {
		if n.bar, err = regs.MapResource(cc.PCI, cc.RegsBar); err != nil {
			return nil, err
		}
		if n.aperture, err = regs.MapResource(cc.PCI, cc.ApertureBar); err != nil {
			n.close()
			return nil, err
		}
		n.table, err = awt.New(n.bar, awt.Config{
			ArrayBase: awt.DefaultArrayBase,
			Control:   awt.DefaultControl,
		}, uint64(n.aperture.Len()), cc.Segments)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("%v: %w", cc.Key(), err)
		}
		n.db = doorbell.New(n.bar, doorbell.Config{})
		if cc.UIO != "" {
			f, err := os.OpenFile(cc.UIO, os.O_RDWR, 0)
			if err != nil {
				n.close()
				return nil, err
			}
			n.uio = doorbell.NewUIO(f)
		}
		lc.Bar = n.bar
		lc.Aperture = n.aperture
	}
	lc.Windows = n.table
	n.Context = lbp.New(lc)
	n.table.Enable()
	if _, err = n.Attach(n.db); err != nil {
		n.close()
		return nil, err
	}
	n.db.Enable()
	return n, nil
}

// start the node's interrupt and firmware goroutines.
func (n *node) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return n.db.Run(ctx) })
	switch {
	case n.sim != nil:
		g.Go(func() error { return n.sim.Run(ctx) })
	case n.uio != nil:
		g.Go(func() error {
			err := n.uio.Serve(ctx, n.db)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("%v: %w", n.Key, err)
			}
			return nil
		})
	default:
		g.Go(func() error {
			t := time.NewTicker(pollDoorbell)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
					n.db.Interrupt()
				}
			}
		})
	}
}

// reset pulses the node's function level reset. The table is cleared while
// operations are excluded.
func (n *node) reset() error {
	n.ResetStart()
	defer n.ResetStop()
	n.db.Disable()
	defer n.db.Enable()
	if n.sim == nil {
		fn := filepath.Join(regs.SysBusPciDevices, n.card.PCI, "reset")
		if err := os.WriteFile(fn, []byte("1"), 0200); err != nil {
			return err
		}
	}
	n.table.Reset()
	return nil
}

func (n *node) close() {
	if n.db != nil {
		n.db.Disable()
		n.db.Release()
	}
	if n.table != nil && n.bar != nil {
		n.table.Disable()
	}
	for _, r := range []*regs.Region{n.aperture, n.bar} {
		if r != nil {
			if err := r.Close(); err != nil {
				log.Print("daemon", "err", n.card.Key(), ": ", err)
			}
		}
	}
}

// netboot starts the node's provisioned PXE backend.
type netboot struct {
	i *Info
	n *node
}

func (nb *netboot) Ready() bool { return nb.n.card.PXE }

func (nb *netboot) Go() {
	nb.i.set(nb.n.prefix()+"pxe", "started")
}
