// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp_test

import (
	"context"
	"testing"
	"time"

	"github.com/platinasystems/vca/internal/cardsim"
	"github.com/platinasystems/vca/internal/doorbell"
	"github.com/platinasystems/vca/internal/lbp"
	uuid "github.com/satori/go.uuid"
)

func TestHandshake(t *testing.T) {
	sim := cardsim.Config{MemoryMB: 4096}
	cfg := lbp.Config{Key: lbp.Key{2, 1}, CPUID: 3, Slot: 5, Port: 1}
	n := newNode(t, sim, cfg)
	n.card.SetParam(lbp.ParamBiosVersion, 0x2_0105)
	n.card.SetParam(lbp.ParamTDP, 45)

	if err := n.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := n.State(); st != lbp.BiosReady {
		t.Error("state ", st)
	}
	if v := n.Version(); v != lbp.HostVersion {
		t.Error("version ", v)
	}
	if mb := n.MemoryMB(); mb != 4096 {
		t.Error("memory ", mb)
	}
	if id := n.card.CPUID(); id != 3 {
		t.Error("card cpuid ", id)
	}
	if got, want := n.hostReady(), uint32(lbp.HostReady|3<<8|5<<16|1<<24); got != want {
		t.Errorf("host ready %#x, want %#x", got, want)
	}
	if n.Session() == uuid.Nil {
		t.Error("no session")
	}
	for p, want := range map[lbp.Param]uint64{
		lbp.ParamBiosVersion: 0x2_0105,
		lbp.ParamTDP:         45,
		lbp.ParamHT:          0,
	} {
		if v, found := n.Cached(p); !found || v != want {
			t.Errorf("cached %v: %#x %v, want %#x", p, v, found, want)
		}
	}
}

func TestHandshakeIRQTimeout(t *testing.T) {
	n := newNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	n.card.Mute(true)
	if err := n.SetTimeout(lbp.TimeoutIRQ, 20); err != nil {
		t.Fatal(err)
	}
	wantCode(t, n.Handshake(context.Background()), lbp.IrqTimeout)
	if r := n.hostReady(); uint8(r) != lbp.HostNotReady {
		t.Errorf("host ready %#x", r)
	}

	// the next attempt succeeds once the card answers
	n.card.Mute(false)
	if err := n.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeCmdTimeout(t *testing.T) {
	n := newNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	n.card.Stall(true)
	if err := n.SetTimeout(lbp.TimeoutCmd, 20); err != nil {
		t.Fatal(err)
	}
	wantCode(t, n.Handshake(context.Background()), lbp.CmdTimeout)
	if r := n.hostReady(); uint8(r) != lbp.HostNotReady {
		t.Errorf("host ready %#x", r)
	}
	if st := n.State(); st != lbp.BiosUp {
		t.Error("state ", st)
	}
}

func TestHandshakeInterrupted(t *testing.T) {
	n := newNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	n.card.Mute(true)
	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Millisecond)
	defer cancel()
	wantCode(t, n.Handshake(ctx), lbp.WaitInterrupted)
}

func TestHandshakeOldCard(t *testing.T) {
	n := readyNode(t, cardsim.Config{Version: lbp.Version12},
		lbp.Config{Key: lbp.Key{0, 0}})
	if v := n.Version(); v != lbp.Version12 {
		t.Error("version ", v)
	}
	// the cache fills in order up to the first parameter the card lacks
	for _, p := range []lbp.Param{
		lbp.ParamBiosBuildDate,
		lbp.ParamBiosVersion,
		lbp.ParamSGX,
	} {
		if _, found := n.Cached(p); !found {
			t.Error(p, " not cached")
		}
	}
	for _, p := range []lbp.Param{lbp.ParamGPU, lbp.ParamTDP} {
		if _, found := n.Cached(p); found {
			t.Error(p, " cached")
		}
	}
}

func TestReboot(t *testing.T) {
	var d *doorbell.Dispatcher
	rebooted := make(chan lbp.Key, 1)
	n := newNode(t, cardsim.Config{
		Ring: func(db int) { d.Immediate(1 << uint(db)) },
	}, lbp.Config{
		Key:      lbp.Key{1, 2},
		OnReboot: func(k lbp.Key) { rebooted <- k },
	})
	d = doorbell.New(n.bar, doorbell.Config{})
	if _, err := n.Attach(d); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := n.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case k := <-rebooted:
		t.Fatal("handshake reported reboot of ", k)
	default:
	}

	n.card.PowerUp(true)
	select {
	case k := <-rebooted:
		if k != n.Key {
			t.Error("rebooted ", k)
		}
	case <-time.After(time.Second):
		t.Fatal("no reboot")
	}
	if st := n.State(); st != lbp.AfterReboot {
		t.Error("state ", st)
	}
	if err := n.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	if st := n.State(); st != lbp.BiosReady {
		t.Error("state ", st)
	}
}
