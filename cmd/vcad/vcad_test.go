// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcad

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/rpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/platinasystems/atsock"
	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/config"
	"github.com/platinasystems/vca/internal/dbg"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/platinasystems/vca/internal/vcarpc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	flag.Parse()
	awt.Debug = true
	lbp.Poll = 200 * time.Microsecond
	if testing.Verbose() {
		lbp.Dbg = dbg.FileLine
	}
	os.Exit(m.Run())
}

const segments = 16

func simCard(id, nd int) config.Card {
	cc := config.DefaultCard
	cc.ID = id
	cc.Node = nd
	cc.Segments = segments
	cc.BufferSize = 0x10000
	cc.SimAperture = 1 << 20
	return cc
}

// newInfo runs simulated nodes for the life of the test.
func newInfo(t *testing.T, cards ...config.Card) *Info {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.Simulate = true
	cfg.Cards = cards
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	i := new(Info)
	if err := i.init(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	for _, k := range i.nodes.Keys() {
		i.byKey[k].start(ctx, g)
	}
	t.Cleanup(func() {
		cancel()
		g.Wait()
		i.release()
	})
	return i
}

func (i *Info) call(t *testing.T, method func(vcarpc.Args, *vcarpc.Reply) error,
	k lbp.Key) *vcarpc.Reply {
	t.Helper()
	var r vcarpc.Reply
	if err := method(vcarpc.Args{Key: k}, &r); err != nil {
		t.Fatal(err)
	}
	return &r
}

func wantOK(t *testing.T, r *vcarpc.Reply) {
	t.Helper()
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for deadline := time.Now().Add(2 * time.Second); !cond(); {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for ", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatus(t *testing.T) {
	i := newInfo(t, simCard(0, 0), simCard(0, 1))
	k := lbp.Key{Card: 0, Node: 1}
	wantOK(t, i.call(t, i.Handshake, k))

	var st []vcarpc.Status
	if err := i.Status(vcarpc.StatusArgs{}, &st); err != nil {
		t.Fatal(err)
	}
	if len(st) != 2 {
		t.Fatal(len(st), " nodes")
	}
	if st[0].State != "bios_down" || st[0].MemoryMB != 0 {
		t.Errorf("%+v", st[0])
	}
	want := vcarpc.Status{
		Key:      k,
		State:    "bios_ready",
		Version:  lbp.HostVersion.String(),
		MemoryMB: simMemoryMB,
		Session:  st[1].Session,
		Timeouts: lbp.DefaultTimeouts,
		Windows:  awt.Stats{Free: segments},
	}
	if diff := cmp.Diff(want, st[1]); diff != "" {
		t.Error("(-want +got):\n", diff)
	}
}

func TestUnknownNode(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	r := i.call(t, i.Handshake, lbp.Key{Card: 3})
	if err := r.Err(); !errors.Is(err, lbp.BadParameterValue) {
		t.Error(err)
	}
	var st []vcarpc.Status
	if err := i.Status(vcarpc.StatusArgs{Keys: []lbp.Key{{Card: 3}}},
		&st); err == nil {
		t.Error("status of unknown node")
	}
}

func TestBootRamdisk(t *testing.T) {
	i := newInfo(t, simCard(1, 0))
	k := lbp.Key{Card: 1}
	wantOK(t, i.call(t, i.Handshake, k))

	img := make([]byte, 0x23456)
	rand.New(rand.NewSource(1)).Read(img)
	fn := filepath.Join(t.TempDir(), "vca.img")
	if err := os.WriteFile(fn, img, 0644); err != nil {
		t.Fatal(err)
	}
	var r vcarpc.Reply
	if err := i.BootRamdisk(vcarpc.Image{Key: k, Path: fn + ".missing"},
		&r); err != nil {
		t.Fatal(err)
	}
	if r.Code != lbp.BadParameterValue {
		t.Error("missing image: ", r.Code)
	}
	r = vcarpc.Reply{}
	if err := i.BootRamdisk(vcarpc.Image{Key: k, Path: fn}, &r); err != nil {
		t.Fatal(err)
	}
	wantOK(t, &r)
	n := i.byKey[k]
	if st := n.State(); st != lbp.Booting {
		t.Error("state ", st)
	}
	if !bytes.Equal(n.sim.Ramdisk()[:len(img)], img) {
		t.Error("ramdisk contents differ")
	}
	if st := n.table.Stats(); st.Owned != st.Unused {
		t.Errorf("table %+v", st)
	}
}

func TestFlash(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	fn := filepath.Join(t.TempDir(), "bios.bin")
	if err := os.WriteFile(fn, make([]byte, 0x1000), 0644); err != nil {
		t.Fatal(err)
	}
	var r vcarpc.Reply
	if err := i.Flash(vcarpc.FlashArgs{Key: k, Kind: "os", Path: fn},
		&r); err != nil {
		t.Fatal(err)
	}
	if r.Code == lbp.StateOK {
		t.Error("flashed kind os")
	}
	r = vcarpc.Reply{}
	if err := i.Flash(vcarpc.FlashArgs{Key: k, Kind: "bios", Path: fn},
		&r); err != nil {
		t.Fatal(err)
	}
	wantOK(t, &r)
	if st := i.byKey[k].State(); st != lbp.Done {
		t.Error("state ", st)
	}
}

func TestParam(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	var r vcarpc.Reply
	if err := i.SetParam(vcarpc.ParamArgs{Key: k, Param: "sgx_mem",
		Value: 0x40}, &r); err != nil {
		t.Fatal(err)
	}
	wantOK(t, &r)
	r = vcarpc.Reply{}
	if err := i.GetParam(vcarpc.ParamArgs{Key: k, Param: "sgx_mem"},
		&r); err != nil {
		t.Fatal(err)
	}
	wantOK(t, &r)
	if r.Value != 0x40 {
		t.Errorf("%#x", r.Value)
	}
	r = vcarpc.Reply{}
	if err := i.GetParam(vcarpc.ParamArgs{Key: k, Param: "turbo"},
		&r); err != nil {
		t.Fatal(err)
	}
	if r.Code != lbp.UnknownParameter {
		t.Error(r.Code)
	}

	r = *i.call(t, i.MAC, k)
	wantOK(t, &r)
	if len(r.Text) != len("00:00:00:00:00:00") {
		t.Error("mac ", r.Text)
	}
	wantOK(t, i.call(t, i.SetTime, k))
	if clock, _ := i.byKey[k].sim.Clock(); time.Since(clock) > time.Minute {
		t.Error("clock ", clock)
	}
	r = *i.call(t, i.Recovery, k)
	wantOK(t, &r)
	if r.Text != lbp.JumperClose.String() {
		t.Error("recovery ", r.Text)
	}
}

func TestSetState(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	for _, x := range []struct {
		state string
		code  lbp.Code
	}{
		{"os_ready", lbp.StateOK},
		{"resetting", lbp.BadParameterValue},
		{"on_fire", lbp.BadParameterValue},
		{"bios_ready", lbp.StateOK},
	} {
		var r vcarpc.Reply
		if err := i.SetState(vcarpc.StateArgs{Key: k, State: x.state},
			&r); err != nil {
			t.Fatal(err)
		}
		if r.Code != x.code {
			t.Errorf("%s: %v, want %v", x.state, r.Code, x.code)
		}
	}
	if st := i.byKey[k].State(); st != lbp.BiosReady {
		t.Error("state ", st)
	}
}

func TestClearError(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	n := i.byKey[k]
	n.sim.Raise(lbp.ErrBootRamdisk)
	wantOK(t, i.call(t, i.ClearError, k))
	if st := n.State(); st != lbp.BiosReady {
		t.Error("state ", st)
	}
}

func TestReset(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	n := i.byKey[k]
	if _, _, err := n.table.AddEntry(0, n.table.SegmentSize()); err != nil {
		t.Fatal(err)
	}
	wantOK(t, i.call(t, i.Reset, k))
	if st := n.State(); st != lbp.BiosDown {
		t.Error("state ", st)
	}
	if st := n.table.Stats(); st.Free != segments {
		t.Errorf("table %+v", st)
	}
	if n.memoryMB != 0 {
		t.Error("memory ", n.memoryMB)
	}
	wantOK(t, i.call(t, i.Handshake, k))
}

func TestSetTimeout(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	for _, x := range []struct {
		name string
		ms   uint32
		code lbp.Code
	}{
		{lbp.TimeoutIRQ, 5000, lbp.StateOK},
		{lbp.TimeoutCmd, 5000, lbp.BadParameterValue},
		{"dma", 10, lbp.UnknownParameter},
	} {
		var r vcarpc.Reply
		if err := i.SetTimeout(vcarpc.TimeoutArgs{Key: k, Name: x.name,
			MS: x.ms}, &r); err != nil {
			t.Fatal(err)
		}
		if r.Code != x.code {
			t.Errorf("%s %d: %v", x.name, x.ms, r.Code)
		}
	}
	if ms := i.byKey[k].GetTimeouts().IRQ; ms != 5000 {
		t.Error("irq timeout ", ms)
	}
}

func TestBootPXE(t *testing.T) {
	cc := simCard(0, 0)
	i := newInfo(t, cc, func() config.Card {
		cc := simCard(0, 1)
		cc.PXE = true
		return cc
	}())
	for _, x := range []struct {
		k    lbp.Key
		code lbp.Code
	}{
		{lbp.Key{Node: 0}, lbp.BadParameterValue},
		{lbp.Key{Node: 1}, lbp.StateOK},
	} {
		wantOK(t, i.call(t, i.Handshake, x.k))
		if r := i.call(t, i.BootPXE, x.k); r.Code != x.code {
			t.Error(x.k, ": ", r.Code)
		}
	}
	if st := i.byKey[lbp.Key{Node: 1}].State(); st != lbp.BootingPXE {
		t.Error("state ", st)
	}
}

func TestRebooted(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	k := lbp.Key{}
	wantOK(t, i.call(t, i.Handshake, k))
	n := i.byKey[k]
	n.sim.PowerUp(true)
	eventually(t, "handshake after reboot", func() bool {
		return n.State() == lbp.BiosReady
	})
}

func TestMetrics(t *testing.T) {
	i := newInfo(t, simCard(2, 1))
	k := lbp.Key{Card: 2, Node: 1}
	wantOK(t, i.call(t, i.Handshake, k))
	if _, _, err := i.byKey[k].table.AddEntry(0, 1); err != nil {
		t.Fatal(err)
	}
	i.update()
	for state, want := range map[string]float64{
		"free":  segments - 1,
		"owned": 1,
	} {
		got := testutil.ToFloat64(Segments.WithLabelValues("2", "1", state))
		if got != want {
			t.Errorf("%s: %v, want %v", state, got, want)
		}
	}
	if n, err := testutil.GatherAndCount(newRegistry(),
		"vca_awt_segments"); err != nil || n == 0 {
		t.Error(n, err)
	}
}

// TestRPC calls the daemon over its abstract socket.
func TestRPC(t *testing.T) {
	i := newInfo(t, simCard(0, 0))
	name := fmt.Sprint("vcad-test-", os.Getpid())
	srv, err := atsock.NewRpcServer(name)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	if err = rpc.Register(i); err != nil {
		t.Fatal(err)
	}
	cl, err := vcarpc.Dial(name)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if _, err = cl.Do("Handshake", vcarpc.Args{}); err != nil {
		t.Fatal(err)
	}
	_, err = cl.Do("GetParam", vcarpc.ParamArgs{Param: "bogus"})
	if !errors.Is(err, lbp.UnknownParameter) {
		t.Error(err)
	}
	st, err := cl.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].State != "bios_ready" {
		t.Errorf("%+v", st)
	}
}
