// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp_test

import (
	"context"
	"testing"
	"time"

	"github.com/platinasystems/vca/internal/cardsim"
	"github.com/platinasystems/vca/internal/lbp"
	"golang.org/x/sync/errgroup"
)

func TestStateOf(t *testing.T) {
	for _, x := range []struct {
		s    lbp.Status
		want lbp.State
	}{
		{lbp.CardDown, lbp.BiosDown},
		{lbp.MakeStatus(lbp.CardUp, lbp.Version20), lbp.BiosUp},
		{lbp.CardReady, lbp.BiosReady},
		{lbp.CardUp | lbp.CardAfterReboot, lbp.AfterReboot},
		{lbp.CardUEFIError, lbp.ErrorState},
		{lbp.CardGeneralError, lbp.ErrorState},
		{lbp.CardDHCPError, lbp.DHCPError},
		{lbp.CardNFSMountError, lbp.NFSMountError},
		{lbp.CardDrvProbeError, lbp.DrvProbeError},
		{lbp.CardSoftwareDown, lbp.LinkDown},
		{lbp.CardPoweringDown, lbp.PoweringDown},
		{lbp.CardPoweringDown | lbp.CardNetDevDown, lbp.PoweringDown},
		{lbp.CardPowerDown, lbp.PowerDown},
		{lbp.CardPowerDown | lbp.CardNetDevDown, lbp.PowerDown},
		{lbp.CardBootingBlockIO, lbp.BootingBlockIO},
		{lbp.CardBootingPXE, lbp.BootingPXE},
		{lbp.CardReady | lbp.CardBooting, lbp.ErrorState},
	} {
		if got := lbp.StateOf(x.s); got != x.want {
			t.Errorf("%v: got %v, want %v", x.s, got, x.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for st := lbp.BiosDown; st < lbp.NStates; st++ {
		got, err := lbp.ParseState(st.String())
		if err != nil || got != st {
			t.Error(st, ": ", got, err)
		}
	}
	if _, err := lbp.ParseState("on_fire"); err == nil {
		t.Error("parsed on_fire")
	}
}

func TestSetState(t *testing.T) {
	n := readyNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	for st := lbp.BiosDown; st < lbp.NStates; st++ {
		if st == lbp.Resetting {
			wantCode(t, n.SetState(st), lbp.BadParameterValue)
			continue
		}
		if err := n.SetState(st); err != nil {
			t.Fatal(st, ": ", err)
		}
		if got := n.State(); got != st {
			t.Errorf("set %v, got %v", st, got)
		}
		if v := n.Status().Version(); v != lbp.HostVersion {
			t.Error(st, ": version ", v)
		}
	}
	wantCode(t, n.SetState(lbp.NStates), lbp.BadParameterValue)
}

func TestRecovery(t *testing.T) {
	for _, x := range []struct {
		version  lbp.Version
		recovery uint32
		want     lbp.Recovery
	}{
		{lbp.Version20, lbp.GoldImage, lbp.JumperOpen},
		{lbp.Version20, lbp.PowerButtonOverride, lbp.JumperClose},
		{lbp.Version04, lbp.GoldImage | lbp.ProcessorTermTripStatus,
			lbp.JumperOpen},
		{lbp.Version03, lbp.GoldImage, lbp.NonReadable},
	} {
		n := readyNode(t, cardsim.Config{
			Version:  x.version,
			Recovery: x.recovery,
		}, lbp.Config{Key: lbp.Key{0, 0}})
		if got := n.Recovery(); got != x.want {
			t.Errorf("v%v %#x: got %v, want %v", x.version, x.recovery,
				got, x.want)
		}
		if err := n.SetState(lbp.OSReady); err != nil {
			t.Fatal(err)
		}
		if got := n.Recovery(); got != lbp.NonReadable {
			t.Error("os ready: ", got)
		}
	}
}

func TestSerialized(t *testing.T) {
	ctx := context.Background()
	n := readyNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	ps := []lbp.Param{
		lbp.ParamSGX,
		lbp.ParamSGXMem,
		lbp.ParamEpoch0,
		lbp.ParamEpoch1,
		lbp.ParamTDP,
		lbp.ParamGPUAperture,
		lbp.ParamSGXOwnerEpochType,
		lbp.ParamSGXToFactory,
	}
	const rounds = 10
	var g errgroup.Group
	for i, p := range ps {
		i, p := i, p
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				if err := n.SetParam(ctx, p, uint64(i*100+j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, p := range ps {
		if v, _ := n.card.Param(p); v != uint64(i*100+rounds-1) {
			t.Errorf("%v: %d", p, v)
		}
	}
}

func TestResetIndependent(t *testing.T) {
	ctx := context.Background()
	a := readyNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	b := readyNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 1}})

	a.ResetStart()
	if st := a.State(); st != lbp.Resetting {
		t.Error("state ", st)
	}
	wantCode(t, a.SetParam(ctx, lbp.ParamHT, 1), lbp.InternalError)
	wantCode(t, a.SetState(lbp.OSReady), lbp.InternalError)
	if r := a.Recovery(); r != lbp.NonReadable {
		t.Error("recovery ", r)
	}
	if err := b.SetParam(ctx, lbp.ParamHT, 1); err != nil {
		t.Fatal(err)
	}
	a.ResetStop()
	if st := a.State(); st != lbp.BiosDown {
		t.Error("state ", st)
	}
	if err := a.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestResetWaits(t *testing.T) {
	ctx := context.Background()
	n := readyNode(t, cardsim.Config{}, lbp.Config{Key: lbp.Key{0, 0}})
	if err := n.SetTimeout(lbp.TimeoutCmd, 50); err != nil {
		t.Fatal(err)
	}
	n.card.Hang(lbp.CmdGetParam, true)
	errc := make(chan error, 1)
	go func() {
		_, err := n.GetParam(ctx, lbp.ParamSGXMem)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	n.ResetStart()
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Error("reset waited ", waited)
	}
	n.ResetStop()
	wantCode(t, <-errc, lbp.CmdTimeout)
}
