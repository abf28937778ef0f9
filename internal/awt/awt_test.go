// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package awt

import (
	"errors"
	"flag"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/platinasystems/vca/internal/dbg"
	"github.com/platinasystems/vca/internal/regs"
)

func TestMain(m *testing.M) {
	flag.Parse()
	Debug = true
	if testing.Verbose() {
		Dbg = dbg.FileLine
	}
	os.Exit(m.Run())
}

const segsize = 0x1000

type countingBar struct {
	regs.Bar
	stores int
}

func (b *countingBar) Store32(off uint, v uint32) {
	b.stores++
	b.Bar.Store32(off, v)
}

func newTable(t *testing.T, n int) (*Table, *countingBar) {
	bar := &countingBar{Bar: regs.NewMem(2 * BankOffset)}
	tbl, err := New(bar, Config{}, segsize*uint64(n), n)
	if err != nil {
		t.Fatal(err)
	}
	return tbl, bar
}

func TestNew(t *testing.T) {
	for _, x := range []struct {
		aperture uint64
		n        int
	}{
		{0x8000, 0},
		{0x8000, MaxSegments + 1},
		{0x9000, 8},
		{0x4, 8},
	} {
		if _, err := New(nil, Config{}, x.aperture, x.n); !errors.Is(err, ErrSize) {
			t.Errorf("%#x/%d: %v", x.aperture, x.n, err)
		}
	}
}

func TestEntryOffset(t *testing.T) {
	for i, want := range map[int]uint{
		0:   0,
		1:   4,
		127: 127 * 4,
		128: BankOffset,
		130: BankOffset + 8,
	} {
		if got := EntryOffset(i); got != want {
			t.Errorf("%d: got %#x want %#x", i, got, want)
		}
	}
}

func TestMap(t *testing.T) {
	tbl, bar := newTable(t, 8)
	w, err := tbl.Map(0x1_2345_6678, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Window{Segment: 0, Count: 1, Addr: 0x678}, w); diff != "" {
		t.Error(diff)
	}
	if v := bar.Load32(LowerRemapOffset); v != 0x2345_6000 {
		t.Errorf("lower %#x", v)
	}
	if v := bar.Load32(HigherRemapOffset); v != 1 {
		t.Errorf("higher %#x", v)
	}
	if v := bar.Load32(PermissionOffset); v != PermRead|PermWrite {
		t.Errorf("permission %#x", v)
	}
	seg := tbl.Segments()[0]
	if seg.State != Owned || seg.Refs != 2 || seg.RunLen != 1 {
		t.Errorf("%+v", seg)
	}
}

func TestMapSpansSegments(t *testing.T) {
	tbl, bar := newTable(t, 8)
	w, err := tbl.Map(0x10ff0, 0x20)
	if err != nil {
		t.Fatal(err)
	}
	if w.Count != 2 || w.Addr != 0xff0 {
		t.Fatalf("%+v", w)
	}
	if v := bar.Load32(EntryOffset(1) + LowerRemapOffset); v != 0x11000 {
		t.Errorf("second segment translates to %#x", v)
	}
	segs := tbl.Segments()
	if segs[1].State != Member || segs[1].Owner != 0 {
		t.Errorf("%+v", segs[1])
	}
}

func TestAliasReuse(t *testing.T) {
	tbl, bar := newTable(t, 8)
	if _, err := tbl.Map(0x40000, 2*segsize); err != nil {
		t.Fatal(err)
	}
	stores := bar.stores
	id, n, err := tbl.AddEntry(0x41010, 0x10)
	if err != ErrAlreadyMapped {
		t.Fatal("expected", ErrAlreadyMapped, "got", err)
	}
	if id != 1 || n != 1 {
		t.Fatal("id", id, "n", n)
	}
	if bar.stores != stores {
		t.Error("reuse reprogrammed hardware")
	}
	if refs := tbl.Segments()[0].Refs; refs != 3 {
		t.Error("refs", refs)
	}
	w, err := tbl.Map(0x41010, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if w.Addr != segsize+0x10 {
		t.Errorf("%#x", w.Addr)
	}
}

func TestUnmapIsLazy(t *testing.T) {
	tbl, bar := newTable(t, 8)
	w, err := tbl.Map(0x80000, 3*segsize)
	if err != nil {
		t.Fatal(err)
	}
	if err = tbl.Unmap(w); err != nil {
		t.Fatal(err)
	}
	if seg := tbl.Segments()[0]; seg.State != Owned || seg.Refs != 1 {
		t.Fatalf("%+v", seg)
	}
	if st := tbl.Stats(); st.Unused != 1 {
		t.Errorf("%+v", st)
	}
	start, n, err := tbl.DelEntry(2)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0 || n != 3 {
		t.Fatal("start", start, "n", n)
	}
	if diff := cmp.Diff(make([]Segment, 8), tbl.Segments()); diff != "" {
		t.Error(diff)
	}
	for i := 0; i < 3; i++ {
		if v := bar.Load32(EntryOffset(i) + PermissionOffset); v != 0 {
			t.Errorf("segment %d permission %#x", i, v)
		}
	}
	if _, _, err = tbl.DelEntry(0); !errors.Is(err, ErrNotMapped) {
		t.Error("double delete:", err)
	}
	if err = tbl.UnmapAddr(8 * segsize); !errors.Is(err, ErrRange) {
		t.Error("out of range:", err)
	}
}

func TestSize(t *testing.T) {
	tbl, _ := newTable(t, 4)
	if _, err := tbl.Map(0, 0); err != ErrSize {
		t.Error("zero size:", err)
	}
	if _, err := tbl.Map(0, 5*segsize); err != ErrSize {
		t.Error("too big:", err)
	}
	if _, err := tbl.Map(0, 4*segsize); err != nil {
		t.Error("whole aperture:", err)
	}
}

func TestReclaim(t *testing.T) {
	tbl, bar := newTable(t, 4)
	for i := uint64(0); i < 4; i++ {
		w, err := tbl.Map(0x100000*(i+1), segsize)
		if err != nil {
			t.Fatal(err)
		}
		if err = tbl.Unmap(w); err != nil {
			t.Fatal(err)
		}
	}
	w, err := tbl.Map(0x900000, 2*segsize)
	if err != nil {
		t.Fatal(err)
	}
	if w.Segment != 0 || w.Count != 2 {
		t.Errorf("%+v", w)
	}
	st := tbl.Stats()
	if st.Reclaims != 1 || st.Owned != 1 || st.Member != 1 || st.Free != 2 {
		t.Errorf("%+v", st)
	}
	if v := bar.Load32(EntryOffset(3) + PermissionOffset); v != 0 {
		t.Errorf("reclaimed segment still permitted: %#x", v)
	}
}

func TestExhausted(t *testing.T) {
	tbl, _ := newTable(t, 4)
	for i := uint64(0); i < 4; i++ {
		if _, err := tbl.Map(0x100000*(i+1), segsize); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tbl.Map(0x900000, segsize); err != ErrNoSpace {
		t.Fatal("expected", ErrNoSpace, "got", err)
	}
	if st := tbl.Stats(); st.Reclaims != 0 || st.Owned != 4 {
		t.Errorf("%+v", st)
	}
}

func TestReset(t *testing.T) {
	tbl, bar := newTable(t, 4)
	tbl.Map(0x1_0000_0000, 4*segsize)
	tbl.Reset()
	if st := tbl.Stats(); st.Free != 4 {
		t.Errorf("%+v", st)
	}
	for i := 0; i < 4; i++ {
		o := EntryOffset(i)
		if bar.Load32(o+HigherRemapOffset) != 0 ||
			bar.Load32(o+PermissionOffset) != 0 {
			t.Errorf("segment %d not cleared", i)
		}
	}
}

func TestRandom(t *testing.T) {
	const n = 16
	tbl, _ := newTable(t, n)
	r := rand.New(rand.NewSource(1))
	var live []Window
	for op := 0; op < 5000; op++ {
		if len(live) > 0 && r.Intn(2) == 0 {
			i := r.Intn(len(live))
			w := live[i]
			live = append(live[:i], live[i+1:]...)
			if err := tbl.Unmap(w); err != nil {
				t.Fatal(op, err)
			}
			continue
		}
		addr := uint64(r.Intn(64))*segsize + uint64(r.Intn(segsize))
		size := uint64(1 + r.Intn(3*segsize))
		w, err := tbl.Map(addr, size)
		if err == ErrNoSpace {
			continue
		}
		if err != nil {
			t.Fatal(op, err)
		}
		live = append(live, w)
		if err = tbl.Check(); err != nil {
			t.Fatal(op, err)
		}
	}
	// every live window still translates to a referenced run
	segs := tbl.Segments()
	for _, w := range live {
		owner := segs[segs[w.Segment].Owner]
		if owner.State != Owned || owner.Refs < 2 {
			t.Fatalf("window %+v lost its run %+v", w, owner)
		}
	}
}
