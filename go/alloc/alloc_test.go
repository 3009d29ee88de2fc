package alloc

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/ukernel"
)

func boot(t *testing.T, bits ...uint) (*ukernel.Kernel, *ukernel.BootInfo) {
	cfg := models.DefaultConfig()
	cfg.UntypedBits = bits
	k, info, err := ukernel.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	return k, info
}

func newAlloc(k *ukernel.Kernel, info *ukernel.BootInfo, supply Supplier) *ObjectAllocator {
	return New(k, NewCursorSlots(info.EmptyStart, info.EmptyEnd), supply, nil)
}

func expectExhausted(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || errors.Cause(err) != ErrExhausted {
			t.Fatalf("expected exhaustion panic, got %v", r)
		}
	}()
	f()
}

var sourceTable = []struct {
	free      int
	remaining uint64
	need      uint64
	supply    bool
	want      source
}{
	{1, 0, 0x1000, false, fromFreeList},
	{3, 0x10000, 0x1000, true, fromFreeList},
	{0, 0x1000, 0x1000, true, fromBlock},
	{0, 0xfff, 0x1000, true, fromUpstream},
	{0, 0xfff, 0x1000, false, exhausted},
	{0, 0, 0x20000, false, exhausted},
}

func TestPickSource(t *testing.T) {
	for _, v := range sourceTable {
		if got := pickSource(v.free, v.remaining, v.need, v.supply); got != v.want {
			t.Errorf("pickSource(%d, %#x, %#x, %v) = %s, want %s", v.free, v.remaining, v.need, v.supply, got, v.want)
		}
	}
}

func TestExhaustionWithoutSupplier(t *testing.T) {
	k, info := boot(t, 16)
	a := newAlloc(k, info, nil)
	a.AddBlock(info.Untyped[0].Cap, 16)
	for i := 0; i < 16; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatal(err)
		}
	}
	if left := a.Stats().Remaining; left >= models.PageSize {
		t.Fatalf("%#x bytes left after 16 pages", left)
	}
	expectExhausted(t, func() { a.AllocPage() })
}

func TestSupplierCalledOnce(t *testing.T) {
	k, info := boot(t, 20, 16)
	big, small := info.Untyped[0], info.Untyped[1]
	calls := 0
	a := newAlloc(k, info, func() (slot.Handle, uint, bool) {
		calls++
		return big.Cap, big.Bits, true
	})
	a.AddBlock(small.Cap, small.Bits)
	if _, err := a.AllocFixed(models.Endpoint); err != nil {
		t.Fatal(err)
	}
	// the endpoint pushes the first frame to offset 0x1000, leaving room for 15
	for i := 0; i < 15; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 0 {
		t.Fatalf("supplier called %d times before the block ran out", calls)
	}
	h, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("supplier called %d times", calls)
	}
	paddr, _ := k.FrameAddress(h.Path())
	if paddr < big.Paddr || paddr+models.PageSize > big.Paddr+1<<big.Bits {
		t.Fatalf("frame at %#x is not inside the supplied block", paddr)
	}
	if s := a.Stats(); s.Blocks != 2 {
		t.Fatalf("%d blocks", s.Blocks)
	}
}

func TestSupplierTooSmall(t *testing.T) {
	k, info := boot(t, 20, 16)
	a := newAlloc(k, info, func() (slot.Handle, uint, bool) {
		return info.Untyped[1].Cap, info.Untyped[1].Bits, true
	})
	expectExhausted(t, func() { a.AllocVariable(models.CNode, slot.RadixBits) })
}

func TestZeroOnReuse(t *testing.T) {
	k, info := boot(t, 20)
	a := newAlloc(k, info, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	h, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	paddr, _ := k.FrameAddress(h.Path())
	if err := k.WritePhys(paddr, bytes.Repeat([]byte{0xcc}, models.PageSize)); err != nil {
		t.Fatal(err)
	}
	a.RecyclePage(h)
	again, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if again != h {
		t.Fatalf("free list not used: got %s, recycled %s", again, h)
	}
	buf := make([]byte, models.PageSize)
	k.ReadPhys(paddr, buf)
	if !bytes.Equal(buf, make([]byte, models.PageSize)) {
		t.Fatal("recycled frame was not cleared")
	}
}

func TestRelease(t *testing.T) {
	k, info := boot(t, 20)
	a := newAlloc(k, info, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	pages, err := a.AllocPages(3)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range pages {
		a.RecyclePage(h)
	}
	cursor := a.slots.(*CursorSlots).Cursor
	avail := cursor.Available()
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	for _, h := range pages {
		if _, err := k.ObjectType(h.Path()); !models.IsKind(err, models.FailedLookup) {
			t.Errorf("%s survived release: %v", h, err)
		}
	}
	if s := a.Stats(); s.FreePages != 0 {
		t.Fatalf("%d frames left on the free list", s.FreePages)
	}
	if got := cursor.Available(); got != avail+3 {
		t.Fatalf("%d slots available after release, want %d", got, avail+3)
	}
}

func TestAllocPagesBulk(t *testing.T) {
	k, info := boot(t, 20)
	a := newAlloc(k, info, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	before := k.Counters().Retype
	pages, err := a.AllocPages(4)
	if err != nil {
		t.Fatal(err)
	}
	if n := k.Counters().Retype - before; n != 1 {
		t.Fatalf("%d retype calls for a bulk allocation", n)
	}
	for i, h := range pages {
		if h != slot.Advance(pages[0], uint64(i)) {
			t.Fatalf("pages not consecutive: %v", pages)
		}
		if typ, err := k.ObjectType(h.Path()); err != nil || typ != models.Frame {
			t.Fatalf("%s: %v %v", h, typ, err)
		}
	}
}

func TestRootLinksTables(t *testing.T) {
	k, info := boot(t, 20)
	a := NewRoot(k, slot.Encode(0, 0xffe), slot.Encode(2, 0), nil, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	var hs []slot.Handle
	for i := 0; i < 3; i++ {
		h, err := a.AllocFixed(models.Endpoint)
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}
	if hs[2] != slot.Encode(1, 0) {
		t.Fatalf("third handle %s", hs[2])
	}
	if typ, err := k.ObjectType(slot.TableEntry(1)); err != nil || typ != models.CNode {
		t.Fatalf("table 1 not linked: %v %v", typ, err)
	}
	// a bulk request that would straddle tables falls back to single retypes
	a2 := NewRoot(k, slot.Encode(1, 0xffe), slot.Encode(3, 0), nil, nil)
	a2.AddBlock(info.Untyped[0].Cap, 20)
	a2.blocks[0].Used = a.blocks[0].Used
	pages, err := a2.AllocPages(3)
	if err != nil {
		t.Fatal(err)
	}
	if pages[0] != slot.Encode(1, 0xffe) || pages[2] != slot.Encode(2, 0) {
		t.Fatalf("straddling allocation returned %v", pages)
	}
}

func TestUntypedUnit(t *testing.T) {
	k, info := boot(t, 20)
	a := newAlloc(k, info, nil)
	a.UnitBits = 16
	a.AddBlock(info.Untyped[0].Cap, 20)
	unit, err := a.AllocUntypedUnit()
	if err != nil {
		t.Fatal(err)
	}
	child, _ := a.NextSlot()
	if err := k.Retype(unit.Path(), models.Frame, 0, child.Path(), 1); err != nil {
		t.Fatal(err)
	}
	if err := a.RecycleUntypedUnit(unit); err != nil {
		t.Fatal(err)
	}
	if _, err := k.ObjectType(child.Path()); err == nil {
		t.Fatal("object carved from a recycled unit survived")
	}
	again, err := a.AllocUntypedUnit()
	if err != nil || again != unit {
		t.Fatalf("unit not reused: %s %v", again, err)
	}
}

func TestRetypeErrorPropagates(t *testing.T) {
	k, info := boot(t, 20)
	a := newAlloc(k, info, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	err := a.RetypeAt(models.Endpoint, 0, info.TCB.Path())
	if !models.IsKind(err, models.DeleteFirst) {
		t.Fatalf("expected DeleteFirst, got %v", err)
	}
}
