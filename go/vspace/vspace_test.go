package vspace

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/alloc"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/ukernel"
)

type fixture struct {
	k    *ukernel.Kernel
	info *ukernel.BootInfo
	a    *alloc.ObjectAllocator
	as   *AddressSpace
}

func setup(t *testing.T, levels int) *fixture {
	cfg := models.DefaultConfig()
	cfg.UntypedBits = []uint{22}
	cfg.Levels = levels
	k, info, err := ukernel.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	a := alloc.New(k, alloc.NewCursorSlots(info.EmptyStart, info.EmptyEnd), nil, nil)
	a.AddBlock(info.Untyped[0].Cap, 22)
	vs, err := a.AllocFixed(models.VSpace)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{k, info, a, New(k, vs, levels, a, a, nil)}
}

func (f *fixture) page(t *testing.T) slot.Handle {
	h, err := f.a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestMapPageBuildsTables(t *testing.T) {
	f := setup(t, 3)
	frame := f.page(t)
	if err := f.as.MapPage(0x40000000, frame); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 2 {
		t.Fatalf("3 level map created %d nodes, want 2", n)
	}
	maps := f.as.Mappings()
	if len(maps) != 1 || maps[0].Addr != 0x40000000 || maps[0].Frame != frame {
		t.Fatalf("mapping table:\n%s", maps)
	}
	// same leaf table
	if err := f.as.MapPage(0x40001000, f.page(t)); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 2 {
		t.Fatalf("%d nodes after second map in the same table", n)
	}
	// next leaf table
	if err := f.as.MapPage(0x40200000, f.page(t)); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 3 {
		t.Fatalf("%d nodes after map in a new leaf table", n)
	}
	if c := f.k.Counters(); c.MapTable != 3 || c.MapFrame != 3 {
		t.Fatalf("counters %+v", c)
	}
}

func TestMapPageFourLevels(t *testing.T) {
	f := setup(t, 4)
	if err := f.as.MapPage(0x7fff0000, f.page(t)); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 3 {
		t.Fatalf("4 level map created %d nodes, want 3", n)
	}
	paddr, ok := f.as.Translate(0x7fff0123)
	if !ok {
		t.Fatal("translate failed")
	}
	m := f.as.Lookup(0x7fff0000)
	if paddr != m.Paddr+0x123 {
		t.Fatalf("translate %#x, frame at %#x", paddr, m.Paddr)
	}
	if va, ok := f.as.PhysToVirt(paddr); !ok || va != 0x7fff0123 {
		t.Fatalf("phys to virt %#x %v", va, ok)
	}
}

func TestMapLargePage(t *testing.T) {
	f := setup(t, 4)
	big, err := f.a.AllocLargePage()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.as.MapLargePage(0x200000, big, models.PROT_READ|models.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 2 {
		t.Fatalf("large map created %d nodes, want 2", n)
	}
	if m := f.as.Lookup(0x3fffff); m == nil || m.Size != models.LargePageSize {
		t.Fatalf("lookup inside large page: %v", m)
	}
}

func TestDoubleMapFails(t *testing.T) {
	f := setup(t, 4)
	a, b := f.page(t), f.page(t)
	if err := f.as.MapPage(0x5000, a); err != nil {
		t.Fatal(err)
	}
	if err := f.as.MapPage(0x5000, b); !models.IsKind(err, models.DeleteFirst) {
		t.Fatalf("mapping over a page: %v", err)
	}
	if err := f.as.MapPage(0x6000, a); !models.IsKind(err, models.IllegalOperation) {
		t.Fatalf("mapping a frame twice: %v", err)
	}
	if n := len(f.as.Mappings()); n != 1 {
		t.Fatalf("%d mappings after failed maps", n)
	}
}

func TestUnalignedPanics(t *testing.T) {
	f := setup(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("unaligned map did not panic")
		}
	}()
	f.as.MapPage(0x5001, f.page(t))
}

func TestUnmapPage(t *testing.T) {
	f := setup(t, 4)
	frame := f.page(t)
	f.as.MapPage(0x5000, frame)
	if err := f.as.UnmapPage(0x5000, frame); err != nil {
		t.Fatal(err)
	}
	if err := f.as.UnmapPage(0x5000, frame); err != nil {
		t.Fatalf("second unmap: %v", err)
	}
	if f.as.Lookup(0x5000) != nil {
		t.Fatal("mapping survived unmap")
	}
	// the frame can be mapped again
	if err := f.as.MapPage(0x9000, frame); err != nil {
		t.Fatal(err)
	}
}

func TestFindFreeArea(t *testing.T) {
	f := setup(t, 4)
	for _, addr := range []uint64{0x1000, 0x2000, 0x5000} {
		if err := f.as.MapPage(addr, f.page(t)); err != nil {
			t.Fatal(err)
		}
	}
	var tests = []struct {
		hint, size, want uint64
	}{
		{0, 0x1000, 0},
		{0, 0x2000, 0x3000},
		{0x1000, 0x2000, 0x3000},
		{0x1000, 0x3000, 0x6000},
		{0x3000, 0x1000, 0x3000},
		{0x8000, 0x1000, 0x8000},
	}
	for _, v := range tests {
		if got := f.as.FindFreeArea(v.hint, v.size); got != v.want {
			t.Errorf("FindFreeArea(%#x, %#x) = %#x, want %#x", v.hint, v.size, got, v.want)
		}
	}
}

func TestReserveTables(t *testing.T) {
	f := setup(t, 4)
	if err := f.as.ReserveTables(0x400000, 0x800000); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 4 {
		t.Fatalf("reserved %d nodes, want 4", n)
	}
	if err := f.as.ReserveTables(0x400000, 0x401000); err != nil {
		t.Fatal(err)
	}
	if err := f.as.MapPage(0x7ff000, f.page(t)); err != nil {
		t.Fatal(err)
	}
	if n := len(f.as.Nodes()); n != 4 {
		t.Fatalf("%d nodes after mapping into a reserved range", n)
	}
}

func TestUserMemory(t *testing.T) {
	f := setup(t, 4)
	if err := f.as.MapRegion(0x10000, 0x12000, models.PROT_READ|models.PROT_WRITE, "data"); err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello\x00")
	if err := f.as.WriteBytes(0x10ffd, msg); err != nil {
		t.Fatal(err)
	}
	p, err := f.as.ReadBytes(0x10ffd, uint64(len(msg)))
	if err != nil || string(p) != string(msg) {
		t.Fatalf("read back %q %v", p, err)
	}
	if s, err := f.as.ReadCString(0x10ffd); err != nil || s != "hello" {
		t.Fatalf("cstring %q %v", s, err)
	}
	f.as.Bits = 32
	if err := f.as.WriteWord(0x11ffc, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if v, err := f.as.ReadWord(0x11ffc); err != nil || v != 0xdeadbeef {
		t.Fatalf("word %#x %v", v, err)
	}
	_, err = f.as.ReadBytes(0x11ffe, 4)
	var merr *MemError
	if merr, _ = errors.Cause(err).(*MemError); merr == nil || merr.Addr != 0x12000 {
		t.Fatalf("read across the end: %v", err)
	}
	if m := f.as.Lookup(0x11000); m == nil || m.Desc != "data" {
		t.Fatalf("region desc: %v", m)
	}
}

func TestBrk(t *testing.T) {
	f := setup(t, 4)
	base := uint64(0x10000000)
	f.as.SetHeap(base)
	if cur, _ := f.as.Brk(0); cur != base {
		t.Fatalf("initial break %#x", cur)
	}
	cur, err := f.as.Brk(base + 0x1800)
	if err != nil || cur != base+0x1800 {
		t.Fatalf("brk grow: %#x %v", cur, err)
	}
	if err := f.as.WriteBytes(base+0x1fff, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if cur, _ := f.as.Brk(base - 1); cur != base+0x1800 {
		t.Fatalf("brk below base moved the break to %#x", cur)
	}
	if n := len(f.as.Mappings()); n != 2 {
		t.Fatalf("heap has %d pages", n)
	}
}

func TestProtect(t *testing.T) {
	f := setup(t, 4)
	f.as.MapRegion(0x10000, 0x13000, models.PROT_ALL, "")
	if err := f.as.Protect(0x11000, 0x2000, models.PROT_READ); err != nil {
		t.Fatal(err)
	}
	for addr, want := range map[uint64]int{0x10000: models.PROT_ALL, 0x11000: models.PROT_READ, 0x12000: models.PROT_READ} {
		if m := f.as.Lookup(addr); m.Prot != want {
			t.Errorf("%#x prot %s, want %s", addr, models.ProtString(m.Prot), models.ProtString(want))
		}
	}
}

type hookLog struct{ maps, unmaps int }

func (h *hookLog) Map(m *Mapping)          { h.maps++ }
func (h *hookLog) Unmap(addr, size uint64) { h.unmaps++ }

func TestDestroy(t *testing.T) {
	f := setup(t, 4)
	hooks := &hookLog{}
	f.as.AddHook(hooks)
	f.as.MapRegion(0x10000, 0x12000, models.PROT_ALL, "")
	frames := []slot.Handle{f.as.Lookup(0x10000).Frame, f.as.Lookup(0x11000).Frame}
	nodes := f.as.Nodes()
	if err := f.as.Destroy(); err != nil {
		t.Fatal(err)
	}
	for _, h := range append(frames, nodes...) {
		if _, err := f.k.ObjectType(h.Path()); err == nil {
			t.Errorf("%s survived destroy", h)
		}
	}
	if hooks.maps != 2 || hooks.unmaps != 2 {
		t.Fatalf("hooks %+v", hooks)
	}
	if len(f.as.Nodes()) != 0 || len(f.as.Mappings()) != 0 {
		t.Fatal("bookkeeping survived destroy")
	}
}

func TestFrameWindow(t *testing.T) {
	w := NewFrameWindow(0x1000, 0x3000)
	a, _ := w.Alloc()
	b, _ := w.Alloc()
	if a != 0x1000 || b != 0x2000 {
		t.Fatalf("got %#x %#x", a, b)
	}
	if _, ok := w.Alloc(); ok {
		t.Fatal("window overflowed")
	}
	w.Free(a)
	if c, ok := w.Alloc(); !ok || c != a {
		t.Fatalf("recycled %#x %v", c, ok)
	}
}

type oneTask struct {
	as  *AddressSpace
	tcb slot.Handle
}

func (o oneTask) Resolve(badge uint64) (*AddressSpace, slot.Handle, bool) {
	return o.as, o.tcb, badge == 5
}

func TestFaultHandler(t *testing.T) {
	f := setup(t, 4)
	ep, _ := f.a.AllocFixed(models.Endpoint)
	badged, _ := f.a.NextSlot()
	if err := f.k.Mint(ep.Path(), badged.Path(), models.AllRights, 5); err != nil {
		t.Fatal(err)
	}
	tcb, _ := f.a.AllocFixed(models.TCB)
	if err := f.k.ConfigureTCB(tcb.Path(), models.TCBConfig{FaultEP: badged.Path(), VSpace: f.as.VSpace.Path()}); err != nil {
		t.Fatal(err)
	}
	failed := make(chan error, 1)
	h := &FaultHandler{
		K: f.k, EP: ep, Tasks: oneTask{f.as, tcb}, Pages: f.a,
		OnError: func(badge uint64, _ *models.Fault, err error) { failed <- err },
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx) }()

	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fcancel()
	if err := f.k.RaiseFault(fctx, tcb.Path(), &models.Fault{Kind: models.FAULT_VM, Addr: 0x50000123, Access: models.PROT_WRITE}); err != nil {
		t.Fatal(err)
	}
	if m := f.as.Lookup(0x50000123); m == nil || m.Addr != 0x50000000 {
		t.Fatalf("fault page not mapped: %v", m)
	}
	// a second fault on the same page cannot be fixed by mapping
	go f.k.RaiseFault(fctx, tcb.Path(), &models.Fault{Kind: models.FAULT_VM, Addr: 0x50000000})
	select {
	case err := <-failed:
		if !models.IsKind(err, models.DeleteFirst) {
			t.Fatalf("refault error: %v", err)
		}
	case <-fctx.Done():
		t.Fatal("refault was not reported")
	}
	cancel()
	if err := <-served; err != nil {
		t.Fatal(err)
	}
}

type lender struct {
	back []slot.Handle
}

func (l *lender) RecyclePage(h slot.Handle) { l.back = append(l.back, h) }

func TestLentPageReturned(t *testing.T) {
	f := setup(t, 4)
	owner := &lender{}
	lent, own := f.page(t), f.page(t)
	copied, _ := f.a.NextSlot()
	if err := f.k.Copy(lent.Path(), copied.Path(), models.AllRights); err != nil {
		t.Fatal(err)
	}
	if err := f.as.MapLentPage(0x50000000, lent, models.PROT_READ, owner); err != nil {
		t.Fatal(err)
	}
	if err := f.as.MapPage(0x50001000, own); err != nil {
		t.Fatal(err)
	}
	frames, err := f.as.UnmapRange(0x50000000, 2*models.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0] != own {
		t.Fatalf("unmap returned %v", frames)
	}
	if len(owner.back) != 1 || owner.back[0] != lent {
		t.Fatalf("owner got back %v", owner.back)
	}
	if typ, err := f.k.ObjectType(lent.Path()); err != nil || typ != models.Frame {
		t.Fatalf("lent frame deleted: %v", err)
	}
	if _, err := f.k.ObjectType(copied.Path()); err == nil {
		t.Fatal("copy of the lent frame survived")
	}
	// destroy hands lent frames back too
	if err := f.as.MapLentPage(0x50000000, lent, models.PROT_READ, owner); err != nil {
		t.Fatal(err)
	}
	if err := f.as.Destroy(); err != nil {
		t.Fatal(err)
	}
	if len(owner.back) != 2 {
		t.Fatalf("owner got back %v after destroy", owner.back)
	}
	if _, err := f.k.ObjectType(lent.Path()); err != nil {
		t.Fatalf("destroy deleted the lent frame: %v", err)
	}
	if _, _, err := f.k.Resolve(f.as.VSpace.Path(), 0x50000000); err == nil {
		t.Fatal("lent frame still mapped after destroy")
	}
}
