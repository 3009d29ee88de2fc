package alloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

var ErrExhausted = errors.New("out of untyped memory")

// Kernel is the part of the microkernel the allocator drives.
type Kernel interface {
	models.CapOps
	FrameAddress(frame slot.Path) (uint64, error)
	WritePhys(paddr uint64, p []byte) error
}

var zeroPage [models.PageSize]byte

// ObjectAllocator carves typed objects out of untyped blocks. Recycled
// frames are preferred, then the newest block, then a block from the
// supplier. Running out of memory is fatal and panics with ErrExhausted.
type ObjectAllocator struct {
	mu     sync.Mutex
	k      Kernel
	cfg    *models.Config
	slots  SlotSource
	blocks []*Block
	supply Supplier

	free     []slot.Handle
	units    []slot.Handle
	UnitBits uint
}

func New(k Kernel, slots SlotSource, supply Supplier, cfg *models.Config) *ObjectAllocator {
	a := &ObjectAllocator{k: k, cfg: cfg, slots: slots, supply: supply, UnitBits: 22}
	if cfg != nil && cfg.UnitBits != 0 {
		a.UnitBits = cfg.UnitBits
	}
	return a
}

// NewRoot returns an allocator over the global slot range [start, end) that
// links a fresh capability table into the root table whenever the cursor
// enters a table for the first time.
func NewRoot(k Kernel, start, end slot.Handle, supply Supplier, cfg *models.Config) *ObjectAllocator {
	slots := NewCursorSlots(start, end)
	a := New(k, slots, supply, cfg)
	slots.Link = a.linkTable
	return a
}

func (a *ObjectAllocator) linkTable(table uint64) error {
	a.cfg.Printf("[alloc] linking capability table %#x\n", table)
	return a.retypeInto(models.CNode, slot.RadixBits, slot.TableEntry(table), 1)
}

func fatal(format string, args ...interface{}) {
	panic(errors.Wrapf(ErrExhausted, format, args...))
}

// AddBlock appends an untyped block; later allocations carve from it first.
func (a *ObjectAllocator) AddBlock(untyped slot.Handle, sizeBits uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addBlock(untyped, sizeBits)
}

func (a *ObjectAllocator) addBlock(untyped slot.Handle, sizeBits uint) *Block {
	b := &Block{Cap: untyped, Size: 1 << sizeBits}
	a.blocks = append(a.blocks, b)
	a.cfg.Printf("[alloc] block %s: %#x bytes\n", untyped, b.Size)
	return b
}

func (a *ObjectAllocator) current() *Block {
	if len(a.blocks) == 0 {
		return nil
	}
	return a.blocks[len(a.blocks)-1]
}

// ensureCapacity returns a block that can hold count objects of footprint fp.
// An object is never split across blocks.
func (a *ObjectAllocator) ensureCapacity(fp uint64, count int) *Block {
	b := a.current()
	var remaining, need uint64
	if b != nil {
		remaining, need = b.Remaining(), b.need(fp, count)
	} else {
		need = fp * uint64(count)
	}
	switch pickSource(0, remaining, need, a.supply != nil) {
	case fromBlock:
		return b
	case fromUpstream:
		untyped, bits, ok := a.supply()
		if !ok {
			fatal("supplier has nothing left for %#x bytes", need)
		}
		nb := a.addBlock(untyped, bits)
		if n := nb.need(fp, count); n > nb.Remaining() {
			fatal("supplied block %s holds %#x bytes, need %#x", untyped, nb.Remaining(), n)
		}
		return nb
	}
	fatal("need %#x bytes, %#x left and no supplier", need, remaining)
	return nil
}

func (a *ObjectAllocator) retypeInto(typ models.ObjectType, sizeBits uint, dest slot.Path, count int) error {
	fp := typ.Footprint(sizeBits)
	b := a.ensureCapacity(fp, count)
	if err := a.k.Retype(b.Cap.Path(), typ, sizeBits, dest, count); err != nil {
		return errors.Wrapf(err, "retype %d x %s into %s", count, typ, dest)
	}
	b.consume(fp, count)
	return nil
}

func (a *ObjectAllocator) nextSlot() slot.Handle {
	h, err := a.slots.NextSlot()
	if err != nil {
		panic(errors.Wrap(err, "allocating a destination slot"))
	}
	return h
}

func (a *ObjectAllocator) alloc(typ models.ObjectType, sizeBits uint) (slot.Handle, error) {
	h := a.nextSlot()
	if err := a.retypeInto(typ, sizeBits, h.Path(), 1); err != nil {
		a.slots.RecycleSlot(h)
		return slot.Null, err
	}
	return h, nil
}

// AllocFixed allocates one fixed size object at a fresh slot.
func (a *ObjectAllocator) AllocFixed(typ models.ObjectType) (slot.Handle, error) {
	if typ.Variable() {
		return slot.Null, errors.Errorf("%s needs a size", typ)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(typ, 0)
}

// AllocVariable allocates an untyped block or capability table of 2^sizeBits
// bytes or slots.
func (a *ObjectAllocator) AllocVariable(typ models.ObjectType, sizeBits uint) (slot.Handle, error) {
	if !typ.Variable() {
		return slot.Null, errors.Errorf("%s has a fixed size", typ)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(typ, sizeBits)
}

// RetypeAt allocates one object into a slot chosen by the caller.
func (a *ObjectAllocator) RetypeAt(typ models.ObjectType, sizeBits uint, dest slot.Path) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retypeInto(typ, sizeBits, dest, 1)
}

func (a *ObjectAllocator) AllocTable() (slot.Handle, error) {
	return a.AllocFixed(models.PageTable)
}

func (a *ObjectAllocator) AllocLargePage() (slot.Handle, error) {
	return a.AllocFixed(models.LargeFrame)
}

// AllocPage returns a zero filled frame, reusing a recycled one when possible.
func (a *ObjectAllocator) AllocPage() (slot.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var remaining, need uint64 = 0, models.PageSize
	if b := a.current(); b != nil {
		remaining, need = b.Remaining(), b.need(models.PageSize, 1)
	}
	if pickSource(len(a.free), remaining, need, a.supply != nil) != fromFreeList {
		return a.alloc(models.Frame, 0)
	}
	h := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	paddr, err := a.k.FrameAddress(h.Path())
	if err != nil {
		return slot.Null, errors.Wrapf(err, "recycled frame %s", h)
	}
	if err := a.k.WritePhys(paddr, zeroPage[:]); err != nil {
		return slot.Null, errors.Wrapf(err, "zeroing frame %s", h)
	}
	return h, nil
}

// AllocPages allocates n frames. Consecutive slots are retyped in one call
// when the slot source can reserve them.
func (a *ObjectAllocator) AllocPages(n int) ([]slot.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bulk, ok := a.slots.(BulkSlotSource); ok && n > 1 {
		first, ok, err := bulk.NextSlots(uint64(n))
		if err != nil {
			return nil, err
		}
		if ok {
			if err := a.retypeInto(models.Frame, 0, first.Path(), n); err != nil {
				return nil, err
			}
			pages := make([]slot.Handle, n)
			for i := range pages {
				pages[i] = slot.Advance(first, uint64(i))
			}
			return pages, nil
		}
	}
	pages := make([]slot.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := a.alloc(models.Frame, 0)
		if err != nil {
			return nil, err
		}
		pages = append(pages, h)
	}
	return pages, nil
}

// RecyclePage puts an unmapped frame on the free list. Its contents are
// cleared when it is handed out again.
func (a *ObjectAllocator) RecyclePage(h slot.Handle) {
	a.mu.Lock()
	a.free = append(a.free, h)
	a.mu.Unlock()
}

func (a *ObjectAllocator) NextSlot() (slot.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots.NextSlot()
}

func (a *ObjectAllocator) RecycleSlot(h slot.Handle) {
	a.mu.Lock()
	a.slots.RecycleSlot(h)
	a.mu.Unlock()
}

// AllocUntypedUnit returns a block of 2^UnitBits bytes for a new task.
func (a *ObjectAllocator) AllocUntypedUnit() (slot.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.units); n > 0 {
		h := a.units[n-1]
		a.units = a.units[:n-1]
		return h, nil
	}
	return a.alloc(models.Untyped, a.UnitBits)
}

// RecycleUntypedUnit revokes everything carved from h and keeps it for the next task.
func (a *ObjectAllocator) RecycleUntypedUnit(h slot.Handle) error {
	if err := a.k.Revoke(h.Path()); err != nil {
		return errors.Wrapf(err, "revoking unit %s", h)
	}
	a.mu.Lock()
	a.units = append(a.units, h)
	a.mu.Unlock()
	return nil
}

// Release destroys every frame on the free list and returns its slot.
func (a *ObjectAllocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.free) > 0 {
		h := a.free[len(a.free)-1]
		if err := a.k.Revoke(h.Path()); err != nil {
			return errors.Wrapf(err, "revoke %s", h)
		}
		if err := a.k.Delete(h.Path()); err != nil {
			return errors.Wrapf(err, "delete %s", h)
		}
		a.free = a.free[:len(a.free)-1]
		a.slots.RecycleSlot(h)
	}
	return nil
}

type Stats struct {
	Blocks     int
	FreePages  int
	FreeUnits  int
	Remaining  uint64
	TotalBytes uint64
}

func (a *ObjectAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Blocks: len(a.blocks), FreePages: len(a.free), FreeUnits: len(a.units)}
	for _, b := range a.blocks {
		s.TotalBytes += b.Size
	}
	if b := a.current(); b != nil {
		s.Remaining = b.Remaining()
	}
	return s
}
