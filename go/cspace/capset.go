// Package cspace manages the private capability table of one task.
package cspace

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/alloc"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

const (
	// SelfSlot holds the table's capability to itself.
	SelfSlot = 2
	// DefaultStart is the first offset handed out automatically; lower
	// offsets are left for well known capabilities placed explicitly.
	DefaultStart = 0x100
	// Auto asks for the next free offset.
	Auto = ^uint64(0)
)

// CapSet is a capability table linked into the root table at Index. Its
// objects are carved from one untyped block and every allocation is
// remembered so Destroy can tear the whole table down.
type CapSet struct {
	mu      sync.Mutex
	k       alloc.Kernel
	index   uint64
	bits    uint
	untyped slot.Handle
	cursor  *slot.Cursor
	objs    *alloc.ObjectAllocator
	caps    []uint64
	live    map[uint64]bool
	large   map[uint64]bool
}

// New carves a table of 2^bits slots from untyped and links it at root table
// entry index. temp lends the slot the table lives in until it is linked.
func New(k alloc.Kernel, temp alloc.SlotSource, index uint64, bits uint, untyped slot.Handle, untypedBits uint, start uint64, cfg *models.Config) (*CapSet, error) {
	if bits != slot.RadixBits {
		return nil, errors.Errorf("table radix %d does not match the namespace radix %d", bits, slot.RadixBits)
	}
	if start < SelfSlot+1 || start >= 1<<bits {
		return nil, errors.Errorf("first automatic offset %#x out of range", start)
	}
	c := &CapSet{
		k:       k,
		index:   index,
		bits:    bits,
		untyped: untyped,
		cursor:  slot.NewCursor(start, 1<<bits),
		live:    make(map[uint64]bool),
		large:   make(map[uint64]bool),
	}
	c.objs = alloc.New(k, c, nil, cfg)
	c.objs.AddBlock(untyped, untypedBits)

	tmp, err := temp.NextSlot()
	if err != nil {
		return nil, err
	}
	defer temp.RecycleSlot(tmp)
	if err := c.objs.RetypeAt(models.CNode, bits, tmp.Path()); err != nil {
		return nil, err
	}
	// the table can only name its own slots once it holds a capability to itself
	if err := k.Mint(tmp.Path(), slot.Within(tmp, SelfSlot, bits), models.AllRights, 0); err != nil {
		return nil, errors.Wrap(err, "minting self capability")
	}
	// an occupied entry belongs to someone else and is never cleared here
	if err := k.Move(tmp.Path(), slot.TableEntry(index)); err != nil {
		if rerr := k.Revoke(tmp.Path()); rerr == nil {
			k.Delete(tmp.Path())
		}
		return nil, errors.Wrapf(err, "linking table at root entry %#x", index)
	}
	cfg.Printf("[cspace] table %#x linked, %d slots\n", index, 1<<bits)
	return c, nil
}

func (c *CapSet) Index() uint64        { return c.index }
func (c *CapSet) Path() slot.Path      { return slot.TableEntry(c.index) }
func (c *CapSet) Untyped() slot.Handle { return c.untyped }

// RootHandle is the global handle of the table's capability to itself.
func (c *CapSet) RootHandle() slot.Handle {
	return slot.Encode(c.index, SelfSlot)
}

// Handle returns the global handle of offset inside this table.
func (c *CapSet) Handle(offset uint64) slot.Handle {
	return slot.Encode(c.index, offset)
}

func (c *CapSet) NextSlot() (slot.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.cursor.Alloc()
	if !ok {
		return slot.Null, errors.WithStack(alloc.ErrNoSlots)
	}
	return slot.Encode(c.index, off), nil
}

// NextSlots reserves n consecutive fresh offsets. ok is false when the table
// has no run that long left.
func (c *CapSet) NextSlots(n uint64) (slot.Handle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.cursor.AllocN(n)
	if !ok {
		return slot.Null, false, nil
	}
	return slot.Encode(c.index, off), true, nil
}

// RecycleSlot returns a slot of this table to the cursor and forgets the
// object recorded there. Handles from other tables are ignored.
func (c *CapSet) RecycleSlot(h slot.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Table() != c.index {
		return
	}
	c.forget(h.Offset())
	c.cursor.Recycle(h.Offset())
}

// record is idempotent: a frame handed out again from the free list keeps
// its single entry.
func (c *CapSet) record(h slot.Handle) {
	c.mu.Lock()
	if off := h.Offset(); !c.live[off] {
		c.live[off] = true
		c.caps = append(c.caps, off)
	}
	c.mu.Unlock()
}

func (c *CapSet) forget(off uint64) {
	if !c.live[off] {
		return
	}
	delete(c.live, off)
	delete(c.large, off)
	for i, o := range c.caps {
		if o == off {
			c.caps = append(c.caps[:i], c.caps[i+1:]...)
			break
		}
	}
}

func (c *CapSet) alloc(typ models.ObjectType, sizeBits uint, at uint64) (slot.Handle, error) {
	var h slot.Handle
	if at == Auto {
		var err error
		if typ.Variable() {
			h, err = c.objs.AllocVariable(typ, sizeBits)
		} else {
			h, err = c.objs.AllocFixed(typ)
		}
		if err != nil {
			return slot.Null, err
		}
	} else {
		if at >= 1<<c.bits {
			return slot.Null, errors.Errorf("offset %#x outside a %d bit table", at, c.bits)
		}
		h = slot.Encode(c.index, at)
		if err := c.objs.RetypeAt(typ, sizeBits, h.Path()); err != nil {
			return slot.Null, err
		}
	}
	c.record(h)
	return h, nil
}

// AllocFixed allocates a fixed size object at offset at, or at the next free
// offset when at is Auto.
func (c *CapSet) AllocFixed(typ models.ObjectType, at uint64) (slot.Handle, error) {
	if typ.Variable() {
		return slot.Null, errors.Errorf("%s needs a size", typ)
	}
	return c.alloc(typ, 0, at)
}

func (c *CapSet) AllocVariable(typ models.ObjectType, sizeBits uint, at uint64) (slot.Handle, error) {
	if !typ.Variable() {
		return slot.Null, errors.Errorf("%s has a fixed size", typ)
	}
	return c.alloc(typ, sizeBits, at)
}

func (c *CapSet) AllocTable() (slot.Handle, error) { return c.AllocFixed(models.PageTable, Auto) }

// AllocPage returns a zero filled frame, reusing one given back through
// RecyclePage when there is one.
func (c *CapSet) AllocPage() (slot.Handle, error) {
	h, err := c.objs.AllocPage()
	if err != nil {
		return slot.Null, err
	}
	c.record(h)
	return h, nil
}

// RecyclePage keeps an unmapped frame of this table for the next AllocPage.
// The frame stays recorded, so Destroy still tears it down. Large frames are
// deleted and their slot recycled instead.
func (c *CapSet) RecyclePage(h slot.Handle) {
	if h.Table() != c.index {
		return
	}
	c.mu.Lock()
	large := c.large[h.Offset()]
	c.mu.Unlock()
	if large {
		if err := c.k.Delete(h.Path()); err == nil {
			c.RecycleSlot(h)
		}
		return
	}
	c.objs.RecyclePage(h)
}

func (c *CapSet) AllocLargePage() (slot.Handle, error) {
	h, err := c.AllocFixed(models.LargeFrame, Auto)
	if err != nil {
		return slot.Null, err
	}
	c.mu.Lock()
	c.large[h.Offset()] = true
	c.mu.Unlock()
	return h, nil
}

// AllocPages allocates n fresh frames, retyped in one call when the table
// still has n consecutive offsets.
func (c *CapSet) AllocPages(n int) ([]slot.Handle, error) {
	pages, err := c.objs.AllocPages(n)
	if err != nil {
		return nil, err
	}
	for _, h := range pages {
		c.record(h)
	}
	return pages, nil
}

// Caps lists the handles of every object allocated through this table.
func (c *CapSet) Caps() []slot.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]slot.Handle, len(c.caps))
	for i, off := range c.caps {
		out[i] = slot.Encode(c.index, off)
	}
	return out
}

// Migrate moves the table to another root table entry. Objects keep their
// offsets, so their global handles change with the table index.
func (c *CapSet) Migrate(dest slot.Path) error {
	if dest.Relative || dest.Depth != slot.LeafDepth-c.bits {
		panic(errors.Errorf("migrating a %d bit table to depth %d", c.bits, dest.Depth))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.k.Move(slot.TableEntry(c.index), dest); err != nil {
		return errors.Wrapf(err, "migrating table %#x", c.index)
	}
	c.index = dest.Index
	return nil
}

// Destroy revokes and deletes every recorded object, then unlinks the table.
// The first failure is returned: a table whose objects cannot be torn down
// must not be unlinked silently.
func (c *CapSet) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.caps) > 0 {
		h := slot.Encode(c.index, c.caps[0])
		if err := c.k.Revoke(h.Path()); err != nil {
			return errors.Wrapf(err, "revoke %s", h)
		}
		if err := c.k.Delete(h.Path()); err != nil {
			return errors.Wrapf(err, "delete %s", h)
		}
		delete(c.live, c.caps[0])
		delete(c.large, c.caps[0])
		c.caps = c.caps[1:]
	}
	self := slot.Encode(c.index, SelfSlot)
	if err := c.k.Delete(self.Path()); err != nil {
		return errors.Wrapf(err, "delete %s", self)
	}
	if err := c.k.Delete(slot.TableEntry(c.index)); err != nil {
		return errors.Wrapf(err, "unlink table %#x", c.index)
	}
	return nil
}
