// Package vspace maps frames into task address spaces and builds the
// translation nodes they need on demand.
package vspace

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

type Kernel interface {
	models.CapOps
	models.MemOps
}

type TableAllocator interface {
	AllocTable() (slot.Handle, error)
}

type PageAllocator interface {
	AllocPage() (slot.Handle, error)
}

type pageRecycler interface {
	RecyclePage(h slot.Handle)
}

type slotRecycler interface {
	RecycleSlot(h slot.Handle)
}

// FrameOwner lends frames to an address space and takes them back, unmapped
// and with every copy revoked, when they are unmapped or the space is
// destroyed.
type FrameOwner interface {
	RecyclePage(h slot.Handle)
}

// MapHook observes mappings, e.g. to mirror them into a cpu backend.
type MapHook interface {
	Map(m *Mapping)
	Unmap(addr, size uint64)
}

type nodeKey struct {
	level int
	base  uint64
}

type AddressSpace struct {
	mu     sync.Mutex
	k      Kernel
	cfg    *models.Config
	VSpace slot.Handle
	levels int
	tables TableAllocator
	pages  PageAllocator

	nodes   []slot.Handle
	present map[nodeKey]bool
	mem     Mappings
	hooks   []MapHook

	heapBase, heap uint64

	Bits  int
	Order binary.ByteOrder
}

// New wraps the address space at vspace. Translation nodes come from tables,
// frames mapped on behalf of the task (heap, anonymous memory) from pages.
func New(k Kernel, vspace slot.Handle, levels int, tables TableAllocator, pages PageAllocator, cfg *models.Config) *AddressSpace {
	return &AddressSpace{
		k:       k,
		cfg:     cfg,
		VSpace:  vspace,
		levels:  levels,
		tables:  tables,
		pages:   pages,
		present: make(map[nodeKey]bool),
		Bits:    64,
		Order:   binary.LittleEndian,
	}
}

func (a *AddressSpace) Levels() int { return a.levels }

func (a *AddressSpace) AddHook(h MapHook) {
	a.mu.Lock()
	a.hooks = append(a.hooks, h)
	a.mu.Unlock()
}

// nodeBase is the first address covered by the node at level holding vaddr.
func (a *AddressSpace) nodeBase(level int, vaddr uint64) uint64 {
	return vaddr &^ (models.LevelSpan(a.levels, level-1) - 1)
}

func (a *AddressSpace) MapPage(vaddr uint64, frame slot.Handle) error {
	return a.MapPageProt(vaddr, frame, models.PROT_ALL)
}

func (a *AddressSpace) MapPageProt(vaddr uint64, frame slot.Handle, prot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapFrame(vaddr, frame, prot, false, nil)
}

// MapLentPage maps a frame that stays owned by owner: the space never deletes
// it and hands it back to owner instead.
func (a *AddressSpace) MapLentPage(vaddr uint64, frame slot.Handle, prot int, owner FrameOwner) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapFrame(vaddr, frame, prot, false, owner)
}

// MapLargePage maps a large frame one level above the leaf tables.
func (a *AddressSpace) MapLargePage(vaddr uint64, frame slot.Handle, prot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapFrame(vaddr, frame, prot, true, nil)
}

// mapFrame retries the kernel map, adding one translation node for every
// missing level it reports. Any other failure is returned unchanged.
func (a *AddressSpace) mapFrame(vaddr uint64, frame slot.Handle, prot int, large bool, owner FrameOwner) error {
	size, attempts := uint64(models.PageSize), a.levels
	if large {
		size, attempts = models.LargePageSize, a.levels-1
	}
	if vaddr%size != 0 {
		panic(errors.Errorf("mapping %s at unaligned address %#x", frame, vaddr))
	}
	for i := 0; i < attempts; i++ {
		err := a.k.MapFrame(frame.Path(), a.VSpace.Path(), vaddr, prot)
		if err == nil {
			return a.record(vaddr, size, frame, prot, owner)
		}
		kerr, ok := errors.Cause(err).(*models.KernelError)
		if !ok || kerr.Kind != models.FailedLookup {
			return errors.Wrapf(err, "mapping %s at %#x", frame, vaddr)
		}
		if err := a.addNode(kerr.Level, vaddr); err != nil {
			return err
		}
	}
	panic(errors.Errorf("%#x still misses a translation level after %d attempts", vaddr, attempts))
}

func (a *AddressSpace) addNode(level int, vaddr uint64) error {
	node, err := a.tables.AllocTable()
	if err != nil {
		return errors.Wrap(err, "allocating translation node")
	}
	if err := a.k.MapTable(node.Path(), a.VSpace.Path(), vaddr); err != nil {
		return errors.Wrapf(err, "linking translation node for %#x", vaddr)
	}
	a.nodes = append(a.nodes, node)
	a.present[nodeKey{level, a.nodeBase(level, vaddr)}] = true
	a.cfg.Printf("[vspace] %s: level %d node %s for %#x\n", a.VSpace, level, node, vaddr)
	return nil
}

func (a *AddressSpace) record(vaddr, size uint64, frame slot.Handle, prot int, owner FrameOwner) error {
	paddr, err := a.k.FrameAddress(frame.Path())
	if err != nil {
		return errors.Wrapf(err, "frame address of %s", frame)
	}
	m := &Mapping{Addr: vaddr, Size: size, Prot: prot, Frame: frame, Paddr: paddr, owner: owner}
	a.mem.insert(m)
	for _, h := range a.hooks {
		h.Map(m)
	}
	return nil
}

// ReserveTables links every translation node covering [start, end) up
// front, one level at a time from the root down.
func (a *AddressSpace) ReserveTables(start, end uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for level := 1; level < a.levels; level++ {
		span := models.LevelSpan(a.levels, level-1)
		for addr := start &^ (span - 1); addr < end; addr += span {
			if a.present[nodeKey{level, addr}] {
				continue
			}
			if err := a.addNode(level, addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnmapPage removes the mapping of frame at vaddr. A frame that is already
// unmapped is not an error.
func (a *AddressSpace) UnmapPage(vaddr uint64, frame slot.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmap(vaddr, frame)
}

func (a *AddressSpace) unmap(vaddr uint64, frame slot.Handle) error {
	if err := a.k.UnmapFrame(frame.Path()); err != nil && !models.IsKind(err, models.NotMapped) {
		return errors.Wrapf(err, "unmapping %s", frame)
	}
	if m := a.mem.Find(vaddr); m != nil && m.Frame == frame {
		a.mem.remove(m.Addr)
		for _, h := range a.hooks {
			h.Unmap(m.Addr, m.Size)
		}
	}
	return nil
}

// UnmapRange unmaps every mapping starting inside [addr, addr+size) and
// returns the frames, which now belong to the caller. Lent frames go back to
// their owner and are not returned.
func (a *AddressSpace) UnmapRange(addr, size uint64) ([]slot.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var victims []*Mapping
	for _, m := range a.mem {
		if m.Addr >= addr && m.Addr < addr+size {
			victims = append(victims, m)
		}
	}
	frames := make([]slot.Handle, 0, len(victims))
	for _, m := range victims {
		if err := a.unmap(m.Addr, m.Frame); err != nil {
			return frames, err
		}
		if m.owner != nil {
			if err := a.giveBack(m); err != nil {
				return frames, err
			}
			continue
		}
		frames = append(frames, m.Frame)
	}
	return frames, nil
}

// Protect changes the rights of every page mapped in [addr, addr+size).
func (a *AddressSpace) Protect(addr, size uint64, prot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mem {
		if m.Addr < addr || m.Addr >= addr+size || m.Prot == prot {
			continue
		}
		if err := a.k.UnmapFrame(m.Frame.Path()); err != nil {
			return errors.Wrapf(err, "unmapping %s", m.Frame)
		}
		if err := a.k.MapFrame(m.Frame.Path(), a.VSpace.Path(), m.Addr, prot); err != nil {
			return errors.Wrapf(err, "remapping %s", m.Frame)
		}
		m.Prot = prot
		for _, h := range a.hooks {
			h.Unmap(m.Addr, m.Size)
			h.Map(m)
		}
	}
	return nil
}

// FindFreeArea returns the first address at or after hint with size free
// bytes before the next mapping.
func (a *AddressSpace) FindFreeArea(hint, size uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	last := hint
	for _, m := range a.mem {
		if m.Addr+m.Size <= last {
			continue
		}
		if last+size <= m.Addr {
			return last
		}
		last = m.Addr + m.Size
	}
	return last
}

func (a *AddressSpace) Lookup(vaddr uint64) *Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem.Find(vaddr)
}

func (a *AddressSpace) Mappings() Mappings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(Mappings(nil), a.mem...)
}

func (a *AddressSpace) Nodes() []slot.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]slot.Handle(nil), a.nodes...)
}

// Translate returns the physical address behind vaddr.
func (a *AddressSpace) Translate(vaddr uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := a.mem.Find(vaddr); m != nil {
		return m.Paddr + vaddr - m.Addr, true
	}
	return 0, false
}

func (a *AddressSpace) PhysToVirt(paddr uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mem {
		if paddr >= m.Paddr && paddr < m.Paddr+m.Size {
			return m.Addr + paddr - m.Paddr, true
		}
	}
	return 0, false
}

func (a *AddressSpace) destroyCap(h slot.Handle, owner interface{}) error {
	if err := a.k.Revoke(h.Path()); err != nil {
		return errors.Wrapf(err, "revoke %s", h)
	}
	if err := a.k.Delete(h.Path()); err != nil {
		return errors.Wrapf(err, "delete %s", h)
	}
	if r, ok := owner.(slotRecycler); ok {
		r.RecycleSlot(h)
	}
	return nil
}

// giveBack returns an unmapped lent frame to its owner once every copy handed
// to the task is revoked.
func (a *AddressSpace) giveBack(m *Mapping) error {
	if err := a.k.Revoke(m.Frame.Path()); err != nil {
		return errors.Wrapf(err, "revoke %s", m.Frame)
	}
	m.owner.RecyclePage(m.Frame)
	return nil
}

// Destroy revokes and deletes every translation node and mapped frame. Lent
// frames are unmapped and returned to their owner. The address space is
// unusable afterwards.
func (a *AddressSpace) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.mem) > 0 {
		m := a.mem[len(a.mem)-1]
		var err error
		if m.owner != nil {
			if err = a.k.UnmapFrame(m.Frame.Path()); err == nil || models.IsKind(err, models.NotMapped) {
				err = a.giveBack(m)
			}
		} else {
			err = a.destroyCap(m.Frame, a.pages)
		}
		if err != nil {
			return err
		}
		a.mem = a.mem[:len(a.mem)-1]
		for _, h := range a.hooks {
			h.Unmap(m.Addr, m.Size)
		}
	}
	for len(a.nodes) > 0 {
		node := a.nodes[len(a.nodes)-1]
		if err := a.destroyCap(node, a.tables); err != nil {
			return err
		}
		a.nodes = a.nodes[:len(a.nodes)-1]
	}
	a.present = make(map[nodeKey]bool)
	return nil
}
