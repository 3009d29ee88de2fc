// Package ukernel is an in-process model of a capability microkernel: typed
// objects carved from untyped memory, a two level capability namespace with
// a derivation tree, per address space translation trees, endpoints,
// notifications and fault delivery.
package ukernel

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Well known slots of the boot table (table 0).
const (
	BootTCB       = 1
	BootRootTable = 2
	BootVSpace    = 3
	BootUntyped   = 0x20
)

var _ models.Kernel = (*Kernel)(nil)

type Tracer interface {
	OnOp(op models.Op)
}

type Counters struct {
	Retype, Derive, Revoke, Delete int
	MapFrame, MapTable, Unmap      int
	Faults                         int
}

type UntypedDesc struct {
	Cap   slot.Handle
	Bits  uint
	Paddr uint64
}

type BootInfo struct {
	TCB, RootTable, VSpace slot.Handle
	Untyped                []UntypedDesc
	// first and one past the last empty slot of the boot table
	EmptyStart, EmptyEnd slot.Handle
	Levels               int
}

type Kernel struct {
	mu     sync.Mutex
	levels int
	root   *object
	ram    *arena
	tracer Tracer

	counters  Counters
	nextReply models.ReplyToken
	replies   map[models.ReplyToken]*envelope
}

// New boots a kernel with the memory layout in cfg and returns the boot
// inventory handed to the root task.
func New(cfg *models.Config) (*Kernel, *BootInfo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	bits := append([]uint(nil), cfg.UntypedBits...)
	sort.Slice(bits, func(i, j int) bool { return bits[i] > bits[j] })
	// blocks sorted largest first and packed from an aligned base are all naturally aligned
	var total uint64
	for _, b := range bits {
		total += 1 << b
	}
	ram, err := newArena(PhysBase, total)
	if err != nil {
		return nil, nil, err
	}
	k := &Kernel{
		levels:  cfg.Levels,
		ram:     ram,
		replies: make(map[models.ReplyToken]*envelope),
	}
	k.root = k.newObject(models.CNode, slot.RadixBits, 0)
	boot := k.newObject(models.CNode, slot.RadixBits, 0)
	k.root.cnode.put(0, &capability{obj: boot, rights: models.AllRights})

	info := &BootInfo{Levels: cfg.Levels}
	bootCap := func(idx uint64, obj *object) slot.Handle {
		boot.cnode.put(idx, &capability{obj: obj, rights: models.AllRights})
		return slot.Encode(0, idx)
	}
	info.TCB = bootCap(BootTCB, k.newObject(models.TCB, 0, 0))
	info.RootTable = bootCap(BootRootTable, k.root)
	info.VSpace = bootCap(BootVSpace, k.newObject(models.VSpace, 0, 0))
	paddr := uint64(PhysBase)
	for i, b := range bits {
		h := bootCap(BootUntyped+uint64(i), k.newObject(models.Untyped, b, paddr))
		info.Untyped = append(info.Untyped, UntypedDesc{Cap: h, Bits: b, Paddr: paddr})
		paddr += 1 << b
	}
	info.EmptyStart = slot.Encode(0, BootUntyped+uint64(len(bits)))
	info.EmptyEnd = slot.Encode(1, 0)
	return k, info, nil
}

func (k *Kernel) SetTracer(t Tracer) {
	k.mu.Lock()
	k.tracer = t
	k.mu.Unlock()
}

func (k *Kernel) trace(op models.Op) {
	if k.tracer != nil {
		k.tracer.OnOp(op)
	}
}

func (k *Kernel) Levels() int { return k.levels }

func (k *Kernel) Counters() Counters {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counters
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ram.close()
}

func kerr(op string, kind models.ErrorKind, p slot.Path) error {
	return errors.WithStack(&models.KernelError{Op: op, Kind: kind, Path: p})
}

// lookupSlot resolves p to a table and an index inside it.
func (k *Kernel) lookupSlot(op string, p slot.Path) (*cnode, uint64, error) {
	if p.Relative {
		c, err := k.lookupCap(op, p.Root.Path())
		if err != nil {
			return nil, 0, err
		}
		if c.obj.typ != models.CNode {
			return nil, 0, kerr(op, models.InvalidCapability, p)
		}
		cn := c.obj.cnode
		if p.Depth != cn.bits || p.Index >= uint64(len(cn.slots)) {
			return nil, 0, kerr(op, models.RangeError, p)
		}
		return cn, p.Index, nil
	}
	switch p.Depth {
	case slot.TableDepth:
		if p.Index >= slot.RadixEntries {
			return nil, 0, kerr(op, models.RangeError, p)
		}
		return k.root.cnode, p.Index, nil
	case slot.LeafDepth:
		h := slot.Handle(p.Index)
		if h.Table() >= slot.RadixEntries {
			return nil, 0, kerr(op, models.RangeError, p)
		}
		entry := k.root.cnode.slots[h.Table()]
		if entry == nil || entry.obj.typ != models.CNode || entry.obj.cnode.bits != slot.RadixBits {
			return nil, 0, kerr(op, models.FailedLookup, p)
		}
		return entry.obj.cnode, h.Offset(), nil
	}
	return nil, 0, kerr(op, models.RangeError, p)
}

func (k *Kernel) lookupCap(op string, p slot.Path) (*capability, error) {
	cn, idx, err := k.lookupSlot(op, p)
	if err != nil {
		return nil, err
	}
	if c := cn.slots[idx]; c != nil {
		return c, nil
	}
	return nil, kerr(op, models.FailedLookup, p)
}

func (k *Kernel) lookupTyped(op string, p slot.Path, types ...models.ObjectType) (*capability, error) {
	c, err := k.lookupCap(op, p)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if c.obj.typ == t {
			return c, nil
		}
	}
	return nil, kerr(op, models.InvalidCapability, p)
}

// ObjectType reports the type of the object the capability at p refers to.
func (k *Kernel) ObjectType(p slot.Path) (models.ObjectType, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, err := k.lookupCap("identify", p)
	if err != nil {
		return 0, err
	}
	return c.obj.typ, nil
}
