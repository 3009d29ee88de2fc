package ukernel

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

// ptNode is one translation node. Level 0 is the root of an address space,
// level Levels-1 holds 4 KiB frames and level Levels-2 may hold large frames.
type ptNode struct {
	obj   *object
	level int // -1 while unlinked
	root  *ptNode
	// where this node is linked in its parent
	parent  *ptNode
	index   uint64
	entries map[uint64]*pte
}

type pte struct {
	child *ptNode
	frame *object
	prot  int
}

type frameState struct {
	node  *ptNode
	index uint64
	vaddr uint64
	prot  int
}

func (k *Kernel) index(level int, vaddr uint64) uint64 {
	shift := models.PageBits + models.LevelBits*uint(k.levels-1-level)
	return (vaddr >> shift) & (1<<models.LevelBits - 1)
}

func (k *Kernel) checkVaddr(op string, vaddr uint64, p slot.Path) error {
	if vaddr>>models.AddressBits(k.levels) != 0 {
		return kerr(op, models.RangeError, p)
	}
	return nil
}

func (k *Kernel) MapFrame(frame, vspace slot.Path, vaddr uint64, prot int) error {
	const op = "map_frame"
	k.mu.Lock()
	defer k.mu.Unlock()
	fc, err := k.lookupTyped(op, frame, models.Frame, models.LargeFrame)
	if err != nil {
		return err
	}
	vc, err := k.lookupTyped(op, vspace, models.VSpace)
	if err != nil {
		return err
	}
	obj := fc.obj
	if vaddr%obj.size() != 0 {
		return kerr(op, models.AlignmentError, frame)
	}
	if err := k.checkVaddr(op, vaddr, frame); err != nil {
		return err
	}
	if obj.frame.node != nil {
		return kerr(op, models.IllegalOperation, frame)
	}
	leaf := k.levels - 1
	if obj.typ == models.LargeFrame {
		leaf--
	}
	node := vc.obj.node
	for level := 0; level < leaf; level++ {
		e := node.entries[k.index(level, vaddr)]
		if e == nil {
			return kerrLevel(op, level+1)
		}
		if e.frame != nil {
			return kerr(op, models.DeleteFirst, frame)
		}
		node = e.child
	}
	idx := k.index(leaf, vaddr)
	if node.entries[idx] != nil {
		return kerr(op, models.DeleteFirst, frame)
	}
	node.entries[idx] = &pte{frame: obj, prot: prot}
	*obj.frame = frameState{node: node, index: idx, vaddr: vaddr, prot: prot}
	k.counters.MapFrame++
	k.trace(&trace.OpMapFrame{Frame: frame, VSpace: vspace, Vaddr: vaddr, Prot: uint8(prot)})
	return nil
}

func kerrLevel(op string, level int) error {
	return errors.WithStack(&models.KernelError{Op: op, Kind: models.FailedLookup, Level: level})
}

func (k *Kernel) MapTable(table, vspace slot.Path, vaddr uint64) error {
	const op = "map_table"
	k.mu.Lock()
	defer k.mu.Unlock()
	tc, err := k.lookupTyped(op, table, models.PageTable)
	if err != nil {
		return err
	}
	vc, err := k.lookupTyped(op, vspace, models.VSpace)
	if err != nil {
		return err
	}
	if err := k.checkVaddr(op, vaddr, table); err != nil {
		return err
	}
	child := tc.obj.node
	if child.level >= 0 {
		return kerr(op, models.IllegalOperation, table)
	}
	node := vc.obj.node
	for level := 0; level < k.levels-1; level++ {
		idx := k.index(level, vaddr)
		e := node.entries[idx]
		if e == nil {
			child.level = level + 1
			child.root = node.root
			child.parent = node
			child.index = idx
			node.entries[idx] = &pte{child: child}
			k.counters.MapTable++
			k.trace(&trace.OpMapTable{Table: table, VSpace: vspace, Vaddr: vaddr, Level: uint8(child.level)})
			return nil
		}
		if e.frame != nil {
			break
		}
		node = e.child
	}
	return kerr(op, models.DeleteFirst, table)
}

func (k *Kernel) UnmapFrame(frame slot.Path) error {
	const op = "unmap_frame"
	k.mu.Lock()
	defer k.mu.Unlock()
	fc, err := k.lookupTyped(op, frame, models.Frame, models.LargeFrame)
	if err != nil {
		return err
	}
	if fc.obj.frame.node == nil {
		return kerr(op, models.NotMapped, frame)
	}
	k.unmapFrame(fc.obj)
	k.counters.Unmap++
	k.trace(&trace.OpUnmap{Frame: frame})
	return nil
}

func (k *Kernel) unmapFrame(obj *object) {
	fs := obj.frame
	if fs.node != nil {
		delete(fs.node.entries, fs.index)
	}
	*fs = frameState{}
}

// detachNode unlinks n from its parent and forgets every mapping below it.
func (k *Kernel) detachNode(n *ptNode) {
	if n.parent != nil {
		delete(n.parent.entries, n.index)
		n.parent = nil
	}
	k.clearNode(n)
	if n.obj.typ == models.PageTable {
		n.level = -1
		n.root = nil
	}
}

func (k *Kernel) clearNode(n *ptNode) {
	for idx, e := range n.entries {
		if e.frame != nil {
			*e.frame.frame = frameState{}
		} else if e.child != nil {
			e.child.parent = nil
			k.clearNode(e.child)
			e.child.level = -1
			e.child.root = nil
		}
		delete(n.entries, idx)
	}
}

func (k *Kernel) FrameAddress(frame slot.Path) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fc, err := k.lookupTyped("frame_address", frame, models.Frame, models.LargeFrame)
	if err != nil {
		return 0, err
	}
	return fc.obj.paddr, nil
}

// Resolve walks the translation tree of vspace for vaddr.
func (k *Kernel) Resolve(vspace slot.Path, vaddr uint64) (paddr uint64, prot int, err error) {
	const op = "resolve"
	k.mu.Lock()
	defer k.mu.Unlock()
	vc, err := k.lookupTyped(op, vspace, models.VSpace)
	if err != nil {
		return 0, 0, err
	}
	if err := k.checkVaddr(op, vaddr, vspace); err != nil {
		return 0, 0, err
	}
	node := vc.obj.node
	for level := 0; level < k.levels; level++ {
		e := node.entries[k.index(level, vaddr)]
		if e == nil {
			break
		}
		if e.frame != nil {
			size := e.frame.size()
			return e.frame.paddr + vaddr&(size-1), e.prot, nil
		}
		node = e.child
	}
	return 0, 0, kerr(op, models.NotMapped, vspace)
}

// Tables counts the translation nodes linked below the root of vspace.
func (k *Kernel) Tables(vspace slot.Path) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	vc, err := k.lookupTyped("tables", vspace, models.VSpace)
	if err != nil {
		return 0, err
	}
	var count func(n *ptNode) int
	count = func(n *ptNode) int {
		total := 0
		for _, e := range n.entries {
			if e.child != nil {
				total += 1 + count(e.child)
			}
		}
		return total
	}
	return count(vc.obj.node), nil
}
