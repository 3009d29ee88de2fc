package ukernel

import (
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (k *Kernel) Retype(untyped slot.Path, typ models.ObjectType, sizeBits uint, dest slot.Path, count int) error {
	const op = "retype"
	k.mu.Lock()
	defer k.mu.Unlock()
	ut, err := k.lookupTyped(op, untyped, models.Untyped)
	if err != nil {
		return err
	}
	if count < 1 {
		return kerr(op, models.InvalidArgument, dest)
	}
	switch typ {
	case models.Untyped:
		if sizeBits < models.MinUntypedBits || sizeBits > models.MaxUntypedBits {
			return kerr(op, models.RangeError, dest)
		}
	case models.CNode:
		if sizeBits < 1 || sizeBits > 24 {
			return kerr(op, models.RangeError, dest)
		}
	}
	table, idx, err := k.lookupSlot(op, dest)
	if err != nil {
		return err
	}
	if idx+uint64(count) > uint64(len(table.slots)) {
		return kerr(op, models.RangeError, dest)
	}
	for i := 0; i < count; i++ {
		if table.slots[idx+uint64(i)] != nil {
			return kerr(op, models.DeleteFirst, dest)
		}
	}
	block := ut.obj
	if len(ut.children) == 0 {
		block.watermark = 0
	}
	fp := typ.Footprint(sizeBits)
	start := alignUp(block.watermark, fp)
	if start+fp*uint64(count) > block.size() || fp > block.size() {
		return kerr(op, models.NotEnoughMemory, untyped)
	}
	for i := 0; i < count; i++ {
		paddr := block.paddr + start + fp*uint64(i)
		obj := k.newObject(typ, sizeBits, paddr)
		if typ == models.Frame || typ == models.LargeFrame {
			k.ram.zero(paddr, fp)
		}
		c := &capability{obj: obj, rights: models.AllRights}
		ut.addChild(c)
		table.put(idx+uint64(i), c)
	}
	block.watermark = start + fp*uint64(count)
	k.counters.Retype++
	k.trace(&trace.OpRetype{Untyped: untyped, Type: uint8(typ), SizeBits: uint8(sizeBits), Dest: dest, Count: uint32(count)})
	return nil
}

func (k *Kernel) derive(op string, kind uint8, src, dest slot.Path, rights models.Rights, badge uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, err := k.lookupCap(op, src)
	if err != nil {
		return err
	}
	table, idx, err := k.lookupSlot(op, dest)
	if err != nil {
		return err
	}
	if table.slots[idx] != nil {
		return kerr(op, models.DeleteFirst, dest)
	}
	if kind == trace.DERIVE_MOVE {
		c.table.take(c.index)
		table.put(idx, c)
	} else {
		if c.obj.typ == models.Untyped && len(c.children) > 0 {
			return kerr(op, models.RevokeFirst, src)
		}
		n := &capability{obj: c.obj, rights: restrict(c.rights, rights), badge: c.badge}
		if kind == trace.DERIVE_MINT {
			n.badge = badge
		}
		c.addChild(n)
		table.put(idx, n)
	}
	k.counters.Derive++
	k.trace(&trace.OpDerive{Kind: kind, Src: src, Dest: dest, Badge: badge})
	return nil
}

func (k *Kernel) Copy(src, dest slot.Path, rights models.Rights) error {
	return k.derive("copy", trace.DERIVE_COPY, src, dest, rights, 0)
}

func (k *Kernel) Mint(src, dest slot.Path, rights models.Rights, badge uint64) error {
	return k.derive("mint", trace.DERIVE_MINT, src, dest, rights, badge)
}

func (k *Kernel) Move(src, dest slot.Path) error {
	return k.derive("move", trace.DERIVE_MOVE, src, dest, models.AllRights, 0)
}

// Delete empties the slot at p. Deleting an empty slot succeeds.
func (k *Kernel) Delete(p slot.Path) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	table, idx, err := k.lookupSlot("delete", p)
	if err != nil {
		return err
	}
	if c := table.slots[idx]; c != nil {
		k.deleteCap(c)
	}
	k.counters.Delete++
	k.trace(&trace.OpDelete{Path: p})
	return nil
}

// Revoke deletes every descendant of the capability at p, leaving p itself.
func (k *Kernel) Revoke(p slot.Path) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	table, idx, err := k.lookupSlot("revoke", p)
	if err != nil {
		return err
	}
	if c := table.slots[idx]; c != nil {
		for len(c.children) > 0 {
			k.deleteTree(c.children[len(c.children)-1])
		}
		if c.obj.typ == models.Untyped {
			c.obj.watermark = 0
		}
	}
	k.counters.Revoke++
	k.trace(&trace.OpRevoke{Path: p})
	return nil
}

func (k *Kernel) deleteTree(c *capability) {
	for len(c.children) > 0 {
		k.deleteTree(c.children[len(c.children)-1])
	}
	k.deleteCap(c)
}

// deleteCap removes c from its slot and from the derivation tree. Its
// children are handed to its parent. The object dies with its last capability.
func (k *Kernel) deleteCap(c *capability) {
	if c.parent != nil {
		c.parent.removeChild(c)
	}
	for _, child := range c.children {
		if c.parent != nil {
			c.parent.addChild(child)
		} else {
			child.parent = nil
		}
	}
	c.children = nil
	c.parent = nil
	obj := c.obj
	if c.table == nil {
		return
	}
	c.table.take(c.index)
	if obj.refs == 0 || (obj.typ == models.CNode && obj.refs == obj.cnode.selfRefs()) {
		k.destroy(obj)
	}
}

func (cn *cnode) selfRefs() int {
	n := 0
	for _, c := range cn.slots {
		if c != nil && c.obj == cn.obj {
			n++
		}
	}
	return n
}

func (k *Kernel) destroy(obj *object) {
	switch obj.typ {
	case models.CNode:
		for i, c := range obj.cnode.slots {
			if c == nil {
				continue
			}
			if c.obj == obj {
				if c.parent != nil {
					c.parent.removeChild(c)
				}
				obj.cnode.slots[i] = nil
				c.table = nil
				continue
			}
			k.deleteCap(c)
		}
		obj.refs = 0
	case models.Frame, models.LargeFrame:
		k.unmapFrame(obj)
	case models.VSpace, models.PageTable:
		k.detachNode(obj.node)
	case models.TCB:
		obj.tcb.kill()
	case models.Endpoint:
		obj.ep.kill()
	}
}
