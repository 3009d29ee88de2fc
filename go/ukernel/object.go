package ukernel

import (
	"github.com/lunixbochs/capcorn/go/models"
)

type object struct {
	typ      models.ObjectType
	sizeBits uint
	paddr    uint64
	// live capabilities to this object
	refs int

	watermark uint64
	cnode     *cnode
	node      *ptNode
	frame     *frameState
	tcb       *tcb
	ep        *endpoint
	ntfn      *notification
}

func (k *Kernel) newObject(typ models.ObjectType, sizeBits uint, paddr uint64) *object {
	obj := &object{typ: typ, sizeBits: sizeBits, paddr: paddr}
	switch typ {
	case models.CNode:
		obj.cnode = &cnode{obj: obj, bits: sizeBits, slots: make([]*capability, 1<<sizeBits)}
	case models.VSpace:
		obj.node = &ptNode{obj: obj, level: 0, entries: make(map[uint64]*pte)}
		obj.node.root = obj.node
	case models.PageTable:
		obj.node = &ptNode{obj: obj, level: -1, entries: make(map[uint64]*pte)}
	case models.Frame, models.LargeFrame:
		obj.frame = &frameState{}
	case models.TCB:
		obj.tcb = newTCB()
	case models.Endpoint:
		obj.ep = newEndpoint()
	case models.Notification:
		obj.ntfn = &notification{wake: make(chan struct{}, 1)}
	}
	return obj
}

func (o *object) size() uint64 {
	return o.typ.Footprint(o.sizeBits)
}

type capability struct {
	obj      *object
	rights   models.Rights
	badge    uint64
	parent   *capability
	children []*capability

	// where the capability currently lives
	table *cnode
	index uint64
}

func (c *capability) addChild(child *capability) {
	child.parent = c
	c.children = append(c.children, child)
}

func (c *capability) removeChild(child *capability) {
	for i, v := range c.children {
		if v == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

type cnode struct {
	obj   *object
	bits  uint
	slots []*capability
}

func (cn *cnode) put(idx uint64, c *capability) {
	c.table, c.index = cn, idx
	cn.slots[idx] = c
	c.obj.refs++
}

func (cn *cnode) take(idx uint64) *capability {
	c := cn.slots[idx]
	cn.slots[idx] = nil
	if c != nil {
		c.table = nil
		c.obj.refs--
	}
	return c
}

func restrict(a, b models.Rights) models.Rights {
	return models.Rights{
		Read:       a.Read && b.Read,
		Write:      a.Write && b.Write,
		Grant:      a.Grant && b.Grant,
		GrantReply: a.GrantReply && b.GrantReply,
	}
}
