package slot

import (
	"fmt"
)

// The capability namespace is a two level tree: a global root table whose
// entries point at capability tables of RadixEntries slots each.
const (
	RadixBits    = 12
	RadixEntries = 1 << RadixBits

	// TableDepth addresses an entry of the root table.
	TableDepth = RadixBits
	// LeafDepth addresses a slot inside one of the second level tables.
	LeafDepth = 2 * RadixBits

	// Null is never a valid destination.
	Null Handle = 0
)

// Handle identifies one slot in the global namespace as tableIndex<<RadixBits | offset.
type Handle uint64

func Encode(table, offset uint64) Handle {
	return Handle(table<<RadixBits | offset)
}

func Decode(h Handle) (table, offset uint64) {
	return uint64(h) >> RadixBits, uint64(h) & (RadixEntries - 1)
}

func Advance(h Handle, n uint64) Handle {
	return h + Handle(n)
}

func (h Handle) Table() uint64  { return uint64(h) >> RadixBits }
func (h Handle) Offset() uint64 { return uint64(h) & (RadixEntries - 1) }

// Path addresses the slot as a leaf of the global tree.
func (h Handle) Path() Path {
	return Path{Index: uint64(h), Depth: LeafDepth}
}

func (h Handle) String() string {
	return fmt.Sprintf("cap(%#x:%#x)", h.Table(), h.Offset())
}

// Path is a kernel-side slot address. Index is resolved Depth bits at a time
// starting at the global root table, or at the table named by Root when
// Relative is set.
type Path struct {
	Root     Handle
	Index    uint64
	Depth    uint
	Relative bool
}

// TableEntry addresses entry idx of the root table.
func TableEntry(idx uint64) Path {
	return Path{Index: idx, Depth: TableDepth}
}

// Within addresses slot offset of the table referenced by the capability in table.
func Within(table Handle, offset uint64, bits uint) Path {
	return Path{Root: table, Index: offset, Depth: bits, Relative: true}
}

// Handle returns the global handle for a leaf path.
func (p Path) Handle() (Handle, bool) {
	if p.Relative || p.Depth != LeafDepth {
		return Null, false
	}
	return Handle(p.Index), true
}

func (p Path) String() string {
	if p.Relative {
		return fmt.Sprintf("%s[%#x/%d]", p.Root, p.Index, p.Depth)
	}
	if p.Depth == LeafDepth {
		return Handle(p.Index).String()
	}
	return fmt.Sprintf("root[%#x/%d]", p.Index, p.Depth)
}
