package alloc

import (
	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Supplier hands over a fresh untyped block when the allocator runs dry.
type Supplier func() (untyped slot.Handle, sizeBits uint, ok bool)

type source int

const (
	fromFreeList source = iota
	fromBlock
	fromUpstream
	exhausted
)

var sourceNames = []string{"free list", "block", "upstream", "exhausted"}

func (s source) String() string { return sourceNames[s] }

// pickSource decides where the next object comes from, in strict priority
// order: a recycled frame, the current block, a block from the supplier.
func pickSource(freeFrames int, remaining, need uint64, canSupply bool) source {
	switch {
	case freeFrames > 0:
		return fromFreeList
	case need <= remaining:
		return fromBlock
	case canSupply:
		return fromUpstream
	}
	return exhausted
}

type Block struct {
	Cap  slot.Handle
	Size uint64
	Used uint64
}

func (b *Block) Remaining() uint64 {
	return b.Size - b.Used
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// need returns the bytes count objects of footprint fp consume, including
// padding to align the first one.
func (b *Block) need(fp uint64, count int) uint64 {
	return alignUp(b.Used, fp) - b.Used + fp*uint64(count)
}

func (b *Block) consume(fp uint64, count int) {
	b.Used = alignUp(b.Used, fp) + fp*uint64(count)
}
