package root

import (
	"sort"
	"sync"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Block is one untyped capability from the boot inventory.
type Block struct {
	Cap   slot.Handle
	Bits  uint
	Paddr uint64
}

// Inventory hands out boot memory blocks largest first.
type Inventory struct {
	mu     sync.Mutex
	blocks []Block
	taken  int
}

func NewInventory(blocks []Block) *Inventory {
	sorted := append([]Block(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bits > sorted[j].Bits })
	return &Inventory{blocks: sorted}
}

// Take is an alloc.Supplier.
func (inv *Inventory) Take() (slot.Handle, uint, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.taken == len(inv.blocks) {
		return slot.Null, 0, false
	}
	b := inv.blocks[inv.taken]
	inv.taken++
	return b.Cap, b.Bits, true
}

// Remaining lists the blocks not handed out yet.
func (inv *Inventory) Remaining() []Block {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]Block(nil), inv.blocks[inv.taken:]...)
}

func (inv *Inventory) Blocks() []Block {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]Block(nil), inv.blocks...)
}

func (inv *Inventory) Bytes() uint64 {
	var total uint64
	for _, b := range inv.Remaining() {
		total += 1 << b.Bits
	}
	return total
}
