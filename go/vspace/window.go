package vspace

import (
	"sync"

	"github.com/lunixbochs/capcorn/go/models"
)

// FrameWindow hands out page sized virtual addresses from [start, end),
// bumping first and reusing freed ones once the window is used up.
type FrameWindow struct {
	mu       sync.Mutex
	next     uint64
	end      uint64
	recycled []uint64
}

func NewFrameWindow(start, end uint64) *FrameWindow {
	return &FrameWindow{next: alignUp(start), end: end}
}

func (w *FrameWindow) Alloc() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.next+models.PageSize <= w.end {
		addr := w.next
		w.next += models.PageSize
		return addr, true
	}
	if n := len(w.recycled); n > 0 {
		addr := w.recycled[n-1]
		w.recycled = w.recycled[:n-1]
		return addr, true
	}
	return 0, false
}

func (w *FrameWindow) Free(addr uint64) {
	w.mu.Lock()
	w.recycled = append(w.recycled, addr)
	w.mu.Unlock()
}
