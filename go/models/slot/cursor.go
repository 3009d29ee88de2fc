package slot

// Cursor hands out indexes from [next, max) and then from a LIFO stack of
// recycled ones. It is not safe for concurrent use.
type Cursor struct {
	next, max uint64
	recycled  []uint64
}

func NewCursor(next, max uint64) *Cursor {
	if next > max {
		panic("slot: cursor start past its bound")
	}
	return &Cursor{next: next, max: max}
}

// Alloc returns the next free index, preferring fresh indexes over recycled ones.
func (c *Cursor) Alloc() (uint64, bool) {
	if c.next < c.max {
		idx := c.next
		c.next++
		return idx, true
	}
	if n := len(c.recycled); n > 0 {
		idx := c.recycled[n-1]
		c.recycled = c.recycled[:n-1]
		return idx, true
	}
	return 0, false
}

// AllocN reserves a contiguous run of n fresh indexes and returns the first.
// Only the whole run is ever handed out: the extra n-1 indexes must not be
// passed to Recycle one by one.
func (c *Cursor) AllocN(n uint64) (uint64, bool) {
	if n == 0 || c.max-c.next < n {
		return 0, false
	}
	idx := c.next
	c.next += n
	return idx, true
}

// Recycle makes idx available again. Recycling an index twice is not detected.
func (c *Cursor) Recycle(idx uint64) {
	c.recycled = append(c.recycled, idx)
}

// Extend raises the bound by n.
func (c *Cursor) Extend(n uint64) {
	c.max += n
}

func (c *Cursor) Next() uint64 { return c.next }
func (c *Cursor) Max() uint64  { return c.max }

func (c *Cursor) Available() uint64 {
	return c.max - c.next + uint64(len(c.recycled))
}
