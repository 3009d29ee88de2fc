package slot

import (
	"testing"
)

func TestCursorScenario(t *testing.T) {
	c := NewCursor(0, 4)
	for i := uint64(0); i < 4; i++ {
		idx, ok := c.Alloc()
		if !ok || idx != i {
			t.Fatalf("alloc %d returned (%d, %v)", i, idx, ok)
		}
	}
	if _, ok := c.Alloc(); ok {
		t.Fatal("fifth alloc should fail")
	}
	c.Recycle(2)
	if idx, ok := c.Alloc(); !ok || idx != 2 {
		t.Fatalf("alloc after recycle returned (%d, %v)", idx, ok)
	}
}

func TestCursorExhaustion(t *testing.T) {
	for _, n := range []uint64{0, 1, 7, RadixEntries} {
		c := NewCursor(0, n)
		count := uint64(0)
		for {
			if _, ok := c.Alloc(); !ok {
				break
			}
			count++
			if count > n {
				break
			}
		}
		if count != n {
			t.Errorf("cursor{0, %d} handed out %d indexes", n, count)
		}
	}
}

func TestCursorUnique(t *testing.T) {
	c := NewCursor(0x100, 0x140)
	live := make(map[uint64]bool)
	var stack []uint64
	for i := 0; i < 500; i++ {
		if i%3 == 2 && len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			delete(live, idx)
			c.Recycle(idx)
			continue
		}
		idx, ok := c.Alloc()
		if !ok {
			continue
		}
		if live[idx] {
			t.Fatalf("index %#x handed out twice", idx)
		}
		live[idx] = true
		stack = append(stack, idx)
	}
}

func TestCursorAllocN(t *testing.T) {
	c := NewCursor(10, 20)
	first, ok := c.AllocN(4)
	if !ok || first != 10 {
		t.Fatalf("AllocN(4) = (%d, %v)", first, ok)
	}
	if c.Next() != 14 {
		t.Fatalf("next = %d after AllocN", c.Next())
	}
	if _, ok := c.AllocN(7); ok {
		t.Fatal("AllocN past max should fail")
	}
	if c.Available() != 6 {
		t.Fatalf("available = %d", c.Available())
	}
	c.Extend(4)
	if first, ok := c.AllocN(10); !ok || first != 14 {
		t.Fatalf("AllocN after Extend = (%d, %v)", first, ok)
	}
}
