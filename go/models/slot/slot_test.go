package slot

import (
	"testing"
)

var encodeTable = []struct {
	table, offset uint64
	handle        Handle
}{
	{0, 0, 0},
	{0, 0x20, 0x20},
	{1, 0, 0x1000},
	{0x10, 0xfff, 0x10fff},
	{0xabc, 0x123, 0xabc123},
}

func TestEncodeDecode(t *testing.T) {
	for _, v := range encodeTable {
		h := Encode(v.table, v.offset)
		if h != v.handle {
			t.Errorf("Encode(%#x, %#x) = %#x, want %#x", v.table, v.offset, h, v.handle)
		}
		table, offset := Decode(h)
		if table != v.table || offset != v.offset {
			t.Errorf("Decode(%#x) = (%#x, %#x)", h, table, offset)
		}
		if h.Table() != v.table || h.Offset() != v.offset {
			t.Errorf("%s: accessor mismatch", h)
		}
	}
}

func TestAdvance(t *testing.T) {
	h := Encode(3, 0xffe)
	if got := Advance(h, 1); got != Encode(3, 0xfff) {
		t.Fatalf("Advance by one: %s", got)
	}
	if got := Advance(h, 2); got != Encode(4, 0) {
		t.Fatalf("Advance across a table: %s", got)
	}
}

func TestPath(t *testing.T) {
	h := Encode(2, 5)
	p := h.Path()
	if p.Depth != LeafDepth || p.Relative {
		t.Fatalf("bad leaf path %+v", p)
	}
	if back, ok := p.Handle(); !ok || back != h {
		t.Fatalf("leaf path did not round-trip: %v %v", back, ok)
	}
	if _, ok := TableEntry(2).Handle(); ok {
		t.Fatal("table entry path should not be a leaf")
	}
	if _, ok := Within(h, 1, RadixBits).Handle(); ok {
		t.Fatal("relative path should not be a leaf")
	}
}
