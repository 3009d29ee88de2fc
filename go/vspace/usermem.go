package vspace

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

// MemError reports an access to an address with no mapping behind it.
type MemError struct {
	Addr  uint64
	Write bool
}

func (e *MemError) Error() string {
	access := "read"
	if e.Write {
		access = "write"
	}
	return fmt.Sprintf("invalid %s at %#x", access, e.Addr)
}

func alignDown(v uint64) uint64 { return v &^ (models.PageSize - 1) }
func alignUp(v uint64) uint64   { return (v + models.PageSize - 1) &^ (models.PageSize - 1) }

// walk calls fn for each physically contiguous piece of [addr, addr+size).
func (a *AddressSpace) walk(addr, size uint64, write bool, fn func(paddr uint64, off, n uint64) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var off uint64
	for off < size {
		va := addr + off
		m := a.mem.Find(va)
		if m == nil {
			return errors.WithStack(&MemError{Addr: va, Write: write})
		}
		n := m.Addr + m.Size - va
		if n > size-off {
			n = size - off
		}
		if err := fn(m.Paddr+va-m.Addr, off, n); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (a *AddressSpace) ReadBytesTo(addr uint64, p []byte) error {
	return a.walk(addr, uint64(len(p)), false, func(paddr, off, n uint64) error {
		return a.k.ReadPhys(paddr, p[off:off+n])
	})
}

func (a *AddressSpace) ReadBytes(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	return p, a.ReadBytesTo(addr, p)
}

func (a *AddressSpace) WriteBytes(addr uint64, p []byte) error {
	return a.walk(addr, uint64(len(p)), true, func(paddr, off, n uint64) error {
		return a.k.WritePhys(paddr, p[off:off+n])
	})
}

// ReadCString reads up to the first NUL, one page at a time.
func (a *AddressSpace) ReadCString(addr uint64) (string, error) {
	var out []byte
	for {
		n := alignDown(addr) + models.PageSize - addr
		p, err := a.ReadBytes(addr, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(p, 0); i >= 0 {
			return string(append(out, p[:i]...)), nil
		}
		out = append(out, p...)
		addr += n
	}
}

func (a *AddressSpace) wordSize() uint64 { return uint64(a.Bits / 8) }

func (a *AddressSpace) ReadWord(addr uint64) (uint64, error) {
	p, err := a.ReadBytes(addr, a.wordSize())
	if err != nil {
		return 0, err
	}
	if a.Bits == 32 {
		return uint64(a.Order.Uint32(p)), nil
	}
	return a.Order.Uint64(p), nil
}

func (a *AddressSpace) PackWord(v uint64) []byte {
	p := make([]byte, a.wordSize())
	if a.Bits == 32 {
		a.Order.PutUint32(p, uint32(v))
	} else {
		a.Order.PutUint64(p, v)
	}
	return p
}

func (a *AddressSpace) WriteWord(addr, v uint64) error {
	return a.WriteBytes(addr, a.PackWord(v))
}

// MapRegion backs every unmapped page in [start, end) with a fresh frame.
func (a *AddressSpace) MapRegion(start, end uint64, prot int, desc string) error {
	for addr := alignDown(start); addr < end; addr += models.PageSize {
		if a.Lookup(addr) != nil {
			continue
		}
		frame, err := a.pages.AllocPage()
		if err != nil {
			return errors.Wrap(err, "allocating page")
		}
		if err := a.MapPageProt(addr, frame, prot); err != nil {
			return err
		}
		a.mu.Lock()
		if m := a.mem.Find(addr); m != nil {
			m.Desc = desc
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *AddressSpace) SetHeap(base uint64) {
	a.mu.Lock()
	a.heapBase, a.heap = base, base
	a.mu.Unlock()
}

// Brk moves the program break to addr and returns the new break. A zero or
// out of range addr leaves it unchanged. Shrinking keeps the pages mapped.
func (a *AddressSpace) Brk(addr uint64) (uint64, error) {
	a.mu.Lock()
	base, cur := a.heapBase, a.heap
	a.mu.Unlock()
	if addr == 0 || addr < base {
		return cur, nil
	}
	if addr > cur {
		if err := a.MapRegion(alignUp(cur), alignUp(addr), models.PROT_READ|models.PROT_WRITE, "heap"); err != nil {
			return cur, err
		}
	}
	a.mu.Lock()
	a.heap = addr
	a.mu.Unlock()
	return addr, nil
}
