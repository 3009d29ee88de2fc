package ukernel

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lunixbochs/capcorn/go/models"
)

// PhysBase is the physical address of the first byte of RAM.
const PhysBase = 0x80000000

// arena backs physical memory with one anonymous host mapping, so every frame
// is page aligned on the host as well and can be handed to a cpu backend.
type arena struct {
	base uint64
	mem  []byte
}

func newArena(base, size uint64) (*arena, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap(%#x) failed", size)
	}
	return &arena{base: base, mem: mem}, nil
}

func (a *arena) slice(paddr, size uint64) ([]byte, error) {
	if paddr < a.base || paddr+size > a.base+uint64(len(a.mem)) || paddr+size < paddr {
		return nil, &models.KernelError{Op: "phys", Kind: models.RangeError}
	}
	off := paddr - a.base
	return a.mem[off : off+size : off+size], nil
}

func (a *arena) zero(paddr, size uint64) {
	p, err := a.slice(paddr, size)
	if err != nil {
		return
	}
	for i := range p {
		p[i] = 0
	}
}

func (a *arena) close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return errors.Wrap(err, "munmap failed")
}

func (k *Kernel) ReadPhys(paddr uint64, p []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	src, err := k.ram.slice(paddr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (k *Kernel) WritePhys(paddr uint64, p []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	dst, err := k.ram.slice(paddr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// PhysSlice exposes physical memory directly, for backends that execute
// guest code against the frames a task has mapped.
func (k *Kernel) PhysSlice(paddr, size uint64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ram.slice(paddr, size)
}
