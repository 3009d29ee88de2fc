package linux

import (
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models"
)

const (
	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

func pageUp(v uint64) uint64 {
	return (v + models.PageSize - 1) &^ (models.PageSize - 1)
}

func (k *LinuxKernel) Brk(addr uint64) uint64 {
	cur, err := k.P.Space().Brk(addr)
	if err != nil {
		k.P.Config().Printf("[linux] brk(%#x): %v\n", addr, err)
	}
	return cur
}

// Mmap only supports anonymous memory, which is backed right away.
func (k *LinuxKernel) Mmap(addrHint, size uint64, prot, flags int, fd co.Fd, off co.Off) uint64 {
	if size == 0 {
		return errno(EINVAL)
	}
	if flags&MAP_ANONYMOUS == 0 {
		return errno(ENODEV)
	}
	as := k.P.Space()
	size = pageUp(size)
	var addr uint64
	if flags&MAP_FIXED != 0 {
		if addrHint&(models.PageSize-1) != 0 {
			return errno(EINVAL)
		}
		addr = addrHint
		frames, err := as.UnmapRange(addr, size)
		k.P.Release(frames)
		if err != nil {
			return errno(ENOMEM)
		}
	} else {
		hint := pageUp(addrHint)
		if hint < k.mmapBase {
			hint = k.mmapBase
		}
		addr = as.FindFreeArea(hint, size)
	}
	if err := as.MapRegion(addr, addr+size, prot, "mmap"); err != nil {
		k.P.Config().Printf("[linux] mmap(%#x, %#x): %v\n", addr, size, err)
		return errno(ENOMEM)
	}
	return addr
}

func (k *LinuxKernel) Mmap2(addrHint, size uint64, prot, flags int, fd co.Fd, off co.Off) uint64 {
	return k.Mmap(addrHint, size, prot, flags, fd, off*0x1000)
}

func (k *LinuxKernel) Munmap(addr, size uint64) uint64 {
	if addr&(models.PageSize-1) != 0 {
		return errno(EINVAL)
	}
	frames, err := k.P.Space().UnmapRange(addr, pageUp(size))
	k.P.Release(frames)
	if err != nil {
		return errno(EINVAL)
	}
	return 0
}

func (k *LinuxKernel) Mprotect(addr, size uint64, prot int) uint64 {
	if addr&(models.PageSize-1) != 0 {
		return errno(EINVAL)
	}
	if err := k.P.Space().Protect(addr, pageUp(size), prot); err != nil {
		return errno(ENOMEM)
	}
	return 0
}
