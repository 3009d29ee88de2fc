// Package linux emulates the Linux syscalls a static guest needs on top of
// a task address space.
package linux

import (
	"github.com/lunixbochs/ghostrace/ghost/sys/num"

	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models"
)

type LinuxKernel struct {
	co.KernelBase
	Arch string

	mmapBase uint64
	tidAddr  uint64
}

func NewKernel(p co.Process, arch string) *LinuxKernel {
	k := &LinuxKernel{Arch: arch, mmapBase: models.DefaultConfig().MmapBase}
	if cfg := p.Config(); cfg != nil {
		k.mmapBase = cfg.MmapBase
	}
	k.Init(k, p)
	return k
}

var syscallNames = map[string]map[int]string{
	"x86": num.Linux_x86,
	"arm": num.Linux_arm,
}

// Dispatch runs syscall n with register arguments args. Numbers without a
// handler return -ENOSYS.
func (k *LinuxKernel) Dispatch(n int, args []uint64) uint64 {
	cfg := k.P.Config()
	name := syscallNames[k.Arch][n]
	sys := k.Syscall(name)
	if sys == nil {
		cfg.Printf("[linux] unimplemented syscall %d (%s)\n", n, name)
		return errno(ENOSYS)
	}
	ret, err := sys.Call(args)
	if err != nil {
		cfg.Printf("[linux] %s: %v\n", name, err)
		return errno(EFAULT)
	}
	if cfg != nil && cfg.Verbose {
		cfg.Printf("[linux] %s%s\n", sys.Trace(args), sys.TraceRet(ret))
	}
	return ret
}
