package linux

import (
	co "github.com/lunixbochs/capcorn/go/kernel/common"
)

func (k *LinuxKernel) Exit(code int) uint64 {
	k.P.Exit(code)
	return 0
}

func (k *LinuxKernel) ExitGroup(code int) uint64 {
	return k.Exit(code)
}

func (k *LinuxKernel) Getpid() uint64 {
	return uint64(k.P.Pid())
}

func (k *LinuxKernel) SetTidAddress(addr co.Ptr) uint64 {
	k.tidAddr = uint64(addr)
	return uint64(k.P.Pid())
}
