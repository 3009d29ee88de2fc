package linux

import (
	co "github.com/lunixbochs/capcorn/go/kernel/common"
)

type Utsname struct {
	Sysname    [65]byte
	Nodename   [65]byte
	Release    [65]byte
	Version    [65]byte
	Machine    [65]byte
	Domainname [65]byte
}

func NewUtsname(machine string) *Utsname {
	u := &Utsname{}
	copy(u.Sysname[:64], "Linux")
	copy(u.Nodename[:64], "capcorn")
	copy(u.Release[:64], "4.19.0-capcorn")
	copy(u.Version[:64], "#1 capability kernel")
	copy(u.Machine[:64], machine)
	return u
}

func (k *LinuxKernel) Uname(buf co.Buf) uint64 {
	machine := k.Arch
	if machine == "x86" {
		machine = "i686"
	}
	if err := buf.Pack(NewUtsname(machine)); err != nil {
		return errno(EFAULT)
	}
	return 0
}
