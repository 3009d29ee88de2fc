package linux

import (
	"io"

	co "github.com/lunixbochs/capcorn/go/kernel/common"
)

func (k *LinuxKernel) Write(fd co.Fd, buf co.Buf, size co.Len) uint64 {
	var w io.Writer
	switch fd {
	case 1:
		w = k.P.Stdout()
	case 2:
		w = k.P.Stderr()
	default:
		return errno(EBADF)
	}
	tmp := make([]byte, size)
	if err := buf.Unpack(tmp); err != nil {
		return errno(EFAULT)
	}
	n, err := w.Write(tmp)
	if err != nil {
		return errno(EIO)
	}
	return uint64(n)
}
