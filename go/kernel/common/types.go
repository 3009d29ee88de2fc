package common

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

type (
	Buf struct {
		Addr uint64
		K    *KernelBase
	}
	Obuf struct{ Buf }
	Len  uint64
	Off  int64
	Fd   int32
	Ptr  uint64
)

func NewBuf(k Kernel, addr uint64) Buf {
	return Buf{K: k.SyscallKernel(), Addr: addr}
}

func (b Buf) Pack(i interface{}) error {
	as := b.K.P.Space()
	if p, ok := i.([]byte); ok {
		return as.WriteBytes(b.Addr, p)
	}
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, i, as.Order); err != nil {
		return errors.Wrap(err, "struc.Pack() failed")
	}
	return as.WriteBytes(b.Addr, buf.Bytes())
}

func (b Buf) Unpack(i interface{}) error {
	as := b.K.P.Space()
	if p, ok := i.([]byte); ok {
		return as.ReadBytesTo(b.Addr, p)
	}
	size, err := struc.Sizeof(i)
	if err != nil {
		return errors.Wrap(err, "struc.Sizeof() failed")
	}
	p, err := as.ReadBytes(b.Addr, uint64(size))
	if err != nil {
		return err
	}
	return errors.Wrap(struc.UnpackWithOrder(bytes.NewReader(p), i, as.Order), "struc.Unpack() failed")
}
