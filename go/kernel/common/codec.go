package common

import (
	"github.com/lunixbochs/argjoy"
)

// decodeArg is the argjoy codec for the register argument types in types.go
// and for NUL terminated guest strings.
func (k *KernelBase) decodeArg(arg interface{}, vals []interface{}) error {
	reg, ok := vals[0].(uint64)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		s, err := k.P.Space().ReadCString(reg)
		if err != nil {
			return err
		}
		*v = s
	case *Buf:
		*v = NewBuf(k, reg)
	case *Obuf:
		v.Buf = NewBuf(k, reg)
	case *Ptr:
		*v = Ptr(reg)
	case *Len:
		*v = Len(reg)
	case *Off:
		*v = Off(reg)
	case *Fd:
		*v = Fd(reg)
	default:
		return argjoy.NoMatch
	}
	return nil
}
