package common

import (
	"reflect"

	"github.com/pkg/errors"
)

// Syscall is one handler method with its argument and result types.
type Syscall struct {
	Name     string
	Kernel   *KernelBase
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
	Out      []reflect.Type
}

func newSyscall(name string, k *KernelBase, instance reflect.Value, m reflect.Method) Syscall {
	sys := Syscall{Name: name, Kernel: k, Instance: instance, Method: m}
	// input 0 is the receiver
	for i := 1; i < m.Type.NumIn(); i++ {
		sys.In = append(sys.In, m.Type.In(i))
	}
	for i := 0; i < m.Type.NumOut(); i++ {
		sys.Out = append(sys.Out, m.Type.Out(i))
	}
	return sys
}

var uint64Type = reflect.TypeOf(uint64(0))

// Call decodes the raw register args and invokes the handler. The result is
// the handler's first return value when that is an integer.
func (sys Syscall) Call(args []uint64) (uint64, error) {
	if len(args) < len(sys.In) {
		return 0, errors.Errorf("%s takes %d arguments, got %d", sys.Name, len(sys.In), len(args))
	}
	in, err := sys.Kernel.Argjoy.Convert(sys.In, false, args)
	if err != nil {
		return 0, errors.Wrapf(err, "decoding arguments to %s", sys.Name)
	}
	out := sys.Method.Func.Call(append([]reflect.Value{sys.Instance}, in...))
	if len(out) == 0 || !out[0].Type().ConvertibleTo(uint64Type) {
		return 0, nil
	}
	return out[0].Convert(uint64Type).Uint(), nil
}
