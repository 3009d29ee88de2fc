package common

import (
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lunixbochs/argjoy"
)

// KernelBase is embedded by syscall kernels. Init turns the exported methods
// of the embedding kernel into a table of syscalls keyed by snake_case name.
type KernelBase struct {
	Syscalls map[string]Syscall
	P        Process
	Argjoy   argjoy.Argjoy
}

type Kernel interface {
	SyscallKernel() *KernelBase
}

func (k *KernelBase) SyscallKernel() *KernelBase {
	return k
}

// promoted from KernelBase into every kernel
var baseMethods = map[string]bool{"SyscallKernel": true, "Init": true, "Syscall": true}

// snakeCase maps SetTidAddress to set_tid_address.
func snakeCase(name string) string {
	var b strings.Builder
	for i, c := range name {
		if unicode.IsUpper(c) {
			if i > 0 {
				b.WriteByte('_')
			}
			c = unicode.ToLower(c)
		}
		b.WriteRune(c)
	}
	return b.String()
}

// syscallName returns the syscall served by a kernel method, or "". A
// Literal prefix serves names that clash with Go methods: LiteralOpen is open.
func syscallName(method string) string {
	method = strings.TrimPrefix(method, "Literal")
	if baseMethods[method] {
		return ""
	}
	if r, _ := utf8.DecodeRuneInString(method); !unicode.IsUpper(r) {
		return ""
	}
	return snakeCase(method)
}

// Init binds the kernel to p and builds its syscall table from kf, which
// must embed k.
func (k *KernelBase) Init(kf Kernel, p Process) {
	k.P = p
	k.Syscalls = make(map[string]Syscall)
	v := reflect.ValueOf(kf)
	typ := v.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if name := syscallName(m.Name); name != "" {
			k.Syscalls[name] = newSyscall(name, k, v, m)
		}
	}
	k.Argjoy.Register(k.decodeArg)
	k.Argjoy.Register(argjoy.IntToInt)
}

// Syscall looks up a handler by name.
func (k *KernelBase) Syscall(name string) *Syscall {
	sys, ok := k.Syscalls[name]
	if !ok {
		return nil
	}
	return &sys
}
