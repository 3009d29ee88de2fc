package common

import (
	"bytes"
	"io"
	"testing"

	"github.com/lunixbochs/capcorn/go/alloc"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/ukernel"
	"github.com/lunixbochs/capcorn/go/vspace"
)

type fakeProcess struct {
	as  *vspace.AddressSpace
	out bytes.Buffer
}

func (p *fakeProcess) Space() *vspace.AddressSpace  { return p.as }
func (p *fakeProcess) Pid() int                     { return 1 }
func (p *fakeProcess) Exit(code int)                {}
func (p *fakeProcess) Stdout() io.Writer            { return &p.out }
func (p *fakeProcess) Stderr() io.Writer            { return &p.out }
func (p *fakeProcess) Release(frames []slot.Handle) {}
func (p *fakeProcess) Config() *models.Config       { return nil }

func newProcess(t *testing.T) *fakeProcess {
	cfg := models.DefaultConfig()
	cfg.UntypedBits = []uint{20}
	k, info, err := ukernel.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	a := alloc.New(k, alloc.NewCursorSlots(info.EmptyStart, info.EmptyEnd), nil, nil)
	a.AddBlock(info.Untyped[0].Cap, 20)
	vs, err := a.AllocFixed(models.VSpace)
	if err != nil {
		t.Fatal(err)
	}
	as := vspace.New(k, vs, cfg.Levels, a, a, cfg)
	if err := as.MapRegion(0x10000, 0x11000, models.PROT_READ|models.PROT_WRITE, ""); err != nil {
		t.Fatal(err)
	}
	return &fakeProcess{as: as}
}

type testKernel struct {
	KernelBase
	exitCode int
	path     string
	tid      Ptr
}

func (k *testKernel) Exit(code int) uint64 {
	k.exitCode = code
	return 44
}

func (k *testKernel) LiteralOpen(path string, flags int) uint64 {
	k.path = path
	return 3
}

func (k *testKernel) SetTidAddress(addr Ptr) uint64 {
	k.tid = addr
	return 1
}

func newTestKernel(p Process) *testKernel {
	k := &testKernel{}
	k.Init(k, p)
	return k
}

func TestCamelToSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"Exit":          "exit",
		"ExitGroup":     "exit_group",
		"SetTidAddress": "set_tid_address",
		"Mmap2":         "mmap2",
	} {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSyscallTable(t *testing.T) {
	k := newTestKernel(nil)
	for _, name := range []string{"exit", "open", "set_tid_address"} {
		if k.Syscall(name) == nil {
			t.Errorf("missing %s", name)
		}
	}
	for _, name := range []string{"syscall_kernel", "init", "syscall", "literal_open"} {
		if k.Syscall(name) != nil {
			t.Errorf("%s should not be a syscall", name)
		}
	}
}

func TestKernel(t *testing.T) {
	k := newTestKernel(nil)
	ret, err := k.Syscall("exit").Call([]uint64{43})
	if err != nil {
		t.Fatal(err)
	}
	if k.exitCode != 43 {
		t.Fatal("Syscall failed.")
	}
	if ret != 44 {
		t.Fatal("Syscall return failed.")
	}
	if _, err := k.Syscall("set_tid_address").Call(nil); err == nil {
		t.Fatal("missing argument accepted")
	}
}

func TestStringArgument(t *testing.T) {
	p := newProcess(t)
	p.as.WriteBytes(0x10ffa, []byte("/dev/null\x00"))
	k := newTestKernel(p)
	if ret, err := k.Syscall("open").Call([]uint64{0x10ffa, 0}); err == nil {
		t.Fatalf("string across unmapped memory returned %d", ret)
	}
	p.as.WriteBytes(0x10100, []byte("/dev/null\x00"))
	if ret, err := k.Syscall("open").Call([]uint64{0x10100, 0}); err != nil || ret != 3 {
		t.Fatalf("open: %d %v", ret, err)
	}
	if k.path != "/dev/null" {
		t.Fatalf("path %q", k.path)
	}
	if trace := k.Syscall("open").Trace([]uint64{0x10100, 0}); trace != `open("/dev/null", 0)` {
		t.Fatalf("trace %s", trace)
	}
}

type pair struct {
	A uint32
	B uint16
}

func TestBuf(t *testing.T) {
	p := newProcess(t)
	k := newTestKernel(p)
	buf := NewBuf(k, 0x10200)
	if err := buf.Pack(&pair{0x11223344, 0x5566}); err != nil {
		t.Fatal(err)
	}
	raw, _ := p.as.ReadBytes(0x10200, 6)
	if !bytes.Equal(raw, []byte{0x44, 0x33, 0x22, 0x11, 0x66, 0x55}) {
		t.Fatalf("packed % x", raw)
	}
	var out pair
	if err := buf.Unpack(&out); err != nil || out.A != 0x11223344 || out.B != 0x5566 {
		t.Fatalf("unpacked %+v %v", out, err)
	}
	tmp := make([]byte, 2)
	if err := buf.Unpack(tmp); err != nil || tmp[0] != 0x44 {
		t.Fatalf("raw unpack % x %v", tmp, err)
	}
	if err := NewBuf(k, 0x20000).Pack([]byte{1}); err == nil {
		t.Fatal("write to unmapped memory succeeded")
	}
}
