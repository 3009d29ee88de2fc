package linux

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/lunixbochs/capcorn/go/alloc"
	"github.com/lunixbochs/capcorn/go/loader"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/ukernel"
	"github.com/lunixbochs/capcorn/go/vspace"
)

type fakeProcess struct {
	as       *vspace.AddressSpace
	k        *ukernel.Kernel
	out      bytes.Buffer
	exit     int
	released []slot.Handle
}

func (p *fakeProcess) Space() *vspace.AddressSpace  { return p.as }
func (p *fakeProcess) Pid() int                     { return 7 }
func (p *fakeProcess) Exit(code int)                { p.exit = code }
func (p *fakeProcess) Stdout() io.Writer            { return &p.out }
func (p *fakeProcess) Stderr() io.Writer            { return &p.out }
func (p *fakeProcess) Release(frames []slot.Handle) { p.released = append(p.released, frames...) }
func (p *fakeProcess) Config() *models.Config       { return nil }

func setup(t *testing.T) (*fakeProcess, *LinuxKernel) {
	cfg := models.DefaultConfig()
	cfg.UntypedBits = []uint{22}
	k, info, err := ukernel.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	a := alloc.New(k, alloc.NewCursorSlots(info.EmptyStart, info.EmptyEnd), nil, nil)
	a.AddBlock(info.Untyped[0].Cap, 22)
	vs, err := a.AllocFixed(models.VSpace)
	if err != nil {
		t.Fatal(err)
	}
	as := vspace.New(k, vs, cfg.Levels, a, a, cfg)
	as.Bits = 32
	as.SetHeap(cfg.HeapBase)
	if err := as.MapRegion(0x10000, 0x11000, models.PROT_READ|models.PROT_WRITE, "data"); err != nil {
		t.Fatal(err)
	}
	p := &fakeProcess{as: as, k: k}
	return p, NewKernel(p, "x86")
}

func call(t *testing.T, k *LinuxKernel, name string, args ...uint64) uint64 {
	t.Helper()
	sys := k.Syscall(name)
	if sys == nil {
		t.Fatalf("no syscall %s", name)
	}
	ret, err := sys.Call(append(args, 0, 0, 0, 0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return ret
}

func TestBrkGrowsByPage(t *testing.T) {
	p, k := setup(t)
	base := models.DefaultConfig().HeapBase
	// brk is 45 on i386
	if cur := k.Dispatch(45, []uint64{0, 0, 0, 0, 0, 0}); cur != base {
		t.Fatalf("initial break %#x", cur)
	}
	before := len(p.as.Mappings())
	for i := uint64(1); i <= 3; i++ {
		want := base + i*models.PageSize - 1
		if cur := k.Dispatch(45, []uint64{want, 0, 0, 0, 0, 0}); cur != want {
			t.Fatalf("brk(%#x) = %#x", want, cur)
		}
		if n := len(p.as.Mappings()) - before; n != int(i) {
			t.Fatalf("heap has %d pages after brk %d", n, i)
		}
	}
	if err := p.as.WriteBytes(base+3*models.PageSize-1, []byte{1}); err != nil {
		t.Fatal(err)
	}
}

func TestWrite(t *testing.T) {
	p, k := setup(t)
	p.as.WriteBytes(0x10000, []byte("hello"))
	// write is 4 on i386
	if n := k.Dispatch(4, []uint64{1, 0x10000, 5, 0, 0, 0}); n != 5 {
		t.Fatalf("write returned %d", int64(n))
	}
	if p.out.String() != "hello" {
		t.Fatalf("stdout %q", p.out.String())
	}
	if ret := call(t, k, "write", 5, 0x10000, 5); ret != errno(EBADF) {
		t.Fatalf("write to bad fd: %d", int64(ret))
	}
	if ret := call(t, k, "write", 1, 0x30000, 5); ret != errno(EFAULT) {
		t.Fatalf("write from unmapped memory: %d", int64(ret))
	}
}

func TestUnknownSyscall(t *testing.T) {
	_, k := setup(t)
	if ret := k.Dispatch(100000, make([]uint64, 6)); ret != errno(ENOSYS) {
		t.Fatalf("unknown syscall returned %d", int64(ret))
	}
}

func TestMmap(t *testing.T) {
	p, k := setup(t)
	anon := uint64(MAP_PRIVATE | MAP_ANONYMOUS)
	rw := uint64(models.PROT_READ | models.PROT_WRITE)
	addr := call(t, k, "mmap2", 0, 0x1800, rw, anon, ^uint64(0), 0)
	if addr != models.DefaultConfig().MmapBase {
		t.Fatalf("mmap at %#x", addr)
	}
	next := call(t, k, "mmap2", 0, 0x1000, rw, anon, ^uint64(0), 0)
	if next != addr+0x2000 {
		t.Fatalf("second mmap at %#x", next)
	}
	if ret := call(t, k, "mmap2", 0, 0x1000, rw, MAP_PRIVATE, 3, 0); ret != errno(ENODEV) {
		t.Fatalf("file mmap returned %d", int64(ret))
	}
	if ret := call(t, k, "mprotect", addr, 0x1000, models.PROT_READ); ret != 0 {
		t.Fatalf("mprotect %d", int64(ret))
	}
	if m := p.as.Lookup(addr); m.Prot != models.PROT_READ {
		t.Fatalf("prot %s", models.ProtString(m.Prot))
	}
	if ret := call(t, k, "munmap", addr, 0x2000); ret != 0 {
		t.Fatalf("munmap %d", int64(ret))
	}
	if p.as.Lookup(addr) != nil || len(p.released) != 2 {
		t.Fatalf("munmap left %v, released %d", p.as.Lookup(addr), len(p.released))
	}
	fixed := call(t, k, "mmap2", next, 0x1000, rw, anon|MAP_FIXED, ^uint64(0), 0)
	if fixed != next || len(p.released) != 3 {
		t.Fatalf("fixed mmap at %#x, released %d", fixed, len(p.released))
	}
}

func TestProcessCalls(t *testing.T) {
	p, k := setup(t)
	if pid := call(t, k, "getpid"); pid != 7 {
		t.Fatalf("pid %d", pid)
	}
	if tid := call(t, k, "set_tid_address", 0x10010); tid != 7 || k.tidAddr != 0x10010 {
		t.Fatalf("set_tid_address %d %#x", tid, k.tidAddr)
	}
	call(t, k, "exit_group", 3)
	if p.exit != 3 {
		t.Fatalf("exit code %d", p.exit)
	}
}

func TestUname(t *testing.T) {
	p, k := setup(t)
	if ret := call(t, k, "uname", 0x10000); ret != 0 {
		t.Fatalf("uname %d", int64(ret))
	}
	sysname, _ := p.as.ReadCString(0x10000)
	machine, _ := p.as.ReadCString(0x10000 + 4*65)
	if sysname != "Linux" || machine != "i686" {
		t.Fatalf("uname %q %q", sysname, machine)
	}
}

func TestInitStack(t *testing.T) {
	p, _ := setup(t)
	top := uint64(0x7fff0000)
	if err := p.as.MapRegion(top-0x2000, top, models.PROT_READ|models.PROT_WRITE, "stack"); err != nil {
		t.Fatal(err)
	}
	img := &loader.Image{Entry: 0x8048074, Phdr: 0x8048034, Phnum: 2, PhEnt: 32}
	sp, err := InitStack(p.as, top, img, []string{"prog", "arg"}, []string{"A=1"})
	if err != nil {
		t.Fatal(err)
	}
	if sp%16 != 0 {
		t.Fatalf("unaligned sp %#x", sp)
	}
	word := func(i uint64) uint64 {
		v, err := p.as.ReadWord(sp + 4*i)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	if word(0) != 2 || word(3) != 0 || word(5) != 0 {
		t.Fatalf("argc %d argv end %d envp end %d", word(0), word(3), word(5))
	}
	if s, _ := p.as.ReadCString(word(2)); s != "arg" {
		t.Fatalf("argv[1] %q", s)
	}
	if s, _ := p.as.ReadCString(word(4)); s != "A=1" {
		t.Fatalf("envp[0] %q", s)
	}
	raw, _ := p.as.ReadBytes(sp+6*4, 8)
	if typ, val := binary.LittleEndian.Uint32(raw), binary.LittleEndian.Uint32(raw[4:]); typ != ELF_AT_PHDR || val != 0x8048034 {
		t.Fatalf("first auxv %d %#x", typ, val)
	}
}
