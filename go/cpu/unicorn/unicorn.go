// Package unicorn runs a 32 bit x86 guest task on the Unicorn engine. Guest
// memory is the task's address space: every mapping is backed directly by
// the physical frame, and unmapped accesses become kernel page faults.
package unicorn

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/capcorn/go/cpu"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/vspace"
)

// Guest is the task being run.
type Guest interface {
	Space() *vspace.AddressSpace
	Entry() uint64
	StackPointer() uint64
	// Fault blocks until the fault is resolved.
	Fault(f *models.Fault) error
	Syscall(n int, args []uint64) uint64
	Exited() (bool, int)
	Symbolicate(addr uint64) string
}

// PhysMem exposes frames of physical memory to the emulator.
type PhysMem interface {
	PhysSlice(paddr, size uint64) ([]byte, error)
}

var syscallRegs = []int{uc.X86_REG_EBX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_ESI, uc.X86_REG_EDI, uc.X86_REG_EBP}

type pending struct {
	m     *vspace.Mapping
	unmap bool
	addr  uint64
	size  uint64
}

type Runner struct {
	U      uc.Unicorn
	Guest  Guest
	Phys   PhysMem
	Config *models.Config

	dis *cpu.Capstr

	mu      sync.Mutex
	pending []pending
	err     error
}

func NewRunner(g Guest, phys PhysMem, cfg *models.Config) (*Runner, error) {
	u, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	r := &Runner{U: u, Guest: g, Phys: phys, Config: cfg, dis: cpu.NewCapstrX86()}
	as := g.Space()
	for _, m := range as.Mappings() {
		if err := r.mapFrame(m); err != nil {
			u.Close()
			return nil, err
		}
	}
	as.AddHook(r)
	if err := r.addHooks(); err != nil {
		u.Close()
		return nil, err
	}
	return r, nil
}

func ucProt(prot int) int {
	var out int
	if prot&models.PROT_READ != 0 {
		out |= uc.PROT_READ
	}
	if prot&models.PROT_WRITE != 0 {
		out |= uc.PROT_WRITE
	}
	if prot&models.PROT_EXEC != 0 {
		out |= uc.PROT_EXEC
	}
	return out
}

func (r *Runner) mapFrame(m *vspace.Mapping) error {
	mem, err := r.Phys.PhysSlice(m.Paddr, m.Size)
	if err != nil {
		return err
	}
	err = r.U.MemMapPtr(m.Addr, m.Size, ucProt(m.Prot), unsafe.Pointer(&mem[0]))
	return errors.Wrapf(err, "mapping %s", m)
}

// Map and Unmap queue address space changes. They are applied on the
// emulator thread, since the fault handler maps pages from its own goroutine.
func (r *Runner) Map(m *vspace.Mapping) {
	r.mu.Lock()
	r.pending = append(r.pending, pending{m: m})
	r.mu.Unlock()
}

func (r *Runner) Unmap(addr, size uint64) {
	r.mu.Lock()
	r.pending = append(r.pending, pending{unmap: true, addr: addr, size: size})
	r.mu.Unlock()
}

func (r *Runner) sync() error {
	r.mu.Lock()
	queue := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range queue {
		var err error
		if p.unmap {
			err = errors.Wrapf(r.U.MemUnmap(p.addr, p.size), "unmapping %#x", p.addr)
		} else {
			err = r.mapFrame(p.m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.U.Stop()
}

func faultAccess(access int) uint8 {
	switch access {
	case uc.MEM_WRITE_UNMAPPED:
		return 2
	case uc.MEM_FETCH_UNMAPPED:
		return 4
	}
	return 1
}

func (r *Runner) addHooks() error {
	_, err := r.U.HookAdd(uc.HOOK_MEM_UNMAPPED, func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		eip, _ := r.U.RegRead(uc.X86_REG_EIP)
		f := &models.Fault{Kind: models.FAULT_VM, Access: faultAccess(access), Addr: addr, IP: eip}
		if err := r.Guest.Fault(f); err != nil {
			r.fail(r.describe(err, eip))
			return false
		}
		if err := r.sync(); err != nil {
			r.fail(err)
			return false
		}
		return true
	}, 1, 0)
	if err != nil {
		return errors.Wrap(err, "adding fault hook")
	}
	_, err = r.U.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		if intno != 0x80 {
			eip, _ := r.U.RegRead(uc.X86_REG_EIP)
			r.fail(r.describe(errors.Errorf("unhandled interrupt %#x", intno), eip))
			return
		}
		r.syscall()
	}, 1, 0)
	return errors.Wrap(err, "adding interrupt hook")
}

func (r *Runner) syscall() {
	eax, _ := r.U.RegRead(uc.X86_REG_EAX)
	args := make([]uint64, len(syscallRegs))
	for i, reg := range syscallRegs {
		args[i], _ = r.U.RegRead(reg)
	}
	ret := r.Guest.Syscall(int(int32(eax)), args)
	r.U.RegWrite(uc.X86_REG_EAX, ret&0xffffffff)
	if err := r.sync(); err != nil {
		r.fail(err)
		return
	}
	if exited, _ := r.Guest.Exited(); exited {
		r.U.Stop()
	}
}

// describe adds the symbol and disassembly of the instruction at ip to err.
func (r *Runner) describe(err error, ip uint64) error {
	where := fmt.Sprintf("%#x", ip)
	if sym := r.Guest.Symbolicate(ip); sym != "" {
		where += " (" + sym + ")"
	}
	mem, rerr := r.Guest.Space().ReadBytes(ip, 16)
	if rerr != nil {
		return errors.Wrapf(err, "at %s", where)
	}
	dis, derr := r.dis.Dis(mem, ip)
	if derr != nil || len(dis) == 0 {
		return errors.Wrapf(err, "at %s", where)
	}
	return errors.Wrapf(err, "at %s: %s %s", where, dis[0].Mnemonic(), dis[0].OpStr())
}

// Run executes the guest from its entry point until it exits. The exit code
// is returned along with any error that stopped emulation.
func (r *Runner) Run() (int, error) {
	if err := r.U.RegWrite(uc.X86_REG_ESP, r.Guest.StackPointer()); err != nil {
		return -1, errors.Wrap(err, "setting stack pointer")
	}
	r.Config.Printf("[cpu] starting at %#x\n", r.Guest.Entry())
	err := r.U.Start(r.Guest.Entry(), 0xffffffffffffffff)
	r.mu.Lock()
	if r.err != nil {
		err = r.err
	}
	r.mu.Unlock()
	if exited, code := r.Guest.Exited(); exited {
		return code, nil
	}
	if err == nil {
		err = errors.New("emulation stopped before the guest exited")
	}
	return -1, errors.Wrap(err, "guest")
}

func (r *Runner) Close() error {
	return r.U.Close()
}
