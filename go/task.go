package capcorn

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/cspace"
	"github.com/lunixbochs/capcorn/go/kernel/linux"
	"github.com/lunixbochs/capcorn/go/loader"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/root"
	"github.com/lunixbochs/capcorn/go/vspace"
)

// Well known offsets of a task's capability table.
const (
	TaskTCBSlot     = 1
	TaskVSpaceSlot  = 3
	TaskFaultEPSlot = 4
	TaskRootEPSlot  = 5
)

// IPC buffers are root frames lent into a window below the stack.
const (
	IPCWindowBase = 0x7f000000
	IPCWindowEnd  = 0x7f100000
)

type Task struct {
	sys   *System
	Badge uint64

	Unit slot.Handle
	Caps *cspace.CapSet
	AS   *vspace.AddressSpace
	TCB  slot.Handle
	Root *root.Client

	Image   *loader.Image
	Symbols []models.Symbol
	Arch    string
	SP      uint64
	// guest stdout and stderr
	Out    io.Writer
	ErrOut io.Writer

	linux *linux.LinuxKernel
	ipc   *vspace.FrameWindow

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	exited   bool
	exitCode int
	err      error
	ipcBufs  map[uint64]slot.Handle
}

// Spawn builds a task around l: a capability table carved from a fresh
// untyped unit, a TCB wired to the fault and root endpoints, the loaded
// image and an initial stack holding args and env.
func (s *System) Spawn(l models.Loader, args, env []string) (*Task, error) {
	badge, table, err := s.reserve()
	if err != nil {
		return nil, err
	}
	t := &Task{sys: s, Badge: badge, Arch: l.Arch(), Out: os.Stdout, ErrOut: os.Stderr}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	spawned, occupied := false, false
	defer func() {
		if !spawned {
			linked := t.Caps != nil
			t.Destroy()
			// an entry something else still holds stays out of the cursor
			if !linked && !occupied {
				s.releaseTable(table)
			}
		}
	}()
	k := s.K
	if t.Unit, err = s.Alloc.AllocUntypedUnit(); err != nil {
		return nil, err
	}
	if t.Caps, err = cspace.New(k, s.Alloc, table, slot.RadixBits, t.Unit, s.Alloc.UnitBits, cspace.DefaultStart, s.Config); err != nil {
		occupied = models.IsKind(err, models.DeleteFirst)
		return nil, err
	}
	if t.TCB, err = t.Caps.AllocFixed(models.TCB, TaskTCBSlot); err != nil {
		return nil, err
	}
	vs, err := t.Caps.AllocFixed(models.VSpace, TaskVSpaceSlot)
	if err != nil {
		return nil, err
	}
	faultEP, rootEP := t.Caps.Handle(TaskFaultEPSlot), t.Caps.Handle(TaskRootEPSlot)
	if err := k.Mint(s.FaultEP.Path(), faultEP.Path(), models.AllRights, badge); err != nil {
		return nil, errors.Wrap(err, "minting fault endpoint")
	}
	if err := k.Mint(s.RootEP.Path(), rootEP.Path(), models.AllRights, badge); err != nil {
		return nil, errors.Wrap(err, "minting root endpoint")
	}
	tcbCfg := models.TCBConfig{FaultEP: faultEP.Path(), CSpace: t.Caps.Path(), VSpace: vs.Path()}
	if err := k.ConfigureTCB(t.TCB.Path(), tcbCfg); err != nil {
		return nil, errors.Wrap(err, "configuring tcb")
	}
	t.Root = &root.Client{K: k, EP: rootEP, Slots: t.Caps}
	t.ipc = vspace.NewFrameWindow(IPCWindowBase, IPCWindowEnd)
	t.ipcBufs = make(map[uint64]slot.Handle)

	t.AS = vspace.New(k, vs, s.Info.Levels, t.Caps, t.Caps, s.Config)
	t.AS.Bits = l.Bits()
	t.AS.Order = l.ByteOrder()
	// faults resolve by badge, so the task is visible from here on
	s.register(t)

	if t.Image, err = loader.LoadImage(t.AS, t.Caps, l, 0); err != nil {
		return nil, err
	}
	if t.Symbols, err = l.Symbols(); err != nil {
		return nil, err
	}
	models.SortSymbols(t.Symbols)
	cfg := s.Config
	top := cfg.StackTop
	stackBase := top - uint64(cfg.StackPages)*models.PageSize
	if err := t.AS.MapRegion(stackBase, top, models.PROT_READ|models.PROT_WRITE, "stack"); err != nil {
		return nil, err
	}
	if t.SP, err = linux.InitStack(t.AS, top, t.Image, args, env); err != nil {
		return nil, err
	}
	heap := cfg.HeapBase
	if t.Image.End > heap {
		heap = t.Image.End
	}
	t.AS.SetHeap(heap)
	t.linux = linux.NewKernel(t, t.Arch)
	if err := k.Resume(t.TCB.Path()); err != nil {
		return nil, err
	}
	cfg.Printf("[task] badge %d: table %#x, entry %#x, sp %#x\n", badge, table, t.Image.Entry, t.SP)
	spawned = true
	return t, nil
}

func (t *Task) Space() *vspace.AddressSpace { return t.AS }
func (t *Task) Pid() int                    { return int(t.Badge) }
func (t *Task) Config() *models.Config      { return t.sys.Config }
func (t *Task) Entry() uint64               { return t.Image.Entry }
func (t *Task) StackPointer() uint64        { return t.SP }

func (t *Task) Stdout() io.Writer {
	if t.Out == nil {
		return ioutil.Discard
	}
	return t.Out
}

func (t *Task) Stderr() io.Writer {
	if t.ErrOut == nil {
		return ioutil.Discard
	}
	return t.ErrOut
}

func (t *Task) Exit(code int) {
	t.mu.Lock()
	t.exited, t.exitCode = true, code
	t.mu.Unlock()
}

// Exited reports whether the guest asked to exit, and its exit code.
func (t *Task) Exited() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited, t.exitCode
}

// Err returns the error that ended the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) abort(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// Release revokes every copy of frames the guest unmapped and keeps the
// frames for the task's next page allocation.
func (t *Task) Release(frames []slot.Handle) {
	for _, h := range frames {
		if err := t.sys.K.Revoke(h.Path()); err != nil {
			t.sys.Config.Printf("[task] badge %d: revoke %s: %v\n", t.Badge, h, err)
			continue
		}
		t.Caps.RecyclePage(h)
	}
}

// AllocIPCBuffer asks root to back the next free page of the IPC window and
// returns its address along with the task's copy of the frame.
func (t *Task) AllocIPCBuffer() (uint64, slot.Handle, error) {
	addr, ok := t.ipc.Alloc()
	if !ok {
		return 0, slot.Null, errors.New("ipc buffer window exhausted")
	}
	h, err := t.Root.AllocPage(addr)
	if err != nil {
		t.ipc.Free(addr)
		return 0, slot.Null, err
	}
	t.mu.Lock()
	t.ipcBufs[addr] = h
	t.mu.Unlock()
	return addr, h, nil
}

// FreeIPCBuffer unmaps the buffer at addr. Root takes the frame back and the
// task's copy goes with it.
func (t *Task) FreeIPCBuffer(addr uint64) error {
	t.mu.Lock()
	h, ok := t.ipcBufs[addr]
	delete(t.ipcBufs, addr)
	t.mu.Unlock()
	if !ok {
		return errors.Errorf("no ipc buffer at %#x", addr)
	}
	if _, err := t.AS.UnmapRange(addr, models.PageSize); err != nil {
		return err
	}
	t.Caps.RecycleSlot(h)
	t.ipc.Free(addr)
	return nil
}

func (t *Task) Symbolicate(addr uint64) string {
	return models.Symbolicate(t.Symbols, addr)
}

// Syscall runs Linux syscall n for the guest.
func (t *Task) Syscall(n int, args []uint64) uint64 {
	return t.linux.Dispatch(n, args)
}

// Fault reports a guest fault to the fault handler and blocks until the
// thread is resumed. The error is set when the fault could not be resolved.
func (t *Task) Fault(f *models.Fault) error {
	err := t.sys.K.RaiseFault(t.ctx, t.TCB.Path(), f)
	if err != nil {
		if terr := t.Err(); terr != nil {
			return terr
		}
		return errors.Wrapf(err, "fault at %#x", f.Addr)
	}
	return nil
}

// Destroy tears the task down: its mappings and translation tables, then
// its capability table, then the untyped unit everything was carved from.
func (t *Task) Destroy() error {
	t.sys.remove(t)
	t.cancel()
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if t.AS != nil {
		keep(t.AS.Destroy())
		t.AS = nil
	}
	if t.Caps != nil {
		// a table that could not be torn down keeps its root entry
		if err := t.Caps.Destroy(); err != nil {
			keep(err)
		} else {
			t.sys.releaseTable(t.Caps.Index())
		}
		t.Caps = nil
	}
	if t.Unit != slot.Null {
		keep(t.sys.Alloc.RecycleUntypedUnit(t.Unit))
		t.Unit = slot.Null
	}
	return first
}
