// Package capcorn boots the capability microkernel model, runs the root task
// services and spawns guest tasks with their own capability table and
// address space.
package capcorn

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/alloc"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/root"
	"github.com/lunixbochs/capcorn/go/ukernel"
	"github.com/lunixbochs/capcorn/go/vspace"
)

// TaskTableBase is the first root table entry handed to task capability
// tables. Entries below it belong to the root task's own slot range.
const TaskTableBase = 16

type System struct {
	K      *ukernel.Kernel
	Info   *ukernel.BootInfo
	Config *models.Config

	Inventory *root.Inventory
	Alloc     *alloc.ObjectAllocator
	Root      *root.Server
	Faults    *vspace.FaultHandler

	FaultEP slot.Handle
	RootEP  slot.Handle

	mu        sync.Mutex
	tasks     map[uint64]*Task
	tables    *slot.Cursor
	nextBadge uint64
	tracer    *trace.TraceWriter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
	closed bool
}

// NewSystem boots a kernel, hands its memory to the root allocator and starts
// the fault handler and root request server.
func NewSystem(cfg *models.Config) (*System, error) {
	if cfg == nil {
		cfg = models.DefaultConfig()
	}
	k, info, err := ukernel.New(cfg)
	if err != nil {
		return nil, err
	}
	s := &System{
		K:         k,
		Info:      info,
		Config:    cfg,
		tasks:     make(map[uint64]*Task),
		tables:    slot.NewCursor(TaskTableBase, slot.RadixEntries),
		nextBadge: 1,
	}
	if cfg.TraceFile != "" {
		if err := s.openTrace(cfg.TraceFile); err != nil {
			k.Close()
			return nil, err
		}
	}
	blocks := make([]root.Block, len(info.Untyped))
	for i, u := range info.Untyped {
		blocks[i] = root.Block{Cap: u.Cap, Bits: u.Bits, Paddr: u.Paddr}
	}
	s.Inventory = root.NewInventory(blocks)
	s.Alloc = alloc.NewRoot(k, info.EmptyStart, slot.Encode(TaskTableBase, 0), s.Inventory.Take, cfg)
	if s.FaultEP, err = s.Alloc.AllocFixed(models.Endpoint); err != nil {
		s.Close()
		return nil, err
	}
	if s.RootEP, err = s.Alloc.AllocFixed(models.Endpoint); err != nil {
		s.Close()
		return nil, err
	}
	if s.Root, err = root.NewServer(k, s.RootEP, s.Alloc, s, cfg); err != nil {
		s.Close()
		return nil, err
	}
	s.Faults = &vspace.FaultHandler{K: k, EP: s.FaultEP, Tasks: s, Config: cfg, OnError: s.faultFailed}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.setErr(s.Faults.Serve(ctx))
	}()
	go func() {
		defer s.wg.Done()
		s.setErr(s.Root.Serve(ctx))
	}()
	cfg.Printf("[boot] %d untyped blocks, %d bytes, %d translation levels\n", len(blocks), s.Inventory.Bytes(), info.Levels)
	return s, nil
}

func (s *System) openTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating trace file")
	}
	w, err := trace.NewWriter(f, "x86", s.Info.Levels)
	if err != nil {
		f.Close()
		return err
	}
	s.tracer = w
	s.K.SetTracer(w)
	return nil
}

func (s *System) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the first error that stopped a system service.
func (s *System) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// faultFailed ends the task whose fault could not be resolved.
func (s *System) faultFailed(badge uint64, f *models.Fault, err error) {
	s.mu.Lock()
	t := s.tasks[badge]
	s.mu.Unlock()
	if t != nil {
		t.abort(err)
	}
}

func (s *System) Resolve(badge uint64) (*vspace.AddressSpace, slot.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[badge]; ok {
		return t.AS, t.TCB, true
	}
	return nil, slot.Null, false
}

func (s *System) Space(badge uint64) (*vspace.AddressSpace, bool) {
	as, _, ok := s.Resolve(badge)
	return as, ok
}

// Tasks returns the live tasks.
func (s *System) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// reserve picks a badge and a root table entry for a new task.
func (s *System) reserve() (badge, table uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables.Alloc()
	if !ok {
		return 0, 0, errors.New("out of task capability tables")
	}
	badge = s.nextBadge
	s.nextBadge++
	return badge, table, nil
}

func (s *System) register(t *Task) {
	s.mu.Lock()
	s.tasks[t.Badge] = t
	s.mu.Unlock()
}

func (s *System) remove(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t.Badge)
	s.mu.Unlock()
}

func (s *System) releaseTable(table uint64) {
	s.mu.Lock()
	s.tables.Recycle(table)
	s.mu.Unlock()
}

// Close stops the services, destroys every task, releases the frames root
// got back from them and then the kernel. Closing twice is a no-op.
func (s *System) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if closed {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	var first error
	for _, t := range s.Tasks() {
		if err := t.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	if s.Alloc != nil {
		if err := s.Alloc.Release(); err != nil && first == nil {
			first = err
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.K.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
