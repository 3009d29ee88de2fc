package vspace

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Resolver maps a fault endpoint badge to the task that faulted.
type Resolver interface {
	Resolve(badge uint64) (as *AddressSpace, tcb slot.Handle, ok bool)
}

type faultKernel interface {
	models.IPC
	models.Threads
}

// FaultHandler backs demand paging: every VM fault delivered on EP gets a
// fresh zeroed frame mapped at the faulting page and the thread resumed.
type FaultHandler struct {
	K     faultKernel
	EP    slot.Handle
	Tasks Resolver
	// Pages backs faults. When nil, frames come from the faulting space's
	// own page allocator.
	Pages  PageAllocator
	Config *models.Config
	// OnError is called for faults that cannot be resolved. The thread
	// stays suspended.
	OnError func(badge uint64, f *models.Fault, err error)
}

// Serve handles faults until ctx is cancelled.
func (h *FaultHandler) Serve(ctx context.Context) error {
	for {
		msg, _, err := h.K.Recv(ctx, h.EP.Path(), slot.Path{})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fault endpoint")
		}
		f, err := models.ParseFault(msg)
		if err == nil {
			err = h.Handle(msg.Badge, f)
		}
		if err != nil {
			h.Config.Printf("[fault] badge %d: %v\n", msg.Badge, err)
			if h.OnError != nil {
				h.OnError(msg.Badge, f, err)
			}
		}
	}
}

func (h *FaultHandler) Handle(badge uint64, f *models.Fault) error {
	as, tcb, ok := h.Tasks.Resolve(badge)
	if !ok {
		return errors.Errorf("no task for badge %d", badge)
	}
	if f.Kind != models.FAULT_VM {
		return errors.Errorf("unhandled fault kind %d at ip %#x", f.Kind, f.IP)
	}
	vaddr := alignDown(f.Addr)
	pages := h.Pages
	if pages == nil {
		pages = as.pages
	}
	frame, err := pages.AllocPage()
	if err != nil {
		return errors.Wrap(err, "allocating fault page")
	}
	if err := as.MapPage(vaddr, frame); err != nil {
		if r, ok := pages.(pageRecycler); ok {
			r.RecyclePage(frame)
		}
		return errors.Wrapf(err, "fault at %#x", f.Addr)
	}
	h.Config.Printf("[fault] badge %d: mapped %s at %#x\n", badge, frame, vaddr)
	return h.K.Resume(tcb.Path())
}
