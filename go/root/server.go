// Package root implements the root task: it owns the boot memory inventory
// and serves memory, notification and service lookup requests from tasks.
package root

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/vspace"
)

type Kernel interface {
	models.CapOps
	models.IPC
}

type Allocator interface {
	AllocPage() (slot.Handle, error)
	RecyclePage(h slot.Handle)
	NextSlot() (slot.Handle, error)
	RecycleSlot(h slot.Handle)
	RetypeAt(typ models.ObjectType, sizeBits uint, dest slot.Path) error
}

// Spaces finds the address space of the task behind a request badge.
type Spaces interface {
	Space(badge uint64) (*vspace.AddressSpace, bool)
}

type Server struct {
	K        Kernel
	EP       slot.Handle
	Alloc    Allocator
	Spaces   Spaces
	Services *Registry
	Config   *models.Config
	// OnShutdown runs once a Shutdown request has been answered.
	OnShutdown func()

	// swap holds a capability while it is handed out in a reply
	swap slot.Handle
	// recv receives capabilities sent with requests
	recv slot.Handle
}

func NewServer(k Kernel, ep slot.Handle, a Allocator, spaces Spaces, cfg *models.Config) (*Server, error) {
	s := &Server{K: k, EP: ep, Alloc: a, Spaces: spaces, Services: NewRegistry(), Config: cfg}
	var err error
	if s.swap, err = a.NextSlot(); err != nil {
		return nil, err
	}
	if s.recv, err = a.NextSlot(); err != nil {
		return nil, err
	}
	return s, nil
}

// Serve answers requests until ctx is cancelled or a Shutdown request
// arrives.
func (s *Server) Serve(ctx context.Context) error {
	for {
		msg, tok, err := s.K.Recv(ctx, s.EP.Path(), s.recv.Path())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "root endpoint")
		}
		reply, err := s.handle(msg)
		if err != nil {
			s.Config.Printf("[root] %s from badge %d: %v\n", LabelName(msg.Label), msg.Badge, err)
			reply = errorReply(err)
		}
		if err := s.K.Reply(tok, reply); err != nil {
			s.Config.Printf("[root] reply to badge %d: %v\n", msg.Badge, err)
		}
		for _, h := range []slot.Handle{s.swap, s.recv} {
			if err := s.K.Delete(h.Path()); err != nil {
				return errors.Wrapf(err, "clearing %s", h)
			}
		}
		if msg.Label == Shutdown {
			if s.OnShutdown != nil {
				s.OnShutdown()
			}
			return nil
		}
	}
}

func (s *Server) space(badge uint64) (*vspace.AddressSpace, error) {
	as, ok := s.Spaces.Space(badge)
	if !ok {
		return nil, errors.Errorf("no address space for badge %d", badge)
	}
	return as, nil
}

func (s *Server) handle(msg *models.Message) (*models.Message, error) {
	ok := &models.Message{Label: StatusOK}
	switch msg.Label {
	case AllocNotification:
		if err := s.Alloc.RetypeAt(models.Notification, 0, s.swap.Path()); err != nil {
			return nil, err
		}
		ok.Caps = []slot.Path{s.swap.Path()}
		return ok, nil

	case AllocPage:
		var req AddrRequest
		if err := Decode(msg, &req); err != nil {
			return nil, err
		}
		as, err := s.space(msg.Badge)
		if err != nil {
			return nil, err
		}
		frame, err := s.Alloc.AllocPage()
		if err != nil {
			return nil, err
		}
		// the frame stays root's and comes back when the task unmaps it
		if err := as.MapLentPage(req.Addr&^(models.PageSize-1), frame, models.PROT_ALL, s.Alloc); err != nil {
			s.Alloc.RecyclePage(frame)
			return nil, err
		}
		if err := s.K.Copy(frame.Path(), s.swap.Path(), models.AllRights); err != nil {
			return nil, err
		}
		ok.Caps = []slot.Path{s.swap.Path()}
		return ok, nil

	case TranslateAddr:
		var req AddrRequest
		if err := Decode(msg, &req); err != nil {
			return nil, err
		}
		as, err := s.space(msg.Badge)
		if err != nil {
			return nil, err
		}
		paddr, found := as.Translate(req.Addr)
		if !found {
			return nil, errors.Errorf("%#x is not mapped", req.Addr)
		}
		return Encode(StatusOK, &AddrReply{Addr: paddr})

	case FindService:
		var req NameRequest
		if err := Decode(msg, &req); err != nil {
			return nil, err
		}
		ep, found := s.Services.Lookup(req.Name)
		if !found {
			return nil, errors.Errorf("no service %q", req.Name)
		}
		if err := s.K.Mint(ep.Path(), s.swap.Path(), models.AllRights, msg.Badge); err != nil {
			return nil, err
		}
		ok.Caps = []slot.Path{s.swap.Path()}
		return ok, nil

	case RegisterService:
		var req NameRequest
		if err := Decode(msg, &req); err != nil {
			return nil, err
		}
		if !msg.Transferred {
			return nil, errors.Errorf("service %q registered without an endpoint", req.Name)
		}
		ep, err := s.Alloc.NextSlot()
		if err != nil {
			return nil, err
		}
		if err := s.K.Move(s.recv.Path(), ep.Path()); err != nil {
			s.Alloc.RecycleSlot(ep)
			return nil, err
		}
		if err := s.Services.Register(req.Name, ep); err != nil {
			s.K.Delete(ep.Path())
			s.Alloc.RecycleSlot(ep)
			return nil, err
		}
		s.Config.Printf("[root] service %q at %s\n", req.Name, ep)
		return ok, nil

	case Shutdown:
		return ok, nil
	}
	return nil, errors.Errorf("unknown request label %#x", msg.Label)
}
