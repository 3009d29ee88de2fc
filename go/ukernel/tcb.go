package ukernel

import (
	"context"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

type tcb struct {
	faultEP *endpoint
	badge   uint64
	vspace  *object
	cspace  *object
	ipcBuf  uint64
	running bool

	resume chan struct{}
	dead   chan struct{}
}

func newTCB() *tcb {
	return &tcb{resume: make(chan struct{}, 1), dead: make(chan struct{})}
}

func (t *tcb) kill() {
	select {
	case <-t.dead:
	default:
		close(t.dead)
	}
}

func (k *Kernel) ConfigureTCB(p slot.Path, cfg models.TCBConfig) error {
	const op = "configure_tcb"
	k.mu.Lock()
	defer k.mu.Unlock()
	tc, err := k.lookupTyped(op, p, models.TCB)
	if err != nil {
		return err
	}
	t := tc.obj.tcb
	if cfg.FaultEP != (slot.Path{}) {
		ep, err := k.lookupTyped(op, cfg.FaultEP, models.Endpoint)
		if err != nil {
			return err
		}
		t.faultEP, t.badge = ep.obj.ep, ep.badge
	}
	if cfg.VSpace != (slot.Path{}) {
		vs, err := k.lookupTyped(op, cfg.VSpace, models.VSpace)
		if err != nil {
			return err
		}
		t.vspace = vs.obj
	}
	if cfg.CSpace != (slot.Path{}) {
		cs, err := k.lookupTyped(op, cfg.CSpace, models.CNode)
		if err != nil {
			return err
		}
		t.cspace = cs.obj
	}
	t.ipcBuf = cfg.IPCBuffer
	return nil
}

func (k *Kernel) Resume(p slot.Path) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tc, err := k.lookupTyped("resume", p, models.TCB)
	if err != nil {
		return err
	}
	t := tc.obj.tcb
	t.running = true
	select {
	case t.resume <- struct{}{}:
	default:
	}
	k.trace(&trace.OpResume{TCB: p})
	return nil
}

func (k *Kernel) Suspend(p slot.Path) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tc, err := k.lookupTyped("suspend", p, models.TCB)
	if err != nil {
		return err
	}
	tc.obj.tcb.running = false
	return nil
}

func (k *Kernel) RaiseFault(ctx context.Context, p slot.Path, f *models.Fault) error {
	const op = "fault"
	k.mu.Lock()
	tc, err := k.lookupTyped(op, p, models.TCB)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	t := tc.obj.tcb
	if t.faultEP == nil {
		k.mu.Unlock()
		return kerr(op, models.IllegalOperation, p)
	}
	msg, err := f.Message()
	if err != nil {
		k.mu.Unlock()
		return err
	}
	t.running = false
	select {
	case <-t.resume:
	default:
	}
	k.counters.Faults++
	k.trace(&trace.OpFault{Badge: t.badge, Addr: f.Addr, IP: f.IP, Kind: f.Kind, Access: f.Access})
	ep, env := t.faultEP, &envelope{msg: msg, badge: t.badge}
	k.mu.Unlock()

	select {
	case ep.queue <- env:
	case <-ep.dead:
		return kerr(op, models.InvalidCapability, p)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.resume:
		return nil
	case <-t.dead:
		return kerr(op, models.InvalidCapability, p)
	case <-ctx.Done():
		return ctx.Err()
	}
}
