package ukernel

import (
	"context"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

type envelope struct {
	msg   *models.Message
	badge uint64
	// capability offered by the sender
	xfer *capability
	// nil for one-way messages such as faults
	reply chan *models.Message
	// where the caller wants a capability in the reply to land
	recv slot.Path
}

type endpoint struct {
	queue chan *envelope
	dead  chan struct{}
}

func newEndpoint() *endpoint {
	return &endpoint{queue: make(chan *envelope, 64), dead: make(chan struct{})}
}

func (e *endpoint) kill() {
	select {
	case <-e.dead:
	default:
		close(e.dead)
	}
}

type notification struct {
	word uint64
	wake chan struct{}
}

func (k *Kernel) transferCap(op string, xfer *capability, recv slot.Path) (bool, error) {
	if xfer == nil || xfer.table == nil || recv == (slot.Path{}) {
		return false, nil
	}
	table, idx, err := k.lookupSlot(op, recv)
	if err != nil {
		return false, err
	}
	if table.slots[idx] != nil {
		return false, kerr(op, models.DeleteFirst, recv)
	}
	n := &capability{obj: xfer.obj, rights: xfer.rights, badge: xfer.badge}
	xfer.addChild(n)
	table.put(idx, n)
	return true, nil
}

func (k *Kernel) offer(op string, msg *models.Message) (*capability, error) {
	if len(msg.Caps) == 0 {
		return nil, nil
	}
	return k.lookupCap(op, msg.Caps[0])
}

func (k *Kernel) Call(ep slot.Path, msg *models.Message, recv slot.Path) (*models.Message, error) {
	const op = "call"
	k.mu.Lock()
	c, err := k.lookupTyped(op, ep, models.Endpoint)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}
	xfer, err := k.offer(op, msg)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}
	env := &envelope{msg: msg, badge: c.badge, xfer: xfer, reply: make(chan *models.Message, 1), recv: recv}
	e := c.obj.ep
	k.mu.Unlock()

	select {
	case e.queue <- env:
	case <-e.dead:
		return nil, kerr(op, models.InvalidCapability, ep)
	}
	select {
	case reply := <-env.reply:
		return reply, nil
	case <-e.dead:
		return nil, kerr(op, models.InvalidCapability, ep)
	}
}

func (k *Kernel) Recv(ctx context.Context, ep slot.Path, recv slot.Path) (*models.Message, models.ReplyToken, error) {
	const op = "recv"
	k.mu.Lock()
	c, err := k.lookupTyped(op, ep, models.Endpoint)
	k.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	e := c.obj.ep
	var env *envelope
	select {
	case env = <-e.queue:
	case <-e.dead:
		return nil, 0, kerr(op, models.InvalidCapability, ep)
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	msg := *env.msg
	msg.Caps = nil
	msg.Badge = env.badge
	// a capability that cannot be placed is dropped, the message still arrives
	msg.Transferred, _ = k.transferCap(op, env.xfer, recv)
	var tok models.ReplyToken
	if env.reply != nil {
		k.nextReply++
		tok = k.nextReply
		k.replies[tok] = env
	}
	return &msg, tok, nil
}

// Reply answers the caller behind tok. A capability in msg is transferred
// into the caller's receive slot; a failed transfer is reported to the
// replier while the caller still gets the message.
func (k *Kernel) Reply(tok models.ReplyToken, msg *models.Message) error {
	const op = "reply"
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.replies[tok]
	if !ok {
		return kerr(op, models.InvalidCapability, slot.Path{})
	}
	delete(k.replies, tok)
	xfer, err := k.offer(op, msg)
	if err != nil {
		env.reply <- &models.Message{Label: msg.Label}
		return err
	}
	out := *msg
	out.Caps = nil
	if out.Transferred, err = k.transferCap(op, xfer, env.recv); err != nil {
		out.Transferred = false
	}
	env.reply <- &out
	return err
}

func (k *Kernel) Signal(ntfn slot.Path) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, err := k.lookupTyped("signal", ntfn, models.Notification)
	if err != nil {
		return err
	}
	n := c.obj.ntfn
	if c.badge != 0 {
		n.word |= c.badge
	} else {
		n.word |= 1
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until the notification is signalled and returns the
// accumulated badge word.
func (k *Kernel) Wait(ctx context.Context, ntfn slot.Path) (uint64, error) {
	k.mu.Lock()
	c, err := k.lookupTyped("wait", ntfn, models.Notification)
	k.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n := c.obj.ntfn
	for {
		k.mu.Lock()
		if word := n.word; word != 0 {
			n.word = 0
			k.mu.Unlock()
			return word, nil
		}
		k.mu.Unlock()
		select {
		case <-n.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
