package root

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

type SlotSource interface {
	NextSlot() (slot.Handle, error)
	RecycleSlot(h slot.Handle)
}

// Client issues root requests over a task's badged root endpoint.
type Client struct {
	K     models.IPC
	EP    slot.Handle
	Slots SlotSource
}

func (c *Client) call(label uint64, body interface{}, recv slot.Path) (*models.Message, error) {
	msg, err := Encode(label, body)
	if err != nil {
		return nil, err
	}
	reply, err := c.K.Call(c.EP.Path(), msg, recv)
	if err != nil {
		return nil, errors.Wrapf(err, "root %s", LabelName(label))
	}
	return reply, replyError(label, reply)
}

// callCap performs a request answered with a capability, which lands in a
// fresh slot.
func (c *Client) callCap(label uint64, body interface{}) (slot.Handle, error) {
	h, err := c.Slots.NextSlot()
	if err != nil {
		return slot.Null, err
	}
	reply, err := c.call(label, body, h.Path())
	if err == nil && !reply.Transferred {
		err = errors.Errorf("root %s: no capability in reply", LabelName(label))
	}
	if err != nil {
		c.Slots.RecycleSlot(h)
		return slot.Null, err
	}
	return h, nil
}

func (c *Client) AllocNotification() (slot.Handle, error) {
	return c.callCap(AllocNotification, nil)
}

// AllocPage asks root to back addr in the caller's address space and returns
// a copy of the frame capability.
func (c *Client) AllocPage(addr uint64) (slot.Handle, error) {
	return c.callCap(AllocPage, &AddrRequest{Addr: addr})
}

func (c *Client) FindService(name string) (slot.Handle, error) {
	return c.callCap(FindService, &NameRequest{Name: name})
}

func (c *Client) RegisterService(name string, ep slot.Handle) error {
	msg, err := Encode(RegisterService, &NameRequest{Name: name})
	if err != nil {
		return err
	}
	msg.Caps = []slot.Path{ep.Path()}
	reply, err := c.K.Call(c.EP.Path(), msg, slot.Path{})
	if err != nil {
		return errors.Wrap(err, "root RegisterService")
	}
	return replyError(RegisterService, reply)
}

func (c *Client) TranslateAddr(vaddr uint64) (uint64, error) {
	reply, err := c.call(TranslateAddr, &AddrRequest{Addr: vaddr}, slot.Path{})
	if err != nil {
		return 0, err
	}
	var out AddrReply
	if err := Decode(reply, &out); err != nil {
		return 0, err
	}
	return out.Addr, nil
}

func (c *Client) Shutdown() error {
	_, err := c.call(Shutdown, nil, slot.Path{})
	return err
}
