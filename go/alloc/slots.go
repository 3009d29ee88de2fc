package alloc

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

var ErrNoSlots = errors.New("out of capability slots")

// SlotSource hands out empty destination slots.
type SlotSource interface {
	NextSlot() (slot.Handle, error)
	RecycleSlot(h slot.Handle)
}

// BulkSlotSource can reserve a run of consecutive slots inside one table.
type BulkSlotSource interface {
	SlotSource
	NextSlots(n uint64) (slot.Handle, bool, error)
}

// CursorSlots hands out global handles from a cursor. Link is called before
// the first slot of a table that is not linked yet is returned.
type CursorSlots struct {
	Cursor *slot.Cursor
	Link   func(table uint64) error
	linked map[uint64]bool
}

func NewCursorSlots(start, end slot.Handle) *CursorSlots {
	return &CursorSlots{
		Cursor: slot.NewCursor(uint64(start), uint64(end)),
		linked: map[uint64]bool{start.Table(): true},
	}
}

func (s *CursorSlots) ensureLinked(table uint64) error {
	if s.linked[table] || s.Link == nil {
		return nil
	}
	if err := s.Link(table); err != nil {
		return errors.Wrapf(err, "linking table %#x", table)
	}
	s.linked[table] = true
	return nil
}

func (s *CursorSlots) NextSlot() (slot.Handle, error) {
	idx, ok := s.Cursor.Alloc()
	if !ok {
		return slot.Null, errors.WithStack(ErrNoSlots)
	}
	h := slot.Handle(idx)
	if err := s.ensureLinked(h.Table()); err != nil {
		s.Cursor.Recycle(idx)
		return slot.Null, err
	}
	return h, nil
}

// NextSlots reserves n consecutive slots. It reports false without consuming
// anything when the run would cross into another table.
func (s *CursorSlots) NextSlots(n uint64) (slot.Handle, bool, error) {
	next := slot.Handle(s.Cursor.Next())
	if next.Offset()+n > slot.RadixEntries {
		return slot.Null, false, nil
	}
	idx, ok := s.Cursor.AllocN(n)
	if !ok {
		return slot.Null, false, nil
	}
	h := slot.Handle(idx)
	if err := s.ensureLinked(h.Table()); err != nil {
		return slot.Null, false, err
	}
	return h, true, nil
}

func (s *CursorSlots) RecycleSlot(h slot.Handle) {
	s.Cursor.Recycle(uint64(h))
}
