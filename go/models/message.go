package models

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

type Message struct {
	Label uint64
	// Badge of the capability the sender used, filled in on receive.
	Badge uint64
	Words []uint64
	Data  []byte
	// Caps lists sender side capabilities. Only the first one is transferred.
	Caps []slot.Path
	// Transferred is set on receive when a capability was placed in the receive slot.
	Transferred bool
}

func (m *Message) Word(i int) uint64 {
	if i < len(m.Words) {
		return m.Words[i]
	}
	return 0
}

const FaultLabel = 0x1

const (
	FAULT_VM = iota + 1
	FAULT_UNKNOWN_SYSCALL
	FAULT_USER_EXCEPTION
)

type Fault struct {
	Kind   uint8
	Access uint8
	Addr   uint64
	IP     uint64
}

func (f *Fault) Message() (*Message, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, f); err != nil {
		return nil, errors.Wrap(err, "struc.Pack() failed")
	}
	return &Message{Label: FaultLabel, Data: buf.Bytes()}, nil
}

func ParseFault(msg *Message) (*Fault, error) {
	if msg.Label != FaultLabel {
		return nil, errors.Errorf("message label %#x is not a fault", msg.Label)
	}
	var f Fault
	if err := struc.Unpack(bytes.NewReader(msg.Data), &f); err != nil {
		return nil, errors.Wrap(err, "struc.Unpack() failed")
	}
	return &f, nil
}
