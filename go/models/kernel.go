package models

import (
	"context"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

// CapOps are the capability management primitives of the microkernel.
type CapOps interface {
	// Retype carves count objects of typ from the untyped block at untyped
	// into consecutive slots starting at dest.
	Retype(untyped slot.Path, typ ObjectType, sizeBits uint, dest slot.Path, count int) error
	Copy(src, dest slot.Path, rights Rights) error
	Mint(src, dest slot.Path, rights Rights, badge uint64) error
	Move(src, dest slot.Path) error
	// Revoke deletes every capability derived from the one at p.
	Revoke(p slot.Path) error
	Delete(p slot.Path) error
}

// MemOps build and inspect translation structures.
type MemOps interface {
	// MapFrame fails with FailedLookup when an intermediate node is missing.
	MapFrame(frame, vspace slot.Path, vaddr uint64, prot int) error
	UnmapFrame(frame slot.Path) error
	// MapTable links a translation node at the first missing level covering vaddr.
	MapTable(table, vspace slot.Path, vaddr uint64) error
	FrameAddress(frame slot.Path) (uint64, error)

	// ReadPhys and WritePhys access physical memory through the root task's window.
	ReadPhys(paddr uint64, p []byte) error
	WritePhys(paddr uint64, p []byte) error
}

type ReplyToken uint64

type IPC interface {
	// Call sends msg on the endpoint at ep and blocks for the reply. A
	// capability in the reply is placed at recv.
	Call(ep slot.Path, msg *Message, recv slot.Path) (*Message, error)
	Recv(ctx context.Context, ep slot.Path, recv slot.Path) (*Message, ReplyToken, error)
	Reply(tok ReplyToken, msg *Message) error

	Signal(ntfn slot.Path) error
	Wait(ctx context.Context, ntfn slot.Path) (uint64, error)
}

type TCBConfig struct {
	FaultEP   slot.Path
	CSpace    slot.Path
	VSpace    slot.Path
	IPCBuffer uint64
}

type Threads interface {
	ConfigureTCB(tcb slot.Path, cfg TCBConfig) error
	Resume(tcb slot.Path) error
	Suspend(tcb slot.Path) error
	// RaiseFault delivers f to the thread's fault endpoint and blocks until
	// the thread is resumed.
	RaiseFault(ctx context.Context, tcb slot.Path, f *Fault) error
}

type Kernel interface {
	CapOps
	MemOps
	IPC
	Threads
}
