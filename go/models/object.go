package models

import (
	"fmt"
)

const (
	PageBits      = 12
	PageSize      = 1 << PageBits
	LargePageBits = 21
	LargePageSize = 1 << LargePageBits

	// index bits consumed by each translation level
	LevelBits = 9

	SlotBits         = 5
	TCBBits          = 11
	EndpointBits     = 4
	NotificationBits = 5
	TableBits        = PageBits
	MinUntypedBits   = 4
	MaxUntypedBits   = 47
)

type ObjectType int

const (
	Untyped ObjectType = iota
	CNode
	TCB
	Endpoint
	Notification
	VSpace
	PageTable
	Frame
	LargeFrame
)

var objectNames = []string{"untyped", "cnode", "tcb", "endpoint", "notification", "vspace", "page_table", "frame", "large_frame"}

func (t ObjectType) String() string {
	if int(t) < len(objectNames) && t >= 0 {
		return objectNames[t]
	}
	return fmt.Sprintf("object(%d)", int(t))
}

// Variable objects take a caller supplied size: untyped blocks by byte size,
// capability tables by slot count.
func (t ObjectType) Variable() bool {
	return t == Untyped || t == CNode
}

// FootprintBits returns log2 of the bytes retyping one object consumes.
// sizeBits is only used by variable objects.
func (t ObjectType) FootprintBits(sizeBits uint) uint {
	switch t {
	case Untyped:
		return sizeBits
	case CNode:
		return sizeBits + SlotBits
	case TCB:
		return TCBBits
	case Endpoint:
		return EndpointBits
	case Notification:
		return NotificationBits
	case VSpace, PageTable:
		return TableBits
	case Frame:
		return PageBits
	case LargeFrame:
		return LargePageBits
	}
	panic(fmt.Sprintf("no footprint for %s", t))
}

func (t ObjectType) Footprint(sizeBits uint) uint64 {
	return 1 << t.FootprintBits(sizeBits)
}

type Rights struct {
	Read, Write, Grant, GrantReply bool
}

var AllRights = Rights{true, true, true, true}

// LevelSpan returns the bytes of address space covered by one entry of a
// translation node at level (0 is the root) in an address space of levels levels.
func LevelSpan(levels, level int) uint64 {
	return 1 << uint(PageBits+LevelBits*(levels-1-level))
}

// AddressBits returns the width of the virtual address space for levels levels.
func AddressBits(levels int) uint {
	return uint(PageBits + LevelBits*levels)
}
