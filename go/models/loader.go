package models

import (
	"encoding/binary"
)

// Loader is an executable parsed from its container format, ready to be
// placed in an address space.
type Loader interface {
	Arch() string
	Bits() int
	ByteOrder() binary.ByteOrder
	OS() string
	Entry() uint64
	// Interp names the requested program interpreter, if any.
	Interp() string
	// ProgramHeaders returns where the program header table is mapped, its
	// raw bytes and entry count. The address is zero when no segment maps it.
	ProgramHeaders() (addr uint64, raw []byte, count int)
	Segments() ([]Segment, error)
	Symbols() ([]Symbol, error)
}
