package trace

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

var order = binary.LittleEndian

const (
	OP_NOP       = 0
	OP_RETYPE    = 1
	OP_DERIVE    = 2
	OP_REVOKE    = 3
	OP_DELETE    = 4
	OP_MAP_FRAME = 5
	OP_MAP_TABLE = 6
	OP_UNMAP     = 7
	OP_FAULT     = 8
	OP_RESUME    = 9
)

const (
	DERIVE_COPY = iota
	DERIVE_MINT
	DERIVE_MOVE
)

var deriveNames = []string{"copy", "mint", "move"}

const pathSize = 8 + 8 + 1 + 1

func packPath(p []byte, path slot.Path) []byte {
	order.PutUint64(p, uint64(path.Root))
	order.PutUint64(p[8:], path.Index)
	p[16] = uint8(path.Depth)
	p[17] = 0
	if path.Relative {
		p[17] = 1
	}
	return p[pathSize:]
}

func unpackPath(p []byte) (slot.Path, []byte) {
	path := slot.Path{
		Root:     slot.Handle(order.Uint64(p)),
		Index:    order.Uint64(p[8:]),
		Depth:    uint(p[16]),
		Relative: p[17] != 0,
	}
	return path, p[pathSize:]
}

func Unpack(r io.Reader) (models.Op, int, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, err
	}
	var op models.Op
	switch tmp[0] {
	case OP_NOP:
		op = &OpNop{}
	case OP_RETYPE:
		op = &OpRetype{}
	case OP_DERIVE:
		op = &OpDerive{}
	case OP_REVOKE:
		op = &OpRevoke{}
	case OP_DELETE:
		op = &OpDelete{}
	case OP_MAP_FRAME:
		op = &OpMapFrame{}
	case OP_MAP_TABLE:
		op = &OpMapTable{}
	case OP_UNMAP:
		op = &OpUnmap{}
	case OP_FAULT:
		op = &OpFault{}
	case OP_RESUME:
		op = &OpResume{}
	default:
		return nil, 1, errors.Errorf("Unknown op: %d", tmp[0])
	}
	n, err := op.Unpack(r)
	return op, n + 1, err
}

// readBody reads the fixed size body of an op into a scratch buffer.
func readBody(r io.Reader, size int) ([]byte, int, error) {
	p := make([]byte, size)
	n, err := io.ReadFull(r, p)
	return p, n, err
}

type OpNop struct{}

func (o *OpNop) Sizeof() int                     { return 1 }
func (o *OpNop) Pack(p []byte)                   { p[0] = OP_NOP }
func (o *OpNop) Unpack(r io.Reader) (int, error) { return 0, nil }
func (o *OpNop) String() string                  { return "nop" }

type OpRetype struct {
	Untyped  slot.Path
	Type     uint8
	SizeBits uint8
	Dest     slot.Path
	Count    uint32
}

func (o *OpRetype) Sizeof() int { return 1 + pathSize*2 + 2 + 4 }
func (o *OpRetype) Pack(p []byte) {
	p[0] = OP_RETYPE
	p = packPath(p[1:], o.Untyped)
	p[0], p[1] = o.Type, o.SizeBits
	p = packPath(p[2:], o.Dest)
	order.PutUint32(p, o.Count)
}

func (o *OpRetype) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, o.Sizeof()-1)
	if err == nil {
		o.Untyped, p = unpackPath(p)
		o.Type, o.SizeBits = p[0], p[1]
		o.Dest, p = unpackPath(p[2:])
		o.Count = order.Uint32(p)
	}
	return n, err
}

func (o *OpRetype) String() string {
	sizeBits := ""
	if models.ObjectType(o.Type).Variable() {
		sizeBits = fmt.Sprintf("(%d)", o.SizeBits)
	}
	return fmt.Sprintf("retype %s -> %d x %s%s @ %s", o.Untyped, o.Count, models.ObjectType(o.Type), sizeBits, o.Dest)
}

type OpDerive struct {
	Kind      uint8
	Src, Dest slot.Path
	Badge     uint64
}

func (o *OpDerive) Sizeof() int { return 1 + 1 + pathSize*2 + 8 }
func (o *OpDerive) Pack(p []byte) {
	p[0] = OP_DERIVE
	p[1] = o.Kind
	p = packPath(p[2:], o.Src)
	p = packPath(p, o.Dest)
	order.PutUint64(p, o.Badge)
}

func (o *OpDerive) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, o.Sizeof()-1)
	if err == nil {
		o.Kind = p[0]
		o.Src, p = unpackPath(p[1:])
		o.Dest, p = unpackPath(p)
		o.Badge = order.Uint64(p)
	}
	return n, err
}

func (o *OpDerive) String() string {
	name := "derive"
	if int(o.Kind) < len(deriveNames) {
		name = deriveNames[o.Kind]
	}
	if o.Kind == DERIVE_MINT {
		return fmt.Sprintf("%s %s -> %s badge=%#x", name, o.Src, o.Dest, o.Badge)
	}
	return fmt.Sprintf("%s %s -> %s", name, o.Src, o.Dest)
}

type OpRevoke struct{ Path slot.Path }

func (o *OpRevoke) Sizeof() int { return 1 + pathSize }
func (o *OpRevoke) Pack(p []byte) {
	p[0] = OP_REVOKE
	packPath(p[1:], o.Path)
}

func (o *OpRevoke) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, pathSize)
	if err == nil {
		o.Path, _ = unpackPath(p)
	}
	return n, err
}

func (o *OpRevoke) String() string { return fmt.Sprintf("revoke %s", o.Path) }

type OpDelete struct{ Path slot.Path }

func (o *OpDelete) Sizeof() int { return 1 + pathSize }
func (o *OpDelete) Pack(p []byte) {
	p[0] = OP_DELETE
	packPath(p[1:], o.Path)
}

func (o *OpDelete) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, pathSize)
	if err == nil {
		o.Path, _ = unpackPath(p)
	}
	return n, err
}

func (o *OpDelete) String() string { return fmt.Sprintf("delete %s", o.Path) }

type OpMapFrame struct {
	Frame, VSpace slot.Path
	Vaddr         uint64
	Prot          uint8
}

func (o *OpMapFrame) Sizeof() int { return 1 + pathSize*2 + 8 + 1 }
func (o *OpMapFrame) Pack(p []byte) {
	p[0] = OP_MAP_FRAME
	p = packPath(p[1:], o.Frame)
	p = packPath(p, o.VSpace)
	order.PutUint64(p, o.Vaddr)
	p[8] = o.Prot
}

func (o *OpMapFrame) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, o.Sizeof()-1)
	if err == nil {
		o.Frame, p = unpackPath(p)
		o.VSpace, p = unpackPath(p)
		o.Vaddr = order.Uint64(p)
		o.Prot = p[8]
	}
	return n, err
}

func (o *OpMapFrame) String() string {
	return fmt.Sprintf("map %s -> %s %#x %s", o.Frame, o.VSpace, o.Vaddr, models.ProtString(int(o.Prot)))
}

type OpMapTable struct {
	Table, VSpace slot.Path
	Vaddr         uint64
	Level         uint8
}

func (o *OpMapTable) Sizeof() int { return 1 + pathSize*2 + 8 + 1 }
func (o *OpMapTable) Pack(p []byte) {
	p[0] = OP_MAP_TABLE
	p = packPath(p[1:], o.Table)
	p = packPath(p, o.VSpace)
	order.PutUint64(p, o.Vaddr)
	p[8] = o.Level
}

func (o *OpMapTable) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, o.Sizeof()-1)
	if err == nil {
		o.Table, p = unpackPath(p)
		o.VSpace, p = unpackPath(p)
		o.Vaddr = order.Uint64(p)
		o.Level = p[8]
	}
	return n, err
}

func (o *OpMapTable) String() string {
	return fmt.Sprintf("map_table %s -> %s %#x level=%d", o.Table, o.VSpace, o.Vaddr, o.Level)
}

type OpUnmap struct{ Frame slot.Path }

func (o *OpUnmap) Sizeof() int { return 1 + pathSize }
func (o *OpUnmap) Pack(p []byte) {
	p[0] = OP_UNMAP
	packPath(p[1:], o.Frame)
}

func (o *OpUnmap) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, pathSize)
	if err == nil {
		o.Frame, _ = unpackPath(p)
	}
	return n, err
}

func (o *OpUnmap) String() string { return fmt.Sprintf("unmap %s", o.Frame) }

type OpFault struct {
	Badge, Addr, IP uint64
	Kind, Access    uint8
}

func (o *OpFault) Sizeof() int { return 1 + 8*3 + 2 }
func (o *OpFault) Pack(p []byte) {
	p[0] = OP_FAULT
	order.PutUint64(p[1:], o.Badge)
	order.PutUint64(p[9:], o.Addr)
	order.PutUint64(p[17:], o.IP)
	p[25], p[26] = o.Kind, o.Access
}

func (o *OpFault) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, o.Sizeof()-1)
	if err == nil {
		o.Badge = order.Uint64(p)
		o.Addr = order.Uint64(p[8:])
		o.IP = order.Uint64(p[16:])
		o.Kind, o.Access = p[24], p[25]
	}
	return n, err
}

func (o *OpFault) String() string {
	return fmt.Sprintf("fault badge=%#x addr=%#x ip=%#x %s", o.Badge, o.Addr, o.IP, models.ProtString(int(o.Access)))
}

type OpResume struct{ TCB slot.Path }

func (o *OpResume) Sizeof() int { return 1 + pathSize }
func (o *OpResume) Pack(p []byte) {
	p[0] = OP_RESUME
	packPath(p[1:], o.TCB)
}

func (o *OpResume) Unpack(r io.Reader) (int, error) {
	p, n, err := readBody(r, pathSize)
	if err == nil {
		o.TCB, _ = unpackPath(p)
	}
	return n, err
}

func (o *OpResume) String() string { return fmt.Sprintf("resume %s", o.TCB) }
