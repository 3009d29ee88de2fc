package loader

import (
	"debug/elf"
	"io"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

var elfArch = map[elf.Machine]string{
	elf.EM_386:    "x86",
	elf.EM_X86_64: "x86_64",
	elf.EM_ARM:    "arm",
	elf.EM_MIPS:   "mips",
}

type ElfLoader struct {
	header
	r    io.ReaderAt
	file *elf.File
}

// NewElfLoader parses an ELF executable, reporting os as its target.
func NewElfLoader(r io.ReaderAt, os string) (*ElfLoader, error) {
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parsing elf")
	}
	arch, ok := elfArch[file.Machine]
	if !ok {
		return nil, errors.Errorf("unsupported elf machine %s", file.Machine)
	}
	bits := 64
	switch file.Class {
	case elf.ELFCLASS32:
		bits = 32
	case elf.ELFCLASS64:
	default:
		return nil, errors.Errorf("unsupported elf class %s", file.Class)
	}
	e := &ElfLoader{
		header: header{arch: arch, bits: bits, order: file.ByteOrder, os: os, entry: file.Entry},
		r:      r,
		file:   file,
	}
	e.readSyms = e.symbols
	return e, nil
}

func (e *ElfLoader) Interp() string {
	for _, p := range e.file.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		data, _ := ioutil.ReadAll(p.Open())
		return strings.TrimRight(string(data), "\x00")
	}
	return ""
}

// phdrLayout reads e_phoff and e_phentsize, which debug/elf does not expose.
func (e *ElfLoader) phdrLayout() (off, entsize uint64, err error) {
	buf := make([]byte, 8)
	order := e.file.ByteOrder
	offAt, sizeAt, width := int64(28), int64(42), 4
	if e.bits == 64 {
		offAt, sizeAt, width = 32, 54, 8
	}
	if _, err := e.r.ReadAt(buf[:width], offAt); err != nil {
		return 0, 0, err
	}
	if width == 4 {
		off = uint64(order.Uint32(buf))
	} else {
		off = order.Uint64(buf)
	}
	if _, err := e.r.ReadAt(buf[:2], sizeAt); err != nil {
		return 0, 0, err
	}
	return off, uint64(order.Uint16(buf)), nil
}

func (e *ElfLoader) ProgramHeaders() (uint64, []byte, int) {
	off, entsize, err := e.phdrLayout()
	if err != nil {
		return 0, nil, 0
	}
	count := len(e.file.Progs)
	raw := make([]byte, entsize*uint64(count))
	if _, err := e.r.ReadAt(raw, int64(off)); err != nil {
		return 0, nil, 0
	}
	for _, p := range e.file.Progs {
		if p.Type == elf.PT_LOAD && off >= p.Off && off < p.Off+p.Filesz {
			return p.Vaddr + off - p.Off, raw, count
		}
	}
	return 0, raw, count
}

func (e *ElfLoader) Segments() ([]models.Segment, error) {
	var segs []models.Segment
	for _, p := range e.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		p := p
		segs = append(segs, models.Segment{
			Addr: p.Vaddr,
			Size: p.Memsz,
			Off:  p.Off,
			Prot: progProt(p.Flags),
			Contents: func() ([]byte, error) {
				data := make([]byte, p.Filesz)
				if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
					return nil, errors.Wrapf(err, "reading segment at %#x", p.Vaddr)
				}
				return data, nil
			},
		})
	}
	return segs, nil
}

func (e *ElfLoader) symbols() ([]models.Symbol, error) {
	static, err := e.file.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.WithStack(err)
	}
	dynamic, _ := e.file.DynamicSymbols()
	syms := make([]models.Symbol, 0, len(static)+len(dynamic))
	for i, list := range [][]elf.Symbol{static, dynamic} {
		for _, s := range list {
			if s.Name == "" {
				continue
			}
			syms = append(syms, models.Symbol{Name: s.Name, Start: s.Value, End: s.Value + s.Size, Dynamic: i == 1})
		}
	}
	return syms, nil
}
