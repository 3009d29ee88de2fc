package linux

import (
	"bytes"
	"crypto/rand"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/loader"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/vspace"
)

const (
	ELF_AT_NULL   = 0
	ELF_AT_PHDR   = 3
	ELF_AT_PHENT  = 4
	ELF_AT_PHNUM  = 5
	ELF_AT_PAGESZ = 6
	ELF_AT_BASE   = 7
	ELF_AT_FLAGS  = 8
	ELF_AT_ENTRY  = 9
	ELF_AT_UID    = 11
	ELF_AT_EUID   = 12
	ELF_AT_GID    = 13
	ELF_AT_EGID   = 14
	ELF_AT_CLKTCK = 17
	ELF_AT_RANDOM = 25
)

type Elf32Auxv struct {
	Type, Val uint32
}

type Elf64Auxv struct {
	Type, Val uint64
}

func packAuxv(as *vspace.AddressSpace, auxv []Elf64Auxv) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range auxv {
		var v interface{} = &a
		if as.Bits == 32 {
			v = &Elf32Auxv{uint32(a.Type), uint32(a.Val)}
		}
		if err := struc.PackWithOrder(&buf, v, as.Order); err != nil {
			return nil, errors.Wrap(err, "packing auxv")
		}
	}
	return buf.Bytes(), nil
}

type stackWriter struct {
	as  *vspace.AddressSpace
	sp  uint64
	err error
}

func (s *stackWriter) push(p []byte) uint64 {
	s.sp -= uint64(len(p))
	if s.err == nil {
		s.err = s.as.WriteBytes(s.sp, p)
	}
	return s.sp
}

func (s *stackWriter) pushStrings(strs []string) []uint64 {
	addrs := make([]uint64, len(strs))
	for i := len(strs) - 1; i >= 0; i-- {
		addrs[i] = s.push(append([]byte(strs[i]), 0))
	}
	return addrs
}

// InitStack lays out argc, argv, envp and the aux vector below top, which
// must already be mapped, and returns the initial stack pointer.
func InitStack(as *vspace.AddressSpace, top uint64, img *loader.Image, args, env []string) (uint64, error) {
	s := &stackWriter{as: as, sp: top}
	envAddrs := s.pushStrings(env)
	argAddrs := s.pushStrings(args)

	var random [16]byte
	if _, err := rand.Read(random[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	randAddr := s.push(random[:])

	auxv := []Elf64Auxv{
		{ELF_AT_PHDR, img.Phdr},
		{ELF_AT_PHENT, uint64(img.PhEnt)},
		{ELF_AT_PHNUM, uint64(img.Phnum)},
		{ELF_AT_PAGESZ, models.PageSize},
		{ELF_AT_BASE, 0},
		{ELF_AT_FLAGS, 0},
		{ELF_AT_ENTRY, img.Entry},
		{ELF_AT_UID, 0},
		{ELF_AT_EUID, 0},
		{ELF_AT_GID, 0},
		{ELF_AT_EGID, 0},
		{ELF_AT_CLKTCK, 100},
		{ELF_AT_RANDOM, randAddr},
		{ELF_AT_NULL, 0},
	}
	auxBytes, err := packAuxv(as, auxv)
	if err != nil {
		return 0, err
	}
	var vec []byte
	vec = append(vec, as.PackWord(uint64(len(args)))...)
	for _, addr := range argAddrs {
		vec = append(vec, as.PackWord(addr)...)
	}
	vec = append(vec, as.PackWord(0)...)
	for _, addr := range envAddrs {
		vec = append(vec, as.PackWord(addr)...)
	}
	vec = append(vec, as.PackWord(0)...)
	vec = append(vec, auxBytes...)

	s.sp = (s.sp - uint64(len(vec))) &^ 15
	if s.err == nil {
		s.err = as.WriteBytes(s.sp, vec)
	}
	return s.sp, errors.Wrap(s.err, "initializing stack")
}
