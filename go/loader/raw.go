package loader

import (
	"encoding/binary"

	"github.com/lunixbochs/capcorn/go/models"
)

// RawLoader presents a flat code blob as one rwx segment, entered at its
// first byte.
type RawLoader struct {
	header
	code []byte
}

func NewRawLoader(code []byte, base uint64, arch string, bits int, order binary.ByteOrder) models.Loader {
	return &RawLoader{
		header: header{arch: arch, bits: bits, order: order, os: "linux", entry: base},
		code:   code,
	}
}

func (r *RawLoader) ProgramHeaders() (uint64, []byte, int) { return 0, nil, 0 }

func (r *RawLoader) Segments() ([]models.Segment, error) {
	code := r.code
	return []models.Segment{{
		Addr:     r.entry,
		Size:     uint64(len(code)),
		Prot:     models.PROT_ALL,
		Contents: func() ([]byte, error) { return code, nil },
	}}, nil
}
