package loader

import (
	"io"

	"github.com/lunixbochs/capcorn/go/models"
)

var cgcMagic = []byte{0x7f, 'C', 'G', 'C'}

// cgcFile reads a DECREE binary as ELF. Only the magic differs.
type cgcFile struct {
	r io.ReaderAt
}

func (f cgcFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.r.ReadAt(p, off)
	for i := off; i < int64(len(elfMagic)) && i-off < int64(n); i++ {
		p[i-off] = elfMagic[i]
	}
	return n, err
}

// NewCgcLoader parses a DECREE binary. It reports "cgc" as its OS.
func NewCgcLoader(r io.ReaderAt) (models.Loader, error) {
	return NewElfLoader(cgcFile{r}, "cgc")
}
