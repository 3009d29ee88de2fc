package loader

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

var ErrUnknownFormat = errors.New("unrecognized executable format")

// AnyArch accepts an executable of any architecture.
const AnyArch = ""

type format struct {
	magic []byte
	open  func(io.ReaderAt) (models.Loader, error)
}

var formats = []format{
	{elfMagic, func(r io.ReaderAt) (models.Loader, error) { return NewElfLoader(r, "linux") }},
	{cgcMagic, NewCgcLoader},
}

// Load identifies r by its magic and parses it.
func Load(r io.ReaderAt) (models.Loader, error) {
	return LoadArch(r, AnyArch)
}

// LoadFile reads and parses the executable at path.
func LoadFile(path string) (models.Loader, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Load(bytes.NewReader(p))
}

// LoadArch is Load, failing unless the executable targets arch.
func LoadArch(r io.ReaderAt, arch string) (models.Loader, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		return nil, errors.Wrap(ErrUnknownFormat, err.Error())
	}
	for _, f := range formats {
		if !bytes.Equal(magic, f.magic) {
			continue
		}
		l, err := f.open(r)
		if err != nil {
			return nil, err
		}
		if arch != AnyArch && l.Arch() != arch {
			return nil, errors.Errorf("executable is %s, not %s", l.Arch(), arch)
		}
		return l, nil
	}
	return nil, errors.WithStack(ErrUnknownFormat)
}
