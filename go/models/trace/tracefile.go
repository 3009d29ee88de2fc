package trace

import (
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

var TRACE_MAGIC = "CCKT"

type TraceHeader struct {
	// MAGIC ("CCKT")
	Magic string `struc:"[4]byte" json:"-"`
	// file format version
	Version uint32 `json:"version"`
	// translation levels of the traced system
	Levels uint8 `json:"levels"`
	// guest architecture, right-null-padded
	Arch string `struc:"[32]byte" json:"arch"`
}

// TraceWriter records kernel ops as a snappy compressed stream. It is safe
// for concurrent use: the kernel reports ops from every task goroutine.
type TraceWriter struct {
	mu     sync.Mutex
	w, zw  io.WriteCloser
	err    error
	Header TraceHeader
}

func NewWriter(w io.WriteCloser, arch string, levels int) (*TraceWriter, error) {
	header := TraceHeader{
		Magic:   TRACE_MAGIC,
		Version: 1,
		Levels:  uint8(levels),
		Arch:    arch,
	}
	if err := struc.Pack(w, &header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	zw := snappy.NewBufferedWriter(w)
	return &TraceWriter{w: w, zw: zw, Header: header}, nil
}

func (t *TraceWriter) Pack(op models.Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	p := make([]byte, op.Sizeof())
	op.Pack(p)
	if _, err := t.zw.Write(p); err != nil {
		t.err = errors.Wrap(err, "trace write failed")
	}
	return t.err
}

// OnOp satisfies the kernel's tracer hook. The first write error sticks and
// is reported by Close.
func (t *TraceWriter) OnOp(op models.Op) {
	t.Pack(op)
}

func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.zw.Close()
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	if t.err != nil {
		return t.err
	}
	return errors.Wrap(err, "closing trace")
}

type TraceReader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header TraceHeader
}

func NewReader(r io.ReadCloser) (*TraceReader, error) {
	t := &TraceReader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next op, or io.EOF at the end of the trace.
func (t *TraceReader) Next() (models.Op, error) {
	op, n, err := Unpack(t.zr)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	} else if err != nil {
		return nil, errors.Wrap(err, "reading op")
	}
	return op, nil
}

func (t *TraceReader) Close() error {
	return t.r.Close()
}
