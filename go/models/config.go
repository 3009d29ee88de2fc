package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

type Config struct {
	Color   bool
	Verbose bool
	Output  io.Writer `json:"-"`

	// physical memory handed to the root task, as natural sized untyped blocks
	UntypedBits []uint
	// translation levels of every address space
	Levels int
	// size of the untyped unit carved for each spawned task
	UnitBits uint

	StackTop   uint64
	StackPages int
	HeapBase   uint64
	MmapBase   uint64

	TraceFile string
}

func DefaultConfig() *Config {
	return &Config{
		Output:      os.Stderr,
		UntypedBits: []uint{24, 23, 22},
		Levels:      4,
		UnitBits:    22,
		StackTop:    0x7fff0000,
		StackPages:  16,
		HeapBase:    0x10000000,
		MmapBase:    0x40000000,
	}
}

// Printf writes a diagnostic line when Verbose is set.
func (c *Config) Printf(format string, a ...interface{}) {
	if c == nil || !c.Verbose {
		return
	}
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, format, a...)
}

// Load overlays JSON settings from r on top of c.
func (c *Config) Load(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "decoding config")
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Levels < 2 || c.Levels > 5 {
		return errors.Errorf("unsupported translation level count %d", c.Levels)
	}
	if len(c.UntypedBits) == 0 {
		return errors.New("no physical memory configured")
	}
	for _, bits := range c.UntypedBits {
		if bits < PageBits || bits > 32 {
			return errors.Errorf("untyped block size 2^%d out of range", bits)
		}
	}
	if c.UnitBits < PageBits+2 {
		return errors.Errorf("task unit size 2^%d too small", c.UnitBits)
	}
	if c.StackTop%PageSize != 0 || c.HeapBase%PageSize != 0 || c.MmapBase%PageSize != 0 {
		return errors.New("stack, heap and mmap bases must be page aligned")
	}
	if top := uint64(1) << AddressBits(c.Levels); c.StackTop > top || c.MmapBase >= top {
		return errors.Errorf("address layout does not fit a %d level address space", c.Levels)
	}
	return nil
}
