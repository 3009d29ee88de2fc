package cpu

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	cs "github.com/lunixbochs/capstr"
	"github.com/pkg/errors"
)

// Ins is one disassembled instruction.
type Ins interface {
	Addr() uint64
	Bytes() []byte
	Mnemonic() string
	OpStr() string
}

type discacheEntry struct {
	mem []byte
	dis []Ins
}

type discache struct {
	sync.RWMutex
	cache map[uint64]*discacheEntry
}

func (d *discache) Get(addr uint64, mem []byte) []Ins {
	d.RLock()
	defer d.RUnlock()
	if ent, ok := d.cache[addr]; ok && bytes.Equal(mem, ent.mem) {
		return ent.dis
	}
	return nil
}

func (d *discache) Put(addr uint64, mem []byte, dis []Ins) {
	d.Lock()
	defer d.Unlock()
	d.cache[addr] = &discacheEntry{mem: append([]byte(nil), mem...), dis: dis}
}

// Capstr disassembles guest code. It is used to describe the instruction
// behind a fault the kernel could not resolve.
type Capstr struct {
	Arch, Mode int

	cs *cs.Engine
	dc discache
}

// NewCapstrX86 returns a disassembler for 32 bit x86.
func NewCapstrX86() *Capstr {
	return &Capstr{Arch: cs.ARCH_X86, Mode: cs.MODE_32}
}

func (c *Capstr) Open() (err error) {
	engine, err := cs.New(c.Arch, c.Mode)
	if err == nil {
		c.cs = engine
		c.dc.cache = make(map[uint64]*discacheEntry)
	}
	return errors.Wrap(err, "cs.New() failed")
}

func (c *Capstr) Dis(mem []byte, addr uint64) ([]Ins, error) {
	if c.cs == nil {
		if err := c.Open(); err != nil {
			return nil, err
		}
	}
	if dis := c.dc.Get(addr, mem); dis != nil {
		return dis, nil
	}
	dis, err := c.cs.Dis(mem, addr, 0)
	if err != nil {
		return nil, errors.Wrap(err, "capstone disassembly failed")
	}
	ret := make([]Ins, len(dis))
	for i, v := range dis {
		ret[i] = v
	}
	c.dc.Put(addr, mem, ret)
	return ret, nil
}

// Disas renders mem as one "addr: bytes mnemonic operands" line per instruction.
func (c *Capstr) Disas(mem []byte, addr uint64) (string, error) {
	dis, err := c.Dis(mem, addr)
	if err != nil {
		return "", err
	}
	width := 0
	for _, ins := range dis {
		if n := len(ins.Bytes()); n > width {
			width = n
		}
	}
	out := make([]string, len(dis))
	for i, ins := range dis {
		data := hex.EncodeToString(ins.Bytes())
		pad := strings.Repeat(" ", (width-len(ins.Bytes()))*2)
		out[i] = fmt.Sprintf("%#x: %s%s %s %s", ins.Addr(), data, pad, ins.Mnemonic(), ins.OpStr())
	}
	return strings.Join(out, "\n"), nil
}
