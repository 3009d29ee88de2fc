package vspace

import (
	"fmt"
	"strings"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Mapping is one frame mapped into an address space.
type Mapping struct {
	Addr, Size uint64
	Prot       int
	Frame      slot.Handle
	Paddr      uint64
	Desc       string

	owner FrameOwner
}

func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Addr && addr < m.Addr+m.Size
}

func (m *Mapping) String() string {
	desc := fmt.Sprintf("0x%x-0x%x %s %s", m.Addr, m.Addr+m.Size, models.ProtString(m.Prot), m.Frame)
	if m.Desc != "" {
		desc += fmt.Sprintf(" [%s]", m.Desc)
	}
	return desc
}

// Mappings is kept sorted by address.
type Mappings []*Mapping

func (p Mappings) Len() int           { return len(p) }
func (p Mappings) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Mappings) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Mappings) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// bsearch returns the index of the mapping containing addr, or -1, and the
// index addr would be inserted at.
func (p Mappings) bsearch(addr uint64) (int, int) {
	l := 0
	r := len(p) - 1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid, mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1, l
}

func (p Mappings) Find(addr uint64) *Mapping {
	if i, _ := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}

func (p *Mappings) insert(m *Mapping) {
	_, pos := p.bsearch(m.Addr)
	*p = append(*p, nil)
	copy((*p)[pos+1:], (*p)[pos:])
	(*p)[pos] = m
}

func (p *Mappings) remove(addr uint64) *Mapping {
	i, _ := p.bsearch(addr)
	if i < 0 {
		return nil
	}
	m := (*p)[i]
	*p = append((*p)[:i], (*p)[i+1:]...)
	return m
}
