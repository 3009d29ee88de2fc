package models

import (
	"fmt"
	"sort"
)

type Symbol struct {
	Name       string
	Start, End uint64
	Dynamic    bool
}

// Contains treats a symbol without a size as covering only its start.
func (s Symbol) Contains(addr uint64) bool {
	if s.End <= s.Start {
		return addr == s.Start
	}
	return s.Start <= addr && addr < s.End
}

// Symbolicate names addr as sym+offset using the closest symbol containing
// it. An empty string means no symbol matched.
func Symbolicate(syms []Symbol, addr uint64) string {
	var best *Symbol
	for i := range syms {
		s := &syms[i]
		if s.Name == "" || !s.Contains(addr) {
			continue
		}
		if best == nil || s.Start > best.Start {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	if addr == best.Start {
		return best.Name
	}
	return fmt.Sprintf("%s+%#x", best.Name, addr-best.Start)
}

// SortSymbols orders syms by start address, then name.
func SortSymbols(syms []Symbol) {
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Start == syms[j].Start {
			return syms[i].Name < syms[j].Name
		}
		return syms[i].Start < syms[j].Start
	})
}
