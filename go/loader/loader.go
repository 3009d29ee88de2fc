// Package loader parses executables and places their segments in a task
// address space.
package loader

import (
	"encoding/binary"
	"sync"

	"github.com/lunixbochs/capcorn/go/models"
)

// header carries the format independent properties every loader reports.
type header struct {
	arch  string
	bits  int
	order binary.ByteOrder
	os    string
	entry uint64

	symOnce  sync.Once
	syms     []models.Symbol
	symErr   error
	readSyms func() ([]models.Symbol, error)
}

func (h *header) Arch() string   { return h.arch }
func (h *header) Bits() int      { return h.bits }
func (h *header) OS() string     { return h.os }
func (h *header) Entry() uint64  { return h.entry }
func (h *header) Interp() string { return "" }

func (h *header) ByteOrder() binary.ByteOrder {
	if h.order == nil {
		return binary.LittleEndian
	}
	return h.order
}

// Symbols parses the symbol table on first use.
func (h *header) Symbols() ([]models.Symbol, error) {
	h.symOnce.Do(func() {
		if h.readSyms != nil {
			h.syms, h.symErr = h.readSyms()
		}
	})
	return h.syms, h.symErr
}
