package common

import (
	"io"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/vspace"
)

// Process is the task a syscall kernel acts for.
type Process interface {
	Space() *vspace.AddressSpace
	Pid() int
	Exit(code int)
	Stdout() io.Writer
	Stderr() io.Writer
	// Release takes back frames the guest unmapped.
	Release(frames []slot.Handle)
	Config() *models.Config
}
