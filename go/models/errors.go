package models

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

type ErrorKind int

const (
	InvalidArgument ErrorKind = iota + 1
	InvalidCapability
	IllegalOperation
	RangeError
	AlignmentError
	FailedLookup
	DeleteFirst
	RevokeFirst
	NotEnoughMemory
	NotMapped
)

var kindNames = map[ErrorKind]string{
	InvalidArgument:   "invalid argument",
	InvalidCapability: "invalid capability",
	IllegalOperation:  "illegal operation",
	RangeError:        "range error",
	AlignmentError:    "alignment error",
	FailedLookup:      "failed lookup",
	DeleteFirst:       "delete first",
	RevokeFirst:       "revoke first",
	NotEnoughMemory:   "not enough memory",
	NotMapped:         "not mapped",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error(%d)", int(k))
}

// KernelError is returned by every kernel operation that fails.
type KernelError struct {
	Op   string
	Kind ErrorKind
	Path slot.Path
	// Level is the translation level that was missing for FailedLookup from a map operation.
	Level int
}

func (e *KernelError) Error() string {
	if e.Kind == FailedLookup && e.Level > 0 {
		return fmt.Sprintf("%s: %s (missing level %d)", e.Op, e.Kind, e.Level)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
}

// ErrorKindOf unwraps err and returns its kernel error kind, or 0 if err
// did not come from the kernel.
func ErrorKindOf(err error) ErrorKind {
	if kerr, ok := errors.Cause(err).(*KernelError); ok {
		return kerr.Kind
	}
	return 0
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && ErrorKindOf(err) == kind
}
