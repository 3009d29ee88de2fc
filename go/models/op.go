package models

import "io"

// Op is one record of a kernel trace.
type Op interface {
	Sizeof() int
	Pack(p []byte)
	Unpack(r io.Reader) (int, error)
	String() string
}
