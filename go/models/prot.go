package models

import (
	"strings"
)

const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

var protChars = []struct {
	prot int
	c    string
}{{PROT_READ, "r"}, {PROT_WRITE, "w"}, {PROT_EXEC, "x"}}

func ProtString(prot int) string {
	var s strings.Builder
	for _, v := range protChars {
		if prot&v.prot != 0 {
			s.WriteString(v.c)
		} else {
			s.WriteString("-")
		}
	}
	return s.String()
}
