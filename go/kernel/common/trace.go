package common

import (
	"fmt"
	"strconv"
	"strings"
)

// longest string argument shown in a trace line
const traceQuoteMax = 30

func traceQuote(p []byte) string {
	if len(p) <= traceQuoteMax {
		return strconv.Quote(string(p))
	}
	return strconv.Quote(string(p[:traceQuoteMax])) + "..."
}

// formatArg renders args[0]. A Buf followed by its Len is shown as the
// bytes it points to.
func (s Syscall) formatArg(args []interface{}) string {
	switch v := args[0].(type) {
	case Buf:
		if len(args) > 1 {
			if n, ok := args[1].(Len); ok {
				mem, _ := s.Kernel.P.Space().ReadBytes(v.Addr, uint64(n))
				return traceQuote(mem)
			}
		}
		return fmt.Sprintf("%#x", v.Addr)
	case Obuf:
		return fmt.Sprintf("%#x", v.Addr)
	case Ptr, Off, uint64:
		return fmt.Sprintf("%#x", v)
	case Fd:
		return strconv.Itoa(int(v))
	case string:
		return traceQuote([]byte(v))
	}
	return fmt.Sprint(args[0])
}

// Trace formats a call as name(arg, ...), decoding args the way Call does.
func (s Syscall) Trace(regs []uint64) string {
	vals, err := s.Kernel.Argjoy.Convert(s.In, false, regs)
	if err != nil {
		return fmt.Sprintf("%s(%v)", s.Name, err)
	}
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v.Interface()
	}
	parts := make([]string, len(args))
	for i := range args {
		parts[i] = s.formatArg(args[i:])
	}
	return s.Name + "(" + strings.Join(parts, ", ") + ")"
}

// TraceRet formats the result for handlers that return one.
func (s Syscall) TraceRet(ret uint64) string {
	if len(s.Out) == 0 {
		return ""
	}
	return " = " + s.formatArg([]interface{}{ret})
}
