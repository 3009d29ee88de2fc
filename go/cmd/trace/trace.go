package trace

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/cmd"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

type jsonOp struct {
	Op   string
	Text string
	Data models.Op
}

func each(tf *trace.TraceReader, fn func(op models.Op) error) error {
	for {
		op, err := tf.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		if err := fn(op); err != nil {
			return err
		}
	}
}

func PrintJson(w io.Writer, tf *trace.TraceReader) error {
	out, err := json.Marshal(&tf.Header)
	if err != nil {
		return errors.Wrap(err, "error printing header")
	}
	fmt.Fprintf(w, "%s\n", out)
	return each(tf, func(op models.Op) error {
		out, err := json.Marshal(&jsonOp{Op: fmt.Sprintf("%T", op), Text: op.String(), Data: op})
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Fprintf(w, "%s\n", out)
		return nil
	})
}

func PrintPretty(w io.Writer, tf *trace.TraceReader) error {
	fmt.Fprintf(w, "trace: arch %s, %d levels\n", tf.Header.Arch, tf.Header.Levels)
	var n int
	return each(tf, func(op models.Op) error {
		fmt.Fprintf(w, "%6d  %s\n", n, op)
		n++
		return nil
	})
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output trace as line-delimited JSON objects")
	fs.Usage = func() {
		fmt.Printf("Usage: %s [options] <tracefile>\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", path, err)
		os.Exit(1)
	}
	tf, err := trace.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening trace file: %v\n", err)
		os.Exit(1)
	}
	defer tf.Close()
	if *jsonFlag {
		err = PrintJson(cmd.Stdout, tf)
	} else {
		err = PrintPretty(cmd.Stdout, tf)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error printing trace: %v\n", err)
		os.Exit(1)
	}
}

func init() { cmd.Register("trace", "print a saved kernel op trace", Main) }
