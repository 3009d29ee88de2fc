package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type command struct {
	desc string
	main func(args []string)
}

var commands = make(map[string]command)

// Register adds a subcommand. main receives os.Args with the program and
// subcommand names joined into args[0].
func Register(name, desc string, main func(args []string)) {
	commands[name] = command{desc, main}
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	fmt.Fprintln(w, "Commands:")
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t| %s\n", name, commands[name].desc)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nExample: %s run -v -ram 24,22 bins/x86.linux.elf\n\n", os.Args[0])
}

func Main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	c, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}
	c.main(append([]string{os.Args[0] + " " + os.Args[1]}, os.Args[2:]...))
}
