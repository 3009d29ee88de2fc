package boot

import (
	"fmt"
	"os"
	"text/tabwriter"

	capcorn "github.com/lunixbochs/capcorn/go"
	"github.com/lunixbochs/capcorn/go/cmd"
	"github.com/lunixbochs/capcorn/go/models"
)

// Dump prints the boot inventory, allocator state and, when task is set,
// its translation tables and mappings.
func Dump(sys *capcorn.System, task *capcorn.Task) {
	cfg := sys.Config
	w := tabwriter.NewWriter(cmd.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, cmd.Colorize(cfg, "untyped\tbits\tpaddr", "white+b"))
	for _, b := range sys.Inventory.Blocks() {
		fmt.Fprintf(w, "%s\t%d\t%#x\n", b.Cap, b.Bits, b.Paddr)
	}
	w.Flush()

	st := sys.Alloc.Stats()
	fmt.Fprintf(cmd.Stdout, "\n%s %d blocks in use, %d of %d bytes left in the current block, %d free pages, %d free units\n",
		cmd.Colorize(cfg, "[alloc]", "cyan"), st.Blocks, st.Remaining, st.TotalBytes, st.FreePages, st.FreeUnits)
	c := sys.K.Counters()
	fmt.Fprintf(cmd.Stdout, "%s retype %d, derive %d, revoke %d, delete %d, map %d, tables %d, unmap %d, faults %d\n",
		cmd.Colorize(cfg, "[kernel]", "cyan"), c.Retype, c.Derive, c.Revoke, c.Delete, c.MapFrame, c.MapTable, c.Unmap, c.Faults)
	if task == nil {
		return
	}
	fmt.Fprintf(cmd.Stdout, "\n%s badge %d, table %#x, entry %#x, sp %#x\n",
		cmd.Colorize(cfg, "[task]", "green"), task.Badge, task.Caps.Index(), task.Entry(), task.SP)
	fmt.Fprintf(cmd.Stdout, "%d translation nodes\n", len(task.AS.Nodes()))
	w = tabwriter.NewWriter(cmd.Stdout, 0, 4, 2, ' ', 0)
	for _, m := range task.AS.Mappings() {
		prot := models.ProtString(m.Prot)
		style := "default"
		if m.Prot&models.PROT_EXEC != 0 {
			style = "red"
		} else if m.Prot&models.PROT_WRITE != 0 {
			style = "yellow"
		}
		fmt.Fprintf(w, "%#x-%#x\t%s\t%s\t%#x\t%s\n", m.Addr, m.Addr+m.Size, cmd.Colorize(cfg, prot, style), m.Frame, m.Paddr, m.Desc)
	}
	w.Flush()
}

func Main(args []string) {
	c := cmd.NewCapcornCmd()
	c.NoExe = true
	c.NoArgs = true
	rest, _, _ := c.Parse(args)
	sys, err := capcorn.NewSystem(c.Config)
	if err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
	defer sys.Close()
	var task *capcorn.Task
	if len(rest) > 0 {
		l, err := c.MakeLoader(rest)
		if err != nil {
			c.PrintError(err)
			os.Exit(1)
		}
		if task, err = sys.Spawn(l, rest, nil); err != nil {
			c.PrintError(err)
			os.Exit(1)
		}
	}
	Dump(sys, task)
}

func init() {
	cmd.Register("boot", "boot the kernel, optionally load a binary, and dump the memory layout", Main)
}
