package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	capcorn "github.com/lunixbochs/capcorn/go"
	"github.com/lunixbochs/capcorn/go/cpu/unicorn"
	"github.com/lunixbochs/capcorn/go/loader"
	"github.com/lunixbochs/capcorn/go/models"
)

const configFile = "boot.json"

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// bitslice parses a comma separated list of block sizes in bits.
type bitslice []uint

func (b *bitslice) String() string {
	parts := make([]string, len(*b))
	for i, v := range *b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

func (b *bitslice) Set(value string) error {
	var out []uint
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 0, 8)
		if err != nil {
			return errors.Wrapf(err, "bad block size %q", part)
		}
		out = append(out, uint(n))
	}
	*b = out
	return nil
}

// Stdout is colour capable on every platform.
var Stdout io.Writer = colorable.NewColorableStdout()

// LoadConfig returns the defaults overlaid with the first boot.json found in
// the user or system config folders.
func LoadConfig() (*models.Config, error) {
	cfg := models.DefaultConfig()
	cfg.Color = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	dirs := configdir.New("capcorn", "boot")
	folder := dirs.QueryFolderContainsFile(configFile)
	if folder == nil {
		return cfg, nil
	}
	data, err := folder.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", configFile)
	}
	if err := cfg.Load(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(err, "%s/%s", folder.Path, configFile)
	}
	return cfg, nil
}

// Colorize wraps s in an ansi style when colour output is enabled.
func Colorize(cfg *models.Config, s, style string) string {
	if cfg == nil || !cfg.Color {
		return s
	}
	return ansi.Color(s, style)
}

type CapcornCmd struct {
	Config *models.Config
	Flags  *flag.FlagSet

	SetupFlags func() error
	// MakeLoader builds the image to run from the positional arguments.
	MakeLoader func(args []string) (models.Loader, error)
	// RunTask replaces running the spawned task on the emulator.
	RunTask func(task *capcorn.Task) (int, error)

	NoExe, NoArgs bool

	System *capcorn.System
}

func NewCapcornCmd() *CapcornCmd {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	c := &CapcornCmd{Flags: fs}
	c.MakeLoader = func(args []string) (models.Loader, error) {
		exe := args[0]
		if stat, err := os.Stat(exe); err != nil {
			return nil, err
		} else if stat.Mode().Perm()&0111 == 0 {
			return nil, errors.Errorf("%s: permission denied (no execute bit)", exe)
		}
		return loader.LoadFile(exe)
	}
	return c
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func (c *CapcornCmd) PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	var st stackTracer
	for e := err; e != nil; {
		if s, ok := e.(stackTracer); ok {
			st = s
		}
		cause, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = cause.Cause()
	}
	if st == nil {
		return
	}
	// parse full path and method name for each stack frame
	var frames [][]string
	for _, f := range st.StackTrace() {
		fullpath := ""
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)

		frame := fmt.Sprintf("%+s", f)
		tmp := strings.SplitN(frame, "\n", 3)
		if len(tmp) == 2 {
			pathsplit := strings.Split(tmp[0], "/")
			method = pathsplit[len(pathsplit)-1]
			fullpath = strings.TrimSpace(tmp[1])
		}
		frames = append(frames, []string{fullpath, fileline, method})
		if method == "main.main" {
			break
		}
	}
	widths := make([]int, 3)
	for _, f := range frames {
		for i, s := range f {
			if len(s) > widths[i] {
				widths[i] = len(s)
			}
		}
	}
	for _, f := range frames {
		for i := 0; i < 2; i++ {
			if widths[i] > 0 {
				pad := strings.Repeat(" ", widths[i]-len(f[i]))
				fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
			}
		}
		fmt.Fprintf(os.Stderr, "%s()\n", f[2])
	}
}

// mergeEnv applies -set and -unset to the host environment.
func mergeEnv(env []string, set, unset []string) []string {
	skip := make(map[string]bool)
	var out []string
	for _, v := range set {
		if split := strings.SplitN(v, "=", 2); len(split) == 2 {
			skip[split[0]] = true
			out = append(out, v)
		} else {
			fmt.Fprintf(os.Stderr, "warning: skipping invalid env set %#v\n", v)
		}
	}
	for _, v := range unset {
		skip[v] = true
	}
	for _, v := range env {
		if split := strings.SplitN(v, "=", 2); len(split) == 2 && !skip[split[0]] {
			out = append(out, v)
		}
	}
	return out
}

// Parse reads flags from argv into a fresh config and returns the positional
// arguments.
func (c *CapcornCmd) Parse(argv []string) ([]string, []string, []string) {
	cfg, err := LoadConfig()
	if err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
	fs := c.Flags
	verbose := fs.Bool("v", cfg.Verbose, "verbose output")
	color := fs.Bool("color", cfg.Color, "colour terminal output")
	levels := fs.Int("levels", cfg.Levels, "translation levels per address space")
	unit := fs.Uint("unit", cfg.UnitBits, "untyped unit size per task, in bits")
	stackPages := fs.Int("stack", cfg.StackPages, "initial stack pages")
	tracefile := fs.String("to", "", "kernel op trace output file")
	outfile := fs.String("o", "", "redirect diagnostic output to file (default stderr)")
	ram := bitslice(cfg.UntypedBits)
	fs.Var(&ram, "ram", "boot untyped block sizes in bits, comma separated")
	var envSet, envUnset strslice
	fs.Var(&envSet, "set", "set environment var in the form name=value")
	fs.Var(&envUnset, "unset", "unset environment variable")

	fs.Usage = func() {
		usage := "Usage: %s [options]"
		if !c.NoExe {
			usage += " <exe>"
		}
		if !c.NoExe || !c.NoArgs {
			usage += " [args...]"
		}
		usage += "\n\nOptions:\n"
		fmt.Fprintf(os.Stderr, usage, argv[0])
		var flags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
		PrintFlags(os.Stderr, flags)
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			panic(err)
		}
	}
	fs.Parse(argv[1:])

	cfg.Verbose = *verbose
	cfg.Color = *color
	cfg.Levels = *levels
	cfg.UnitBits = *unit
	cfg.StackPages = *stackPages
	cfg.UntypedBits = ram
	cfg.TraceFile = *tracefile
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			panic(err)
		}
		cfg.Output = out
	}
	if err := cfg.Validate(); err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
	c.Config = cfg

	args := fs.Args()
	if !c.NoExe && len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}
	return args, envSet, envUnset
}

// Run boots a system, spawns the task named by argv and runs it to exit.
// The guest's exit code is returned.
func (c *CapcornCmd) Run(argv, env []string) int {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	args, set, unset := c.Parse(argv)
	env = mergeEnv(env, set, unset)

	l, err := c.MakeLoader(args)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	sys, err := capcorn.NewSystem(c.Config)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	c.System = sys
	defer sys.Close()

	guestArgs := args
	if c.NoExe {
		guestArgs = append([]string{"capcorn"}, args...)
	}
	task, err := sys.Spawn(l, guestArgs, env)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	run := c.RunTask
	if run == nil {
		run = func(task *capcorn.Task) (int, error) {
			r, err := unicorn.NewRunner(task, sys.K, c.Config)
			if err != nil {
				return -1, err
			}
			defer r.Close()
			return r.Run()
		}
	}
	code, err := run(task)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	return code
}
