package asm

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/cmd"
	"github.com/lunixbochs/capcorn/go/cpu"
	"github.com/lunixbochs/capcorn/go/loader"
	"github.com/lunixbochs/capcorn/go/models"
)

const base = 0x1000000

// Assemble turns x86 source into a flat image loaded at base.
func Assemble(src string) (models.Loader, error) {
	k := cpu.NewKeystoneX86()
	defer k.Close()
	code, err := k.Asm(src, base)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, errors.New("no code assembled")
	}
	return loader.NewRawLoader(code, base, "x86", 32, binary.LittleEndian), nil
}

func Main(args []string) {
	c := cmd.NewCapcornCmd()
	var file *string
	c.SetupFlags = func() error {
		file = c.Flags.String("f", "", "read assembly from file")
		return nil
	}
	c.NoExe = true
	c.MakeLoader = func(args []string) (models.Loader, error) {
		if *file != "" {
			data, err := ioutil.ReadFile(*file)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			return Assemble(string(data))
		}
		if len(args) == 0 {
			return nil, errors.New("no assembly given")
		}
		return Assemble(strings.Join(args, "\n"))
	}
	os.Exit(c.Run(args, os.Environ()))
}

func init() { cmd.Register("asm", "assemble an x86 snippet and run it as a task", Main) }
