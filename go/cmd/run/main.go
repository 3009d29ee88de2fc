// Package run boots a system and runs one executable as its first task.
package run

import (
	"os"

	"github.com/lunixbochs/capcorn/go/cmd"
)

func init() {
	cmd.Register("run", "boot a system and run a binary as its first task", func(args []string) {
		os.Exit(cmd.NewCapcornCmd().Run(args, os.Environ()))
	})
}
