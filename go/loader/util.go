package loader

import (
	"debug/elf"

	"github.com/lunixbochs/capcorn/go/models"
)

func progProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= models.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= models.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= models.PROT_EXEC
	}
	return prot
}
