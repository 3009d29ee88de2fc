package loader

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
	"github.com/lunixbochs/capcorn/go/vspace"
)

type PageAllocator interface {
	AllocPages(n int) ([]slot.Handle, error)
	AllocLargePage() (slot.Handle, error)
}

// Image describes where LoadImage placed an executable.
type Image struct {
	Base, End uint64 // page rounded footprint
	Entry     uint64
	Bias      uint64
	Phdr      uint64
	Phnum     int
	PhEnt     int
	Interp    string
}

// Footprint returns the page rounded extent of every segment with an address.
func Footprint(segs []models.Segment) (lo, hi uint64) {
	first := true
	for _, s := range segs {
		if s.Addr == 0 && s.Size == 0 {
			continue
		}
		slo, shi := s.Span()
		if first || slo < lo {
			lo = slo
		}
		if first || shi > hi {
			hi = shi
		}
		first = false
	}
	return lo, hi
}

// largeChunks returns the bases of the large page aligned chunks whose every
// page is covered with the same rights.
func largeChunks(prot map[uint64]int, order []uint64) []uint64 {
	const perChunk = models.LargePageSize / models.PageSize
	seen := make(map[uint64]bool)
	var bases []uint64
	for _, addr := range order {
		base := addr &^ (models.LargePageSize - 1)
		if seen[base] {
			continue
		}
		seen[base] = true
		want, ok := prot[base]
		for i := uint64(0); ok && i < perChunk; i++ {
			p, found := prot[base+i*models.PageSize]
			ok = found && p == want
		}
		if ok {
			bases = append(bases, base)
		}
	}
	return bases
}

// pageRuns groups sorted page addresses into contiguous [start, end) runs.
func pageRuns(addrs []uint64) [][2]uint64 {
	var runs [][2]uint64
	for _, addr := range addrs {
		if n := len(runs); n > 0 && runs[n-1][1] == addr {
			runs[n-1][1] += models.PageSize
			continue
		}
		runs = append(runs, [2]uint64{addr, addr + models.PageSize})
	}
	return runs
}

// LoadImage maps the segments of l into as, displaced by bias. Every page
// covered by a segment gets the union of the covering segments' rights.
// Large page aligned chunks with uniform rights are backed by one large
// frame; the translation nodes for the remaining pages are created up front
// and those pages are backed by one bulk allocation.
func LoadImage(as *vspace.AddressSpace, pages PageAllocator, l models.Loader, bias uint64) (*Image, error) {
	segs, err := l.Segments()
	if err != nil {
		return nil, err
	}
	lo, hi := Footprint(segs)
	if lo == hi {
		return nil, errors.New("image has no loadable segments")
	}
	lo, hi = lo+bias, hi+bias
	prot := make(map[uint64]int)
	var order []uint64
	for _, s := range segs {
		if s.Size == 0 {
			continue
		}
		slo, shi := s.Span()
		for addr := slo + bias; addr < shi+bias; addr += models.PageSize {
			if _, ok := prot[addr]; !ok {
				order = append(order, addr)
			}
			prot[addr] |= s.Prot
		}
	}
	large := largeChunks(prot, order)
	inLarge := make(map[uint64]bool, len(large))
	for _, base := range large {
		inLarge[base] = true
		frame, err := pages.AllocLargePage()
		if err != nil {
			return nil, err
		}
		if err := as.MapLargePage(base, frame, prot[base]); err != nil {
			return nil, err
		}
	}
	small := make([]uint64, 0, len(order))
	for _, addr := range order {
		if !inLarge[addr&^(models.LargePageSize-1)] {
			small = append(small, addr)
		}
	}
	sort.Slice(small, func(i, j int) bool { return small[i] < small[j] })
	for _, run := range pageRuns(small) {
		if err := as.ReserveTables(run[0], run[1]); err != nil {
			return nil, err
		}
	}
	if len(small) > 0 {
		frames, err := pages.AllocPages(len(small))
		if err != nil {
			return nil, err
		}
		for i, addr := range small {
			if err := as.MapPageProt(addr, frames[i], prot[addr]); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range segs {
		data, err := s.Data()
		if err != nil {
			return nil, err
		}
		if err := as.WriteBytes(s.Addr+bias, data); err != nil {
			return nil, errors.Wrapf(err, "copying segment at %#x", s.Addr+bias)
		}
	}
	img := &Image{Base: lo, End: hi, Entry: l.Entry() + bias, Bias: bias, Interp: l.Interp()}
	if phdr, data, count := l.ProgramHeaders(); count > 0 && phdr != 0 {
		img.Phdr, img.Phnum, img.PhEnt = phdr+bias, count, len(data)/count
	}
	return img, nil
}
