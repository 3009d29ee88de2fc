package models

// Segment is one loadable region of an executable. Size is the in-memory
// size; file contents shorter than that are zero filled by the loader.
type Segment struct {
	Addr, Size uint64
	Off        uint64 // file offset of the contents
	Prot       int

	Contents func() ([]byte, error)
}

func (s Segment) End() uint64 { return s.Addr + s.Size }

func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.End()
}

// Span returns the page aligned range covering the segment.
func (s Segment) Span() (lo, hi uint64) {
	lo = s.Addr &^ (PageSize - 1)
	hi = (s.End() + PageSize - 1) &^ (PageSize - 1)
	return lo, hi
}

// Data returns the file backed part of the segment, never longer than Size.
func (s Segment) Data() ([]byte, error) {
	if s.Contents == nil {
		return nil, nil
	}
	data, err := s.Contents()
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > s.Size {
		data = data[:s.Size]
	}
	return data, nil
}
