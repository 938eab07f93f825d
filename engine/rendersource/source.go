package rendersource

// Source is one registrant's contiguous slice of a group's buffers. Its layout fields are
// owned by the group and only change through group operations.
type Source struct {
	key   uint64
	owner any
	group Group

	start int
	size  int
	count int
}

// Key returns the renderer key the source was registered under.
func (s *Source) Key() uint64 { return s.key }

// Owner returns the registrant.
func (s *Source) Owner() any { return s.owner }

// Group returns the owning group, or nil once the source was removed.
func (s *Source) Group() Group { return s.group }

// Start returns the index of the first element of the slice in the group buffers.
func (s *Source) Start() int { return s.start }

// Size returns the allocated element count of the slice.
func (s *Source) Size() int { return s.size }

// Count returns the active instance count, at most Size.
func (s *Source) Count() int { return s.count }

// Range is a half-open element range [Start, Start+Count) of a group's buffers.
type Range struct {
	Start int
	Count int
}

// dispatchRanges merges contiguous fully populated slices into one range, emits partially
// populated slices individually and skips empty ones. Sources are in layout order.
func dispatchRanges(sources []*Source) []Range {
	var out []Range
	open := false
	var run Range
	flush := func() {
		if open {
			out = append(out, run)
			open = false
		}
	}

	for _, s := range sources {
		switch {
		case s.count == 0:
			if s.size > 0 {
				flush()
			}
		case s.count == s.size:
			if open && run.Start+run.Count == s.start {
				run.Count += s.size
				continue
			}
			flush()
			run = Range{Start: s.start, Count: s.size}
			open = true
		default:
			flush()
			out = append(out, Range{Start: s.start, Count: s.count})
		}
	}
	flush()
	return out
}
