package visibility

import "slices"

type span struct {
	start, count int
}

// entryAllocator hands out contiguous entry ranges first-fit. Released ranges are merged with
// their neighbours and reused; the capacity only grows.
type entryAllocator struct {
	free     []span
	capacity int
}

// reserve returns the start of a free range of count entries, growing the capacity when no
// free range is large enough.
func (a *entryAllocator) reserve(count int) int {
	for i, f := range a.free {
		if f.count < count {
			continue
		}
		start := f.start
		if f.count == count {
			a.free = slices.Delete(a.free, i, i+1)
		} else {
			a.free[i] = span{start: f.start + count, count: f.count - count}
		}
		return start
	}
	// extend a free tail instead of leaving it stranded
	if n := len(a.free); n > 0 && a.free[n-1].start+a.free[n-1].count == a.capacity {
		tail := a.free[n-1]
		a.free = a.free[:n-1]
		a.capacity += count - tail.count
		return tail.start
	}
	start := a.capacity
	a.capacity += count
	return start
}

// release returns a range to the free list.
func (a *entryAllocator) release(start, count int) {
	if count <= 0 {
		return
	}
	i, _ := slices.BinarySearchFunc(a.free, start, func(f span, s int) int { return f.start - s })
	a.free = slices.Insert(a.free, i, span{start: start, count: count})
	if i+1 < len(a.free) && a.free[i].start+a.free[i].count == a.free[i+1].start {
		a.free[i].count += a.free[i+1].count
		a.free = slices.Delete(a.free, i+1, i+2)
	}
	if i > 0 && a.free[i-1].start+a.free[i-1].count == a.free[i].start {
		a.free[i-1].count += a.free[i].count
		a.free = slices.Delete(a.free, i, i+1)
	}
}
