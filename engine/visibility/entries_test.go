package visibility

import "testing"

func TestEntryAllocatorFirstFit(t *testing.T) {
	var a entryAllocator
	steps := []struct {
		reserve int
		release [2]int
		want    int
	}{
		{reserve: 4, want: 0},
		{reserve: 6, want: 4},
		{reserve: 2, want: 10},
		{release: [2]int{0, 4}},
		{reserve: 3, want: 0},
		{reserve: 2, want: 12},
		{release: [2]int{4, 6}},
		{reserve: 7, want: 3},
	}
	for i, s := range steps {
		if s.reserve == 0 {
			a.release(s.release[0], s.release[1])
			continue
		}
		if got := a.reserve(s.reserve); got != s.want {
			t.Fatalf("step %d: reserve(%d) = %d, want %d", i, s.reserve, got, s.want)
		}
	}
	if a.capacity != 14 {
		t.Errorf("capacity = %d, want 14", a.capacity)
	}
	if len(a.free) != 0 {
		t.Errorf("free = %v, want empty", a.free)
	}
}

func TestEntryAllocatorExtendsFreeTail(t *testing.T) {
	var a entryAllocator
	a.reserve(4)
	a.reserve(2)
	a.release(4, 2)
	if got := a.reserve(5); got != 4 {
		t.Errorf("reserve(5) = %d, want 4", got)
	}
	if a.capacity != 9 {
		t.Errorf("capacity = %d, want 9", a.capacity)
	}
}

func TestEntryAllocatorMergesNeighbours(t *testing.T) {
	var a entryAllocator
	for range 3 {
		a.reserve(2)
	}
	a.release(0, 2)
	a.release(4, 2)
	a.release(2, 2)
	if len(a.free) != 1 || a.free[0] != (span{start: 0, count: 6}) {
		t.Errorf("free = %v, want one span of 6", a.free)
	}
}
