package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"
)

func sample(count int, stride uint32) Snapshot {
	words := int(stride / 4)
	s := Snapshot{Stride: stride, Count: count, Words: make([]uint32, count*words), Masks: make([]uint32, count)}
	for i := range s.Words {
		s.Words[i] = uint32(i * 7)
	}
	for i := range s.Masks {
		s.Masks[i] = uint32(i) | 0x80000000
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		count  int
		stride uint32
	}{
		{"matrix", 5, 64},
		{"compact", 3, 40},
		{"compressed", 100, 16},
		{"empty", 0, 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := sample(tc.count, tc.stride)
			blob, err := Encode(in)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			h, err := ParseHeader(blob)
			if err != nil {
				t.Fatalf("ParseHeader() error = %v", err)
			}
			if h.Stride != tc.stride || int(h.Count) != tc.count {
				t.Errorf("header = %+v, want stride %d count %d", h, tc.stride, tc.count)
			}
			out, err := Decode(blob)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if out.Count != tc.count || out.Stride != tc.stride {
				t.Errorf("Decode() = count %d stride %d, want %d %d", out.Count, out.Stride, tc.count, tc.stride)
			}
			if !slices.Equal(out.Words, in.Words) || !slices.Equal(out.Masks, in.Masks) {
				t.Error("decoded body differs from input")
			}
		})
	}
}

func TestEncodeRejectsMismatch(t *testing.T) {
	s := sample(2, 16)
	s.Masks = s.Masks[:1]
	if _, err := Encode(s); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Encode() error = %v, want ErrCorrupt", err)
	}
	if _, err := Encode(Snapshot{Stride: 6}); !errors.Is(err, ErrBadStride) {
		t.Errorf("Encode() error = %v, want ErrBadStride", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	blob, err := Encode(sample(4, 16))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	badMagic := slices.Clone(blob)
	badMagic[0] ^= 0xff
	badVersion := slices.Clone(blob)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	badCount := slices.Clone(blob)
	binary.LittleEndian.PutUint32(badCount[12:], 5)

	for _, tc := range []struct {
		name string
		blob []byte
		want error
	}{
		{"short", blob[:8], ErrCorrupt},
		{"magic", badMagic, ErrBadMagic},
		{"version", badVersion, ErrBadVersion},
		{"count", badCount, ErrCorrupt},
		{"truncated body", blob[:len(blob)-3], ErrCorrupt},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.blob); !errors.Is(err, tc.want) {
				t.Errorf("Decode() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func waitLoader(t *testing.T, l Loader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestLoaderDelivers(t *testing.T) {
	l := NewLoader(WithWorkers(2))
	defer l.Close()

	a, _ := Encode(sample(3, 16))
	b, _ := Encode(sample(1, 64))
	l.Submit(1, a)
	l.Submit(2, b)
	waitLoader(t, l)

	if n := l.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
	got := l.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain() returned %d results, want 2", len(got))
	}
	counts := map[uint64]int{}
	for _, r := range got {
		if r.Err != nil {
			t.Errorf("result %d error = %v", r.Key, r.Err)
		}
		counts[r.Key] = r.Snapshot.Count
	}
	if counts[1] != 3 || counts[2] != 1 {
		t.Errorf("counts = %v, want map[1:3 2:1]", counts)
	}
	if again := l.Drain(); len(again) != 0 {
		t.Errorf("second Drain() returned %d results, want 0", len(again))
	}
}

func TestLoaderResetDropsStaleResults(t *testing.T) {
	l := NewLoader(WithWorkers(1))
	defer l.Close()

	blob, _ := Encode(sample(2, 16))
	gen := l.Submit(7, blob)
	l.Reset()
	waitLoader(t, l)

	if l.Generation() != gen+1 {
		t.Errorf("Generation() = %d, want %d", l.Generation(), gen+1)
	}
	if got := l.Drain(); len(got) != 0 {
		t.Errorf("Drain() after Reset returned %d results, want 0", len(got))
	}

	l.Submit(7, blob)
	waitLoader(t, l)
	if got := l.Drain(); len(got) != 1 || got[0].Generation != gen+1 {
		t.Errorf("Drain() = %+v, want one result at generation %d", got, gen+1)
	}
}

func TestLoaderKeepsLatestPerKey(t *testing.T) {
	l := NewLoader(WithWorkers(1))
	defer l.Close()

	first, _ := Encode(sample(1, 16))
	second, _ := Encode(sample(4, 16))
	l.Submit(3, first)
	l.Submit(3, second)
	waitLoader(t, l)

	got := l.Drain()
	if len(got) != 1 || got[0].Snapshot.Count != 4 {
		t.Errorf("Drain() = %+v, want only the second blob", got)
	}
}

func TestLoaderReportsDecodeErrors(t *testing.T) {
	l := NewLoader()
	defer l.Close()

	l.Submit(9, []byte("this is not a snapshot blob"))
	waitLoader(t, l)
	got := l.Drain()
	if len(got) != 1 || !errors.Is(got[0].Err, ErrBadMagic) {
		t.Errorf("Drain() = %+v, want one ErrBadMagic result", got)
	}
}
