package common

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestPerspectiveDepthRange(t *testing.T) {
	tests := []struct {
		name      string
		reversedZ bool
		nearDepth float32
		farDepth  float32
	}{
		{"standard", false, 0, 1},
		{"reversed", true, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Perspective(math.Pi/3, 16.0/9.0, 0.5, 100, tt.reversedZ)
			near := p.Mul4x1(mgl32.Vec4{0, 0, -0.5, 1})
			far := p.Mul4x1(mgl32.Vec4{0, 0, -100, 1})
			if got := near[2] / near[3]; !mgl32.FloatEqualThreshold(got, tt.nearDepth, 1e-5) {
				t.Errorf("near depth = %v, want %v", got, tt.nearDepth)
			}
			if got := far[2] / far[3]; !mgl32.FloatEqualThreshold(got, tt.farDepth, 1e-5) {
				t.Errorf("far depth = %v, want %v", got, tt.farDepth)
			}
		})
	}
}

func TestComposeDecomposeTRS(t *testing.T) {
	pos := mgl32.Vec3{1, -2, 3}
	rot := mgl32.QuatRotate(0.7, mgl32.Vec3{0, 1, 0})
	scale := mgl32.Vec3{2, 3, 4}

	m := ComposeTRS(pos, rot, scale)
	gotPos, gotRot, gotScale := DecomposeTRS(m)

	if !gotPos.ApproxEqualThreshold(pos, 1e-5) {
		t.Errorf("position = %v, want %v", gotPos, pos)
	}
	if !gotScale.ApproxEqualThreshold(scale, 1e-4) {
		t.Errorf("scale = %v, want %v", gotScale, scale)
	}
	if !gotRot.ApproxEqualThreshold(rot, 1e-4) && !gotRot.Scale(-1).ApproxEqualThreshold(rot, 1e-4) {
		t.Errorf("rotation = %v, want %v", gotRot, rot)
	}
}

func TestLog2Ceil(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {1024, 10}, {1080, 11}, {1920, 11},
	}
	for _, tt := range tests {
		if got := Log2Ceil(tt.n); got != tt.want {
			t.Errorf("Log2Ceil(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestBytesToSliceRoundTrip(t *testing.T) {
	in := []uint32{1, 2, 3, 0xFFFFFFFF}
	out := BytesToSlice[uint32](SliceToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBoundsTransform(t *testing.T) {
	b := Bounds{Extents: mgl32.Vec3{1, 1, 1}}
	m := ComposeTRS(mgl32.Vec3{10, 0, 0}, mgl32.QuatRotate(math.Pi/4, mgl32.Vec3{0, 0, 1}), mgl32.Vec3{1, 1, 1})

	got := b.Transform(m)
	if !got.Center.ApproxEqualThreshold(mgl32.Vec3{10, 0, 0}, 1e-5) {
		t.Errorf("center = %v, want (10,0,0)", got.Center)
	}
	want := float32(math.Sqrt2)
	if !mgl32.FloatEqualThreshold(got.Extents[0], want, 1e-5) || !mgl32.FloatEqualThreshold(got.Extents[1], want, 1e-5) {
		t.Errorf("extents = %v, want (%v,%v,1)", got.Extents, want, want)
	}
}
