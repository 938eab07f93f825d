package common

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestFrustumIntersectsBounds(t *testing.T) {
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0})
	for _, reversed := range []bool{false, true} {
		proj := Perspective(math.Pi/2, 1, 0.1, 100, reversed)
		f := ExtractFrustum(proj.Mul4(view))

		tests := []struct {
			name   string
			center mgl32.Vec3
			want   bool
		}{
			{"in front", mgl32.Vec3{0, 0, -10}, true},
			{"behind", mgl32.Vec3{0, 0, 10}, false},
			{"far left", mgl32.Vec3{-50, 0, -10}, false},
			{"beyond far", mgl32.Vec3{0, 0, -200}, false},
			{"straddling left", mgl32.Vec3{-10.5, 0, -10}, true},
		}
		for _, tt := range tests {
			b := Bounds{Center: tt.center, Extents: mgl32.Vec3{1, 1, 1}}
			if got := f.IntersectsBounds(b); got != tt.want {
				t.Errorf("reversed=%v %s: IntersectsBounds = %v, want %v", reversed, tt.name, got, tt.want)
			}
		}
	}
}
