// package common contains plain value types and helpers shared by every engine package.
package common

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Bounds is an axis-aligned bounding box stored as center and half-extents.
type Bounds struct {
	// Center is the box midpoint.
	Center mgl32.Vec3
	// Extents holds the half-size along each axis. All components are >= 0 for a valid box.
	Extents mgl32.Vec3
}

// BoundsFromMinMax builds a Bounds from its corner points.
//
// Parameters:
//   - min: the minimum corner
//   - max: the maximum corner
//
// Returns:
//   - Bounds: the equivalent center/extents box
func BoundsFromMinMax(min, max mgl32.Vec3) Bounds {
	return Bounds{
		Center:  min.Add(max).Mul(0.5),
		Extents: max.Sub(min).Mul(0.5),
	}
}

// Min returns the minimum corner.
func (b Bounds) Min() mgl32.Vec3 { return b.Center.Sub(b.Extents) }

// Max returns the maximum corner.
func (b Bounds) Max() mgl32.Vec3 { return b.Center.Add(b.Extents) }

// Radius returns the radius of the sphere enclosing the box.
func (b Bounds) Radius() float32 { return b.Extents.Len() }

// IsEmpty reports whether the box has no volume on every axis.
func (b Bounds) IsEmpty() bool {
	return b.Extents[0] <= 0 && b.Extents[1] <= 0 && b.Extents[2] <= 0
}

// Transform returns the world-space box enclosing b after applying m (Arvo's method).
//
// Parameters:
//   - m: affine transform applied to the box
//
// Returns:
//   - Bounds: the enclosing axis-aligned box
func (b Bounds) Transform(m mgl32.Mat4) Bounds {
	c := m.Mul4x1(b.Center.Vec4(1)).Vec3()
	var e mgl32.Vec3
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			e[r] += float32(math.Abs(float64(m[col*4+r]))) * b.Extents[col]
		}
	}
	return Bounds{Center: c, Extents: e}
}

// Encapsulate returns the smallest box containing both b and o.
func (b Bounds) Encapsulate(o Bounds) Bounds {
	if b.IsEmpty() && b.Center == (mgl32.Vec3{}) {
		return o
	}
	bmin, bmax := b.Min(), b.Max()
	omin, omax := o.Min(), o.Max()
	for i := 0; i < 3; i++ {
		bmin[i] = min(bmin[i], omin[i])
		bmax[i] = max(bmax[i], omax[i])
	}
	return BoundsFromMinMax(bmin, bmax)
}
