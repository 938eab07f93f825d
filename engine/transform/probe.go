package transform

import "github.com/go-gl/mathgl/mgl32"

// Coefficients holds first-order spherical harmonics for RGB light: four coefficients, each
// stored as a vec4 with an unused w component.
type Coefficients [probeWords]float32

// ProbeSampler interpolates light probe coefficients at world positions. Implementations
// belong to the host's lighting system.
type ProbeSampler interface {
	// Sample fills out[i] with the coefficients at positions[i]. Both slices have equal length.
	Sample(positions []mgl32.Vec3, out []Coefficients)
}

// AmbientProbe is a ProbeSampler returning the same flat ambient color everywhere.
type AmbientProbe struct {
	Color mgl32.Vec3
}

var _ ProbeSampler = AmbientProbe{}

func (a AmbientProbe) Sample(positions []mgl32.Vec3, out []Coefficients) {
	for i := range positions {
		out[i] = Coefficients{a.Color[0], a.Color[1], a.Color[2], 0}
	}
}
