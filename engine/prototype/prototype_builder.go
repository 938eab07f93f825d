package prototype

import "github.com/Carmen-Shannon/oxy-instancer/common"

// PrototypeBuilderOption is a functional option for configuring a Prototype via New.
type PrototypeBuilderOption func(*prototype)

// WithLOD is an option builder that appends a level of detail. LODs are ordered fine to coarse,
// so thresholds must decrease with each call.
//
// Parameters:
//   - screenRelativeHeight: the minimum screen-relative height at which the LOD is used
//   - renderers: the renderers of the LOD
//
// Returns:
//   - PrototypeBuilderOption: a function that appends the LOD to a prototype
func WithLOD(screenRelativeHeight float32, renderers ...Renderer) PrototypeBuilderOption {
	return func(p *prototype) {
		p.lods = append(p.lods, LOD{
			Renderers:            append([]Renderer(nil), renderers...),
			ScreenRelativeHeight: screenRelativeHeight,
		})
	}
}

// WithBounds is an option builder that overrides the bounds computed from the meshes.
//
// Parameters:
//   - bounds: the local-space bounds
//
// Returns:
//   - PrototypeBuilderOption: a function that applies the bounds to a prototype
func WithBounds(bounds common.Bounds) PrototypeBuilderOption {
	return func(p *prototype) {
		p.bounds = &bounds
	}
}

// WithCrossFade is an option builder that sets the LOD cross-fade band width, as a fraction of
// each LOD threshold. It is clamped to [0, 1].
//
// Parameters:
//   - width: the fade band width
//
// Returns:
//   - PrototypeBuilderOption: a function that applies the width to a prototype
func WithCrossFade(width float32) PrototypeBuilderOption {
	return func(p *prototype) {
		p.crossFade = common.Clamp(width, 0, 1)
	}
}
