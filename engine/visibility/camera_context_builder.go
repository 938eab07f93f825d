package visibility

import (
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
)

// DefaultHiZInterval rebuilds the pyramid every frame.
const DefaultHiZInterval = 1

// CameraContextBuilderOption is a functional option for configuring a CameraContext via
// NewCameraContext.
type CameraContextBuilderOption func(*CameraContext)

// WithOcclusion is an option builder that requests Hi-Z occlusion culling. Initialize falls back
// to no occlusion when the device cannot build the pyramid.
//
// Parameters:
//   - enabled: whether occlusion culling is wanted
//
// Returns:
//   - CameraContextBuilderOption: a function that applies the request
func WithOcclusion(enabled bool) CameraContextBuilderOption {
	return func(c *CameraContext) {
		c.wantOcclusion = enabled
	}
}

// WithHiZInterval is an option builder that rebuilds the pyramid every n frames.
//
// Parameters:
//   - n: the interval, at least 1
//
// Returns:
//   - CameraContextBuilderOption: a function that applies the interval
func WithHiZInterval(n uint64) CameraContextBuilderOption {
	return func(c *CameraContext) {
		c.hizInterval = max(n, 1)
	}
}

// WithShaderVariants is an option builder that sets the registry used to detect missing shader
// variants.
//
// Parameters:
//   - variants: the registry
//
// Returns:
//   - CameraContextBuilderOption: a function that applies the registry
func WithShaderVariants(variants rendersource.ShaderVariants) CameraContextBuilderOption {
	return func(c *CameraContext) {
		c.variants = variants
	}
}

// WithErrorMaterial is an option builder that sets the material drawn in place of a missing
// shader variant.
//
// Parameters:
//   - m: the error material
//
// Returns:
//   - CameraContextBuilderOption: a function that applies the material
func WithErrorMaterial(m *prototype.Material) CameraContextBuilderOption {
	return func(c *CameraContext) {
		c.errorMaterial = m
	}
}

// WithLabel is an option builder that prefixes buffer labels.
func WithLabel(label string) CameraContextBuilderOption {
	return func(c *CameraContext) {
		c.label = label
	}
}
