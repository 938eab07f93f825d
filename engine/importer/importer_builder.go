package importer

import "github.com/Carmen-Shannon/oxy-instancer/engine/prototype"

// ImporterBuilderOption is a functional option for configuring an Importer.
type ImporterBuilderOption func(*importerImpl)

// WithShader sets the shader name of every imported material.
//
// Parameters:
//   - shader: the shader name, "lit" by default
//
// Returns:
//   - ImporterBuilderOption: option function to apply
func WithShader(shader string) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.shader = shader
	}
}

// WithShadowMode sets the shadow mode of every imported renderer.
func WithShadowMode(mode prototype.ShadowMode) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.shadowMode = mode
	}
}

// WithLODThresholds sets the screen-relative heights of the imported LODs, fine to coarse. They
// are used when at least as many are given as the file has LODs.
//
// Parameters:
//   - thresholds: strictly decreasing heights
//
// Returns:
//   - ImporterBuilderOption: option function to apply
func WithLODThresholds(thresholds ...float32) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.thresholds = append([]float32(nil), thresholds...)
	}
}

// WithCullHeight sets the height below which the coarsest generated LOD is culled.
func WithCullHeight(h float32) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.cullHeight = h
	}
}

// WithCrossFade sets the LOD cross-fade band of imported prototypes.
func WithCrossFade(width float32) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.crossFade = width
	}
}

// WithPrototypeOptions appends options applied to every imported prototype, such as explicit
// bounds.
func WithPrototypeOptions(options ...prototype.PrototypeBuilderOption) ImporterBuilderOption {
	return func(im *importerImpl) {
		im.extraOption = append(im.extraOption, options...)
	}
}
