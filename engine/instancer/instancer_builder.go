package instancer

import (
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/snapshot"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
)

// InstancerBuilderOption configures an Instancer.
type InstancerBuilderOption func(*Instancer)

// WithDefaultProfile sets the profile used for registrations with a zero Profile. Without it,
// Init derives one from the device's buffer fallback flag.
//
// Parameters:
//   - p: the default profile
//
// Returns:
//   - InstancerBuilderOption: functional option to set the default profile
func WithDefaultProfile(p prototype.Profile) InstancerBuilderOption {
	return func(in *Instancer) {
		in.defaultProfile = &p
	}
}

// WithShaderVariants sets the registry consulted before drawing a material with a group's
// keywords.
//
// Parameters:
//   - v: the shader variant registry
//
// Returns:
//   - InstancerBuilderOption: functional option to set the registry
func WithShaderVariants(v rendersource.ShaderVariants) InstancerBuilderOption {
	return func(in *Instancer) {
		in.variants = v
	}
}

// WithErrorMaterial sets the material drawn in place of a missing shader variant.
//
// Parameters:
//   - m: the error material
//
// Returns:
//   - InstancerBuilderOption: functional option to set the error material
func WithErrorMaterial(m *prototype.Material) InstancerBuilderOption {
	return func(in *Instancer) {
		in.errorMaterial = m
	}
}

// WithProbeSampler sets the sampler for groups whose profile enables light probes.
//
// Parameters:
//   - s: the probe sampler
//
// Returns:
//   - InstancerBuilderOption: functional option to set the sampler
func WithProbeSampler(s transform.ProbeSampler) InstancerBuilderOption {
	return func(in *Instancer) {
		in.probeSampler = s
	}
}

// WithRenderFunc sets the function that draws each camera after culling.
//
// Parameters:
//   - fn: the render function
//
// Returns:
//   - InstancerBuilderOption: functional option to set the render function
func WithRenderFunc(fn RenderFunc) InstancerBuilderOption {
	return func(in *Instancer) {
		in.render = fn
	}
}

// WithCameraContextOptions adds options applied to every camera context after the
// instancer's own.
//
// Parameters:
//   - opts: camera context options
//
// Returns:
//   - InstancerBuilderOption: functional option to append the options
func WithCameraContextOptions(opts ...visibility.CameraContextBuilderOption) InstancerBuilderOption {
	return func(in *Instancer) {
		in.contextOptions = append(in.contextOptions, opts...)
	}
}

// WithSnapshotLoader configures the background snapshot decoder.
//
// Parameters:
//   - opts: loader options
//
// Returns:
//   - InstancerBuilderOption: functional option to append the loader options
func WithSnapshotLoader(opts ...snapshot.LoaderBuilderOption) InstancerBuilderOption {
	return func(in *Instancer) {
		in.loaderOptions = append(in.loaderOptions, opts...)
	}
}

// WithShaderInclude registers an extra WGSL snippet for kernel pre-processing.
//
// Parameters:
//   - name: the include name
//   - source: the WGSL source
//
// Returns:
//   - InstancerBuilderOption: functional option to register the snippet
func WithShaderInclude(name, source string) InstancerBuilderOption {
	return func(in *Instancer) {
		in.lib.Register(name, source)
	}
}
