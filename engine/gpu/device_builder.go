package gpu

import (
	"github.com/cogentcore/webgpu/wgpu"
)

// deviceConfig collects the options shared by every backend.
type deviceConfig struct {
	label                string
	forceFallbackAdapter bool
	surfaceDescriptor    *wgpu.SurfaceDescriptor

	// overrides applied on top of what the backend detects
	reversedZ       bool
	stereo          StereoMode
	bufferFallback  bool
	storageTextures *bool
	maxBufferSize   uint64
}

func newDeviceConfig() *deviceConfig {
	return &deviceConfig{
		label: "Instancer Device",
	}
}

// DeviceBuilderOption configures a Device before creation.
type DeviceBuilderOption func(*deviceConfig)

// WithLabel sets the debug label used for the device and its resources.
//
// Parameters:
//   - label: the label prefix
//
// Returns:
//   - DeviceBuilderOption: a function that sets the label
func WithLabel(label string) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.label = label
	}
}

// WithForceFallbackAdapter requests the software fallback adapter from WebGPU.
//
// Parameters:
//   - force: whether to force the fallback adapter
//
// Returns:
//   - DeviceBuilderOption: a function that sets the adapter preference
func WithForceFallbackAdapter(force bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.forceFallbackAdapter = force
	}
}

// WithSurfaceDescriptor makes the WebGPU adapter compatible with a presentation surface, which
// is then available through the wgpu handles for a renderer.
//
// Parameters:
//   - desc: the platform surface descriptor
//
// Returns:
//   - DeviceBuilderOption: a function that sets the surface descriptor
func WithSurfaceDescriptor(desc *wgpu.SurfaceDescriptor) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.surfaceDescriptor = desc
	}
}

// WithReversedZ selects the reversed depth convention as the platform default.
//
// Parameters:
//   - reversed: whether depth is reversed
//
// Returns:
//   - DeviceBuilderOption: a function that sets the depth convention
func WithReversedZ(reversed bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.reversedZ = reversed
	}
}

// WithStereo selects the XR stereo layout.
//
// Parameters:
//   - mode: the stereo mode
//
// Returns:
//   - DeviceBuilderOption: a function that sets the stereo mode
func WithStereo(mode StereoMode) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.stereo = mode
	}
}

// WithBufferFallback prefers the compressed 16-byte transform encoding.
//
// Parameters:
//   - fallback: whether to use the compressed encoding by default
//
// Returns:
//   - DeviceBuilderOption: a function that sets the fallback flag
func WithBufferFallback(fallback bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.bufferFallback = fallback
	}
}

// WithStorageTextures overrides storage texture support detection.
//
// Parameters:
//   - supported: whether storage textures may be used
//
// Returns:
//   - DeviceBuilderOption: a function that sets the override
func WithStorageTextures(supported bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.storageTextures = &supported
	}
}

// WithMaxBufferSize caps the largest buffer the device will allocate.
//
// Parameters:
//   - size: maximum buffer size in bytes
//
// Returns:
//   - DeviceBuilderOption: a function that sets the cap
func WithMaxBufferSize(size uint64) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.maxBufferSize = size
	}
}

// apply folds the overrides into detected capabilities.
func (c *deviceConfig) apply(caps Capabilities) Capabilities {
	caps.ReversedZ = c.reversedZ
	caps.Stereo = c.stereo
	caps.BufferFallback = c.bufferFallback
	if c.storageTextures != nil {
		caps.StorageTextures = *c.storageTextures
	}
	if c.maxBufferSize > 0 && (caps.Limits.MaxBufferSize == 0 || c.maxBufferSize < caps.Limits.MaxBufferSize) {
		caps.Limits.MaxBufferSize = c.maxBufferSize
		caps.Limits.MaxStorageBufferBindingSize = min(caps.Limits.MaxStorageBufferBindingSize, c.maxBufferSize)
	}
	return caps
}
