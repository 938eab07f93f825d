package gpu

import (
	"fmt"
)

// MinWorkgroupSize is the smallest compute workgroup width the engine's kernels are written for.
const MinWorkgroupSize = 64

// StereoMode describes how a stereo (XR) camera lays out its eyes.
type StereoMode int

const (
	// StereoNone renders a single eye.
	StereoNone StereoMode = iota

	// StereoMultiview renders both eyes into the layers of one texture array.
	StereoMultiview
)

// Limits holds the device limits the engine sizes its buffers and dispatches against.
type Limits struct {
	MaxBufferSize                    uint64
	MaxStorageBufferBindingSize      uint64
	MaxComputeWorkgroupSizeX         uint32
	MaxComputeWorkgroupsPerDimension uint32
	MaxTextureDimension2D            uint32
}

// Capabilities is resolved once when a Device is created and passed through as data. Behavior
// that would otherwise be selected by platform-specific builds branches on these flags.
type Capabilities struct {
	// Backend is the implementation in use.
	Backend BackendType

	// ComputeShaders reports compute dispatch support.
	ComputeShaders bool

	// Instancing reports instanced draw support.
	Instancing bool

	// IndirectDraw reports indexed indirect draw support.
	IndirectDraw bool

	// StorageTextures reports write-only r32float storage textures, required by the Hi-Z pyramid.
	StorageTextures bool

	// ReversedZ is the platform depth convention used for new cameras.
	ReversedZ bool

	// Stereo is the XR stereo layout, if any.
	Stereo StereoMode

	// BufferFallback selects the compressed 16-byte transform encoding for default profiles.
	BufferFallback bool

	// Limits holds the device limits.
	Limits Limits
}

// Validate checks the capabilities against what the engine needs to run at all.
//
// Returns:
//   - error: wraps ErrUnsupported with the first missing capability, or nil
func (c Capabilities) Validate() error {
	switch {
	case !c.ComputeShaders:
		return fmt.Errorf("%w: compute shaders not available", ErrUnsupported)
	case !c.Instancing:
		return fmt.Errorf("%w: instancing not available", ErrUnsupported)
	case !c.IndirectDraw:
		return fmt.Errorf("%w: indirect draw not available", ErrUnsupported)
	case c.Limits.MaxComputeWorkgroupSizeX < MinWorkgroupSize:
		return fmt.Errorf("%w: max workgroup size %d below %d", ErrUnsupported, c.Limits.MaxComputeWorkgroupSizeX, MinWorkgroupSize)
	}
	return nil
}

// Groups1D returns the workgroup counts needed to cover threads invocations with a workgroup of
// width wgSize. Counts above the per-dimension limit spill into the y dimension; kernels compute
// their linear index as gid.x + gid.y * num_workgroups.x * wgSize.
//
// Parameters:
//   - threads: number of invocations required
//   - wgSize: workgroup width
//   - maxPerDim: the device's MaxComputeWorkgroupsPerDimension
//
// Returns:
//   - [3]uint32: workgroup counts for x, y, z
func Groups1D(threads, wgSize, maxPerDim uint32) [3]uint32 {
	if threads == 0 {
		return [3]uint32{0, 1, 1}
	}
	groups := (threads + wgSize - 1) / wgSize
	if maxPerDim == 0 || groups <= maxPerDim {
		return [3]uint32{groups, 1, 1}
	}
	return [3]uint32{maxPerDim, (groups + maxPerDim - 1) / maxPerDim, 1}
}
