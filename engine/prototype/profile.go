package prototype

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
)

// TransformEncoding selects the per-instance transform layout in GPU memory.
type TransformEncoding int

const (
	// EncodingMatrix stores a full column-major 4x4 matrix, 64 bytes.
	EncodingMatrix TransformEncoding = iota

	// EncodingCompact stores position, rotation quaternion and scale as 10 floats, 40 bytes.
	EncodingCompact

	// EncodingCompressed stores half-float position and uniform scale plus a snorm16
	// quaternion, 16 bytes.
	EncodingCompressed
)

// Stride returns the element size of the encoding in bytes.
func (e TransformEncoding) Stride() int {
	switch e {
	case EncodingCompact:
		return 40
	case EncodingCompressed:
		return 16
	default:
		return 64
	}
}

// Words returns the element size of the encoding in 32-bit words.
func (e TransformEncoding) Words() int { return e.Stride() / 4 }

func (e TransformEncoding) String() string {
	switch e {
	case EncodingCompact:
		return "compact"
	case EncodingCompressed:
		return "compressed"
	default:
		return "matrix"
	}
}

var profileIDs atomic.Uint64

// Profile carries the per-group rendering settings. Profiles are compared by ID, so two
// profiles with the same ID must hold the same settings; use Derive to change a copy.
type Profile struct {
	id uint64

	// TransformEncoding is the GPU layout of instance transforms.
	TransformEncoding TransformEncoding

	// CameraRelative stores an extra per-camera transform buffer with translations relative to
	// the camera position, for precision far from the origin.
	CameraRelative bool

	// MotionVectors keeps a previous-frame transform buffer.
	MotionVectors bool

	// LightProbes keeps a per-instance spherical harmonics buffer.
	LightProbes bool

	// ProbeBias offsets the probe sample position from the instance translation.
	ProbeBias mgl32.Vec3

	// FrustumCulling enables the frustum test in the visibility pass.
	FrustumCulling bool

	// OcclusionCulling enables the Hi-Z test in the visibility pass.
	OcclusionCulling bool

	// MinCullingDistance disables culling for instances closer than this to the camera.
	MinCullingDistance float32

	// ShadowDistance is the distance beyond which instances no longer cast shadows. Zero
	// disables shadow casting.
	ShadowDistance float32

	// LODBias scales the screen-relative height before LOD selection.
	LODBias float32

	// LODCrossFade enables cross-fading between adjacent LODs.
	LODCrossFade bool
}

// ProfileBuilderOption is a functional option for configuring a Profile.
type ProfileBuilderOption func(*Profile)

// NewProfile creates a Profile with a fresh ID and the default settings, then applies options.
//
// Parameters:
//   - options: functional options applied to the profile
//
// Returns:
//   - Profile: the profile
func NewProfile(options ...ProfileBuilderOption) Profile {
	p := Profile{
		id:                profileIDs.Add(1),
		TransformEncoding: EncodingMatrix,
		FrustumCulling:    true,
		OcclusionCulling:  true,
		ShadowDistance:    150,
		LODBias:           1,
	}
	for _, opt := range options {
		opt(&p)
	}
	return p
}

// DefaultProfile returns a fresh default Profile.
func DefaultProfile() Profile { return NewProfile() }

// ID returns the profile identity used in group keys.
func (p Profile) ID() uint64 { return p.id }

// Derive copies the profile under a new ID and applies options to the copy.
func (p Profile) Derive(options ...ProfileBuilderOption) Profile {
	p.id = profileIDs.Add(1)
	for _, opt := range options {
		opt(&p)
	}
	return p
}

// WithEncoding sets the transform encoding.
func WithEncoding(e TransformEncoding) ProfileBuilderOption {
	return func(p *Profile) { p.TransformEncoding = e }
}

// WithCameraRelative enables camera-relative transform buffers.
func WithCameraRelative(enabled bool) ProfileBuilderOption {
	return func(p *Profile) { p.CameraRelative = enabled }
}

// WithMotionVectors enables the previous-frame transform buffer.
func WithMotionVectors(enabled bool) ProfileBuilderOption {
	return func(p *Profile) { p.MotionVectors = enabled }
}

// WithLightProbes enables per-instance light probe data sampled at the translation plus bias.
func WithLightProbes(enabled bool, bias mgl32.Vec3) ProfileBuilderOption {
	return func(p *Profile) {
		p.LightProbes = enabled
		p.ProbeBias = bias
	}
}

// WithCulling toggles the frustum and occlusion tests.
func WithCulling(frustum, occlusion bool) ProfileBuilderOption {
	return func(p *Profile) {
		p.FrustumCulling = frustum
		p.OcclusionCulling = occlusion
	}
}

// WithMinCullingDistance sets the distance under which instances are never culled.
func WithMinCullingDistance(d float32) ProfileBuilderOption {
	return func(p *Profile) { p.MinCullingDistance = max(d, 0) }
}

// WithShadowDistance sets the maximum shadow casting distance.
func WithShadowDistance(d float32) ProfileBuilderOption {
	return func(p *Profile) { p.ShadowDistance = max(d, 0) }
}

// WithLODBias sets the LOD bias multiplier. Values <= 0 are ignored.
func WithLODBias(bias float32) ProfileBuilderOption {
	return func(p *Profile) {
		if bias > 0 {
			p.LODBias = bias
		}
	}
}

// WithLODCrossFade enables LOD cross-fading.
func WithLODCrossFade(enabled bool) ProfileBuilderOption {
	return func(p *Profile) { p.LODCrossFade = enabled }
}
