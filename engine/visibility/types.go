package visibility

import (
	"errors"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	// ErrDisposed is returned by Cull after Dispose.
	ErrDisposed = errors.New("visibility: camera context disposed")

	// ErrNotInitialized is returned by Cull before Initialize.
	ErrNotInitialized = errors.New("visibility: camera context not initialized")
)

// Tag marks what an entry's commands draw.
type Tag uint32

const (
	TagUnallocated Tag = iota
	TagInstance
	TagShadow
)

// TagFor returns the tag of entries drawn in a pass.
func TagFor(pass prototype.Pass) Tag {
	if pass == prototype.PassShadow {
		return TagShadow
	}
	return TagInstance
}

// Entry is one (group, LOD or optional renderer, pass) slot of the visibility buffer. 16 bytes.
type Entry struct {
	VisibleCount uint32
	CommandStart uint32
	CommandCount uint32
	Tag          Tag
}

// IndirectArgs matches the indexed indirect draw argument layout. 20 bytes.
type IndirectArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// IndirectArgsSize is the byte stride of IndirectArgs in the args buffer.
const IndirectArgsSize = 20

// VisibleInstance is one element of the instance-data buffer: the group buffer index of a
// visible instance and its LOD fade weight.
type VisibleInstance struct {
	Index uint32
	Fade  float32
}

// EntryIndex returns the entry offset, relative to a group's base, of an LOD and pass.
func EntryIndex(lod int, pass prototype.Pass) int {
	return lod*prototype.PassCount + int(pass)
}

// OptionalEntryIndex returns the entry offset of an optional renderer and pass.
func OptionalEntryIndex(lodCount, optional int, pass prototype.Pass) int {
	return lodCount*prototype.PassCount + optional*prototype.PassCount + int(pass)
}

// State is the camera context lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

// OcclusionMode selects how instances are tested against scene depth.
type OcclusionMode int

const (
	OcclusionNone OcclusionMode = iota
	OcclusionHiZ
)

func (m OcclusionMode) String() string {
	if m == OcclusionHiZ {
		return "hiz"
	}
	return "none"
}

// Camera is what a camera context needs from the host camera.
type Camera interface {
	// ID identifies the camera for per-camera buffers.
	ID() uint64

	// EyeCount is 1, or 2 for a stereo camera.
	EyeCount() int

	// EyeViewProjection returns the combined projection * view matrix of an eye.
	EyeViewProjection(eye int) mgl32.Mat4

	// Position returns the world-space eye center.
	Position() mgl32.Vec3

	// ProjectionScale returns the projection's vertical cotangent, 1 / tan(fovY / 2).
	ProjectionScale() float32

	// Viewport returns the render target size in pixels.
	Viewport() (width, height int)

	// ReversedZ reports the depth convention.
	ReversedZ() bool

	// DepthTexture returns the depth of the last rendered frame, or nil.
	DepthTexture() gpu.Texture
}

// DrawCommand is the CPU description of one indirect draw.
type DrawCommand struct {
	Group    rendersource.Group
	LOD      int
	Renderer int
	Submesh  int
	Optional int
	Pass     prototype.Pass
	Material *prototype.Material
	Mesh     *prototype.Mesh

	// ArgsOffset is the byte offset of the command's IndirectArgs in the args buffer.
	ArgsOffset uint64

	// Properties is the resolved override block for the command's LOD and renderer.
	Properties rendersource.PropertyBlock
}

// Stats describes the last Cull call.
type Stats struct {
	Frame      uint64
	Dispatches int
	Groups     int
	Skipped    int
	Commands   int
	HiZBuilt   bool
}
