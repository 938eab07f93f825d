// Package renderer is the reference consumer of the visibility output: it draws every instance
// pass command of a camera with one indexed indirect draw, reading transforms and visible
// instances straight from the engine's GPU buffers, and presents to the window surface.
package renderer

import (
	"embed"
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

var (
	// ErrNoSurface is returned when the device was created without a window surface.
	ErrNoSurface = errors.New("renderer: device has no surface")

	// ErrNotWGPU is returned for devices that are not backed by WebGPU.
	ErrNotWGPU = errors.New("renderer: device is not a wgpu device")
)

// PresentMode controls how rendered frames are presented to the display surface.
type PresentMode int

const (
	// PresentModeVSync waits for vertical blank.
	PresentModeVSync PresentMode = iota

	// PresentModeUncapped presents immediately and may tear.
	PresentModeUncapped
)

// Stats describes the renderer's last frame.
type Stats struct {
	Frames    uint64
	Draws     int
	Skipped   int
	Pipelines int
	Meshes    int
}

// Renderer draws cameras culled by the instancer.
type Renderer interface {
	// Render draws one camera's instance pass and presents the frame. Its signature matches
	// instancer.RenderFunc.
	//
	// Parameters:
	//   - ctx: the culled camera context
	//
	// Returns:
	//   - error: if the surface could not be acquired or a pipeline failed to build
	Render(ctx *visibility.CameraContext) error

	// Resize reconfigures the surface. Depth targets follow each camera's viewport.
	//
	// Parameters:
	//   - width: the new surface width in pixels
	//   - height: the new surface height in pixels
	Resize(width, height int)

	// Stats returns the counters of the last Render call.
	Stats() Stats

	// Release frees every GPU object the renderer owns.
	Release()
}

// NewRenderer creates a renderer drawing with a wgpu device created with a surface descriptor.
//
// Parameters:
//   - device: the engine device
//   - options: functional options
//
// Returns:
//   - Renderer: the renderer
//   - error: ErrNotWGPU or ErrNoSurface
func NewRenderer(device gpu.Device, options ...RendererBuilderOption) (Renderer, error) {
	handles, ok := device.(gpu.WGPUHandles)
	if !ok {
		return nil, ErrNotWGPU
	}
	if handles.Surface() == nil {
		return nil, ErrNoSurface
	}
	r := newWGPURenderer(device, handles)
	for _, opt := range options {
		opt(r)
	}
	if r.width > 0 && r.height > 0 {
		r.Resize(r.width, r.height)
	}
	return r, nil
}

// shaderSource returns the instanced draw shader specialized for a transform encoding.
func shaderSource(enc prototype.TransformEncoding) (string, error) {
	src, err := shaderFS.ReadFile("shaders/instanced.wgsl")
	if err != nil {
		return "", err
	}
	decode, err := transform.DecodeSource(enc)
	if err != nil {
		return "", fmt.Errorf("failed to build %s decode: %w", enc, err)
	}
	return gpu.NewShaderLibrary(map[string]string{transform.DecodeInclude: decode}).Process(string(src))
}

// cameraUniform matches CameraUniform in instanced.wgsl.
type cameraUniform struct {
	ViewProj mgl32.Mat4
	Eye      mgl32.Vec4
	LightDir mgl32.Vec4
}

// drawUniform matches DrawUniform in instanced.wgsl.
type drawUniform struct {
	Offset mgl32.Mat4
	Color  mgl32.Vec4
	Flags  mgl32.Vec4
}

const (
	cameraUniformSize = 96
	drawUniformSize   = 96

	// drawUniformStride keeps every draw slot on the minimum uniform offset alignment.
	drawUniformStride = 256
)

func newDrawUniform(item drawItem) drawUniform {
	u := drawUniform{Offset: item.offset, Color: item.color}
	if item.relative {
		u.Flags[0] = 1
	}
	return u
}
