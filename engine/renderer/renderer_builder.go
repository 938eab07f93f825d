package renderer

import "github.com/go-gl/mathgl/mgl32"

// RendererBuilderOption is a functional option applied to a renderer during construction via NewRenderer.
type RendererBuilderOption func(*wgpuRenderer)

// WithPresentMode sets the surface present mode.
//
// Parameters:
//   - mode: PresentModeVSync or PresentModeUncapped
//
// Returns:
//   - RendererBuilderOption: a function that applies the present mode to a renderer
func WithPresentMode(mode PresentMode) RendererBuilderOption {
	return func(r *wgpuRenderer) {
		r.presentMode = mode
	}
}

// WithClearColor sets the color the frame is cleared to.
func WithClearColor(c mgl32.Vec4) RendererBuilderOption {
	return func(r *wgpuRenderer) {
		r.clearColor = c
	}
}

// WithLightDirection sets the direction of the single directional light.
func WithLightDirection(dir mgl32.Vec3) RendererBuilderOption {
	return func(r *wgpuRenderer) {
		if dir.Len() > 0 {
			r.lightDir = dir.Normalize()
		}
	}
}

// WithSurfaceSize configures the surface at construction instead of on the first Resize.
//
// Parameters:
//   - width: surface width in pixels
//   - height: surface height in pixels
//
// Returns:
//   - RendererBuilderOption: a function that applies the size to a renderer
func WithSurfaceSize(width, height int) RendererBuilderOption {
	return func(r *wgpuRenderer) {
		r.width, r.height = width, height
	}
}

// WithTargetCamera restricts presenting to one camera. Other cameras are culled by the
// instancer but not drawn.
func WithTargetCamera(id uint64) RendererBuilderOption {
	return func(r *wgpuRenderer) {
		r.target = id
	}
}
