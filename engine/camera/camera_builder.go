package camera

type CameraBuilderOption func(*cameraImpl)

// WithUp sets the camera's up vector.
//
// Parameters:
//   - x, y, z: up vector components
//
// Returns:
//   - CameraBuilderOption: a function that sets the camera's up vector
func WithUp(x, y, z float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.up = [3]float32{x, y, z}
	}
}

// WithFov sets the camera's vertical field of view in radians.
//
// Parameters:
//   - fov: field of view in radians
//
// Returns:
//   - CameraBuilderOption: a function that sets the camera's field of view
func WithFov(fov float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.fov = fov
	}
}

// WithClipPlanes sets the near and far plane distances.
//
// Parameters:
//   - near: near plane distance
//   - far: far plane distance
//
// Returns:
//   - CameraBuilderOption: functional option to set both planes
func WithClipPlanes(near, far float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.near = near
		c.far = far
	}
}

// WithViewport sets the render target size in pixels.
//
// Parameters:
//   - width: target width
//   - height: target height
//
// Returns:
//   - CameraBuilderOption: functional option to set the viewport
func WithViewport(width, height int) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.width = width
		c.height = height
	}
}

// WithReversedZ selects the reversed depth convention, near at 1 and far at 0.
//
// Returns:
//   - CameraBuilderOption: functional option to enable reversed-Z
func WithReversedZ() CameraBuilderOption {
	return func(c *cameraImpl) {
		c.reversedZ = true
	}
}

// WithStereo makes the camera render two eyes separated by the given distance.
//
// Parameters:
//   - eyeSeparation: world-space distance between the eyes
//
// Returns:
//   - CameraBuilderOption: functional option to enable stereo
func WithStereo(eyeSeparation float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.stereo = true
		c.eyeSeparation = eyeSeparation
	}
}

// WithController attaches a controller to the camera.
// After all options are applied, the camera recomputes its matrices from the controller's state.
//
// Parameters:
//   - ctrl: the controller to attach
//
// Returns:
//   - CameraBuilderOption: functional option to set the controller
func WithController(ctrl Controller) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.controller = ctrl
	}
}
