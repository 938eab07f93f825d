package camera

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
)

// cameraCount hands out camera IDs. IDs start at 1 so zero never names a camera.
var cameraCount atomic.Uint64

type cameraImpl struct {
	mu *sync.Mutex

	id uint64
	up mgl32.Vec3

	fov  float32
	near float32
	far  float32

	width  int
	height int

	reversedZ     bool
	stereo        bool
	eyeSeparation float32

	position   mgl32.Vec3
	view       [2]mgl32.Mat4
	projection mgl32.Mat4
	viewProj   [2]mgl32.Mat4

	controller Controller
	depth      gpu.Texture
}

// Camera is a perspective camera that feeds the visibility pipeline. It holds projection settings
// and the render target size, and computes per-eye matrices from an attached Controller on Update.
type Camera interface {
	visibility.Camera

	// Fov returns the vertical field of view in radians.
	//
	// Returns:
	//   - float32: field of view in radians
	Fov() float32

	// Near returns the near clipping plane distance.
	//
	// Returns:
	//   - float32: near plane distance
	Near() float32

	// Far returns the far clipping plane distance.
	//
	// Returns:
	//   - float32: far plane distance
	Far() float32

	// Aspect returns width / height of the viewport, or 1 for an empty viewport.
	//
	// Returns:
	//   - float32: the aspect ratio
	Aspect() float32

	// View returns the view matrix of an eye. Eyes past EyeCount return the last eye.
	//
	// Parameters:
	//   - eye: the eye index
	//
	// Returns:
	//   - mgl32.Mat4: the view matrix
	View(eye int) mgl32.Mat4

	// Projection returns the projection matrix shared by both eyes.
	//
	// Returns:
	//   - mgl32.Mat4: the projection matrix
	Projection() mgl32.Mat4

	// Controller returns the attached Controller, or nil.
	//
	// Returns:
	//   - Controller: the attached controller or nil
	Controller() Controller

	// Update reads position and target from the controller and recomputes all matrices.
	// Without a controller the camera keeps its last position.
	Update()

	// SetFov sets the vertical field of view in radians.
	//
	// Parameters:
	//   - fov: field of view in radians
	SetFov(fov float32)

	// SetClipPlanes sets the near and far plane distances.
	//
	// Parameters:
	//   - near: near plane distance, greater than zero
	//   - far: far plane distance, greater than near
	SetClipPlanes(near, far float32)

	// SetViewport sets the render target size in pixels. The aspect ratio follows it.
	//
	// Parameters:
	//   - width: target width
	//   - height: target height
	SetViewport(width, height int)

	// SetController attaches a Controller.
	//
	// Parameters:
	//   - ctrl: the controller to attach
	SetController(ctrl Controller)

	// SetDepthTexture sets the depth attachment rendered with this camera. The Hi-Z pass of the
	// camera's visibility context reads it on the next frame.
	//
	// Parameters:
	//   - tex: the depth texture, or nil
	SetDepthTexture(tex gpu.Texture)
}

var _ Camera = &cameraImpl{}

// NewCamera creates a Camera with a 45 degree field of view and a 1x1 viewport.
//
// Parameters:
//   - options: functional options to configure the camera
//
// Returns:
//   - Camera: the newly created camera
func NewCamera(options ...CameraBuilderOption) Camera {
	c := &cameraImpl{
		mu:            &sync.Mutex{},
		id:            cameraCount.Add(1),
		up:            mgl32.Vec3{0, 1, 0},
		fov:           45.0 * (math.Pi / 180.0),
		near:          0.1,
		far:           1000.0,
		width:         1,
		height:        1,
		eyeSeparation: 0.064,
		view:          [2]mgl32.Mat4{mgl32.Ident4(), mgl32.Ident4()},
		viewProj:      [2]mgl32.Mat4{mgl32.Ident4(), mgl32.Ident4()},
	}
	for _, option := range options {
		option(c)
	}
	c.updateMatrices()
	return c
}

func (c *cameraImpl) ID() uint64 {
	return c.id
}

func (c *cameraImpl) EyeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stereo {
		return 2
	}
	return 1
}

func (c *cameraImpl) EyeViewProjection(eye int) mgl32.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewProj[c.eyeLocked(eye)]
}

func (c *cameraImpl) Position() mgl32.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *cameraImpl) ProjectionScale() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projection[5]
}

func (c *cameraImpl) Viewport() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

func (c *cameraImpl) ReversedZ() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reversedZ
}

func (c *cameraImpl) DepthTexture() gpu.Texture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

func (c *cameraImpl) Fov() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fov
}

func (c *cameraImpl) Near() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.near
}

func (c *cameraImpl) Far() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.far
}

func (c *cameraImpl) Aspect() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aspectLocked()
}

func (c *cameraImpl) View(eye int) mgl32.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view[c.eyeLocked(eye)]
}

func (c *cameraImpl) Projection() mgl32.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projection
}

func (c *cameraImpl) Controller() Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *cameraImpl) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMatrices()
}

func (c *cameraImpl) SetFov(fov float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fov = fov
	c.updateMatrices()
}

func (c *cameraImpl) SetClipPlanes(near, far float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.near = near
	c.far = far
	c.updateMatrices()
}

func (c *cameraImpl) SetViewport(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width = max(width, 0)
	c.height = max(height, 0)
	c.updateMatrices()
}

func (c *cameraImpl) SetController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controller = ctrl
	c.updateMatrices()
}

func (c *cameraImpl) SetDepthTexture(tex gpu.Texture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = tex
}

func (c *cameraImpl) eyeLocked(eye int) int {
	if !c.stereo || eye <= 0 {
		return 0
	}
	return 1
}

func (c *cameraImpl) aspectLocked() float32 {
	if c.width <= 0 || c.height <= 0 {
		return 1
	}
	return float32(c.width) / float32(c.height)
}

// updateMatrices recalculates the per-eye view and view-projection matrices and the projection.
// Stereo eyes are offset by half the eye separation along the view's right axis.
// Caller must hold the mutex.
func (c *cameraImpl) updateMatrices() {
	c.projection = common.Perspective(c.fov, c.aspectLocked(), c.near, c.far, c.reversedZ)
	if c.controller == nil {
		for eye := range c.view {
			c.viewProj[eye] = c.projection.Mul4(c.view[eye])
		}
		return
	}

	c.position = c.controller.Position()
	target := c.controller.Target()
	center := mgl32.LookAtV(c.position, target, c.up)
	if !c.stereo {
		c.view[0], c.view[1] = center, center
	} else {
		half := c.eyeSeparation / 2
		c.view[0] = mgl32.Translate3D(half, 0, 0).Mul4(center)
		c.view[1] = mgl32.Translate3D(-half, 0, 0).Mul4(center)
	}
	for eye := range c.view {
		c.viewProj[eye] = c.projection.Mul4(c.view[eye])
	}
}
