package camera

import (
	"math"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/go-gl/mathgl/mgl32"
)

// Controller owns the positional state of a camera. The camera reads position and target from
// it on Update. The default implementation orbits a target using spherical coordinates and pans
// both points along the view axes.
type Controller interface {
	// Position returns the camera's world-space position.
	//
	// Returns:
	//   - mgl32.Vec3: world-space camera position
	Position() mgl32.Vec3

	// Target returns the look-at point.
	//
	// Returns:
	//   - mgl32.Vec3: world-space target position
	Target() mgl32.Vec3

	// SetTarget sets the orbit pivot and recomputes the position from the orbit angles.
	//
	// Parameters:
	//   - target: world-space pivot
	SetTarget(target mgl32.Vec3)

	// Orbit rotates around the target. Elevation is clamped to the configured range.
	//
	// Parameters:
	//   - dAzimuth: horizontal change in radians
	//   - dElevation: vertical change in radians
	Orbit(dAzimuth, dElevation float32)

	// Zoom moves toward the target. Positive delta moves closer, clamped to the radius range.
	//
	// Parameters:
	//   - delta: zoom amount scaled by the zoom speed
	Zoom(delta float32)

	// Pan translates position and target together along the view's right, up and forward axes.
	//
	// Parameters:
	//   - right: offset along the right axis
	//   - up: offset along the up axis
	//   - forward: offset along the view direction
	Pan(right, up, forward float32)

	// Radius returns the distance between position and target.
	//
	// Returns:
	//   - float32: orbit radius
	Radius() float32
}

// ControllerOption is a functional option for configuring the orbit controller.
type ControllerOption func(*orbitController)

type orbitController struct {
	mu *sync.Mutex

	position mgl32.Vec3
	target   mgl32.Vec3

	radius    float32
	azimuth   float32
	elevation float32

	minRadius    float32
	maxRadius    float32
	minElevation float32
	maxElevation float32

	zoomSpeed float32
	panSpeed  float32
}

var _ Controller = &orbitController{}

// NewOrbitController creates an orbit controller 250 units from the origin, 30 degrees up.
//
// Parameters:
//   - options: functional options to configure the controller
//
// Returns:
//   - Controller: the newly created controller
func NewOrbitController(options ...ControllerOption) Controller {
	oc := &orbitController{
		mu:           &sync.Mutex{},
		radius:       250.0,
		elevation:    float32(math.Pi / 6),
		minRadius:    1.0,
		maxRadius:    5000.0,
		minElevation: -float32(math.Pi/2 - 0.05),
		maxElevation: float32(math.Pi/2 - 0.05),
		zoomSpeed:    15.0,
		panSpeed:     1.0,
	}
	for _, option := range options {
		option(oc)
	}
	oc.radius = common.Clamp(oc.radius, oc.minRadius, oc.maxRadius)
	oc.elevation = common.Clamp(oc.elevation, oc.minElevation, oc.maxElevation)
	oc.updatePosition()
	return oc
}

// WithTarget sets the orbit pivot.
//
// Parameters:
//   - x, y, z: world-space pivot
//
// Returns:
//   - ControllerOption: functional option to set the target
func WithTarget(x, y, z float32) ControllerOption {
	return func(oc *orbitController) {
		oc.target = mgl32.Vec3{x, y, z}
	}
}

// WithOrbit sets the initial radius and angles.
//
// Parameters:
//   - radius: distance from the target
//   - azimuth: horizontal angle in radians, 0 looks down -Z from +Z
//   - elevation: vertical angle in radians
//
// Returns:
//   - ControllerOption: functional option to set the orbit
func WithOrbit(radius, azimuth, elevation float32) ControllerOption {
	return func(oc *orbitController) {
		oc.radius = radius
		oc.azimuth = azimuth
		oc.elevation = elevation
	}
}

// WithRadiusRange sets the zoom limits.
//
// Parameters:
//   - minRadius: closest allowed distance
//   - maxRadius: farthest allowed distance
//
// Returns:
//   - ControllerOption: functional option to set the limits
func WithRadiusRange(minRadius, maxRadius float32) ControllerOption {
	return func(oc *orbitController) {
		oc.minRadius = minRadius
		oc.maxRadius = maxRadius
	}
}

// WithSpeeds sets the zoom and pan multipliers.
//
// Parameters:
//   - zoom: multiplier for Zoom deltas
//   - pan: multiplier for Pan offsets
//
// Returns:
//   - ControllerOption: functional option to set the speeds
func WithSpeeds(zoom, pan float32) ControllerOption {
	return func(oc *orbitController) {
		oc.zoomSpeed = zoom
		oc.panSpeed = pan
	}
}

// updatePosition recomputes the position from the spherical coordinates.
// Caller must hold the mutex.
func (oc *orbitController) updatePosition() {
	cosElev := float32(math.Cos(float64(oc.elevation)))
	sinElev := float32(math.Sin(float64(oc.elevation)))
	cosAzim := float32(math.Cos(float64(oc.azimuth)))
	sinAzim := float32(math.Sin(float64(oc.azimuth)))
	oc.position = oc.target.Add(mgl32.Vec3{cosElev * sinAzim, sinElev, cosElev * cosAzim}.Mul(oc.radius))
}

func (oc *orbitController) Position() mgl32.Vec3 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.position
}

func (oc *orbitController) Target() mgl32.Vec3 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.target
}

func (oc *orbitController) SetTarget(target mgl32.Vec3) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.target = target
	oc.updatePosition()
}

func (oc *orbitController) Orbit(dAzimuth, dElevation float32) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.azimuth += dAzimuth
	oc.elevation = common.Clamp(oc.elevation+dElevation, oc.minElevation, oc.maxElevation)
	oc.updatePosition()
}

func (oc *orbitController) Zoom(delta float32) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.radius = common.Clamp(oc.radius-delta*oc.zoomSpeed, oc.minRadius, oc.maxRadius)
	oc.updatePosition()
}

func (oc *orbitController) Pan(right, up, forward float32) {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	fwd := oc.target.Sub(oc.position)
	if fwd.Len() < 1e-8 {
		return
	}
	fwd = fwd.Normalize()
	r := fwd.Cross(mgl32.Vec3{0, 1, 0})
	if r.Len() < 1e-8 {
		r = mgl32.Vec3{1, 0, 0}
	}
	r = r.Normalize()
	u := r.Cross(fwd)

	offset := r.Mul(right).Add(u.Mul(up)).Add(fwd.Mul(forward)).Mul(oc.panSpeed)
	oc.target = oc.target.Add(offset)
	oc.position = oc.position.Add(offset)
}

func (oc *orbitController) Radius() float32 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.radius
}
