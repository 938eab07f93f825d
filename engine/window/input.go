package window

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/engine/camera"
)

// Key is a keyboard key code. Values match GLFW key tokens.
type Key uint32

const (
	KeyA  Key = 65
	KeyD  Key = 68
	KeyE  Key = 69
	KeyQ  Key = 81
	KeyS  Key = 83
	KeyW  Key = 87
	KeyF5 Key = 294
	KeyF9 Key = 298
)

// Input accumulates pointer and keyboard state between frames. Window callbacks feed it from
// the event thread and Apply drains it into a camera controller once per frame.
type Input struct {
	mu *sync.Mutex

	held     map[Key]bool
	dragging bool
	lastX    float32
	lastY    float32
	dragX    float32
	dragY    float32
	scroll   float32

	orbitSpeed float32
	moveSpeed  float32
}

// NewInput creates an Input.
//
// Parameters:
//   - orbitSpeed: radians of orbit per pixel of drag
//   - moveSpeed: pan units per second while a movement key is held
//
// Returns:
//   - *Input: the input state
func NewInput(orbitSpeed, moveSpeed float32) *Input {
	return &Input{
		mu:         &sync.Mutex{},
		held:       make(map[Key]bool),
		orbitSpeed: orbitSpeed,
		moveSpeed:  moveSpeed,
	}
}

func (in *Input) KeyDown(k Key) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.held[k] = true
}

func (in *Input) KeyUp(k Key) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.held, k)
}

// Held reports whether a key is down.
func (in *Input) Held(k Key) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.held[k]
}

// DragStart begins an orbit drag at the given cursor position.
func (in *Input) DragStart(x, y float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.dragging = true
	in.lastX, in.lastY = x, y
}

func (in *Input) DragEnd() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.dragging = false
}

// MouseMove records cursor motion. Motion only counts while dragging.
func (in *Input) MouseMove(x, y float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dragging {
		in.dragX += x - in.lastX
		in.dragY += y - in.lastY
	}
	in.lastX, in.lastY = x, y
}

// Scroll adds wheel motion. Positive is toward the target.
func (in *Input) Scroll(delta float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.scroll += delta
}

// Apply moves the controller by the drag and scroll accumulated since the last call and by the
// held movement keys over dt seconds. W/S move forward and back, A/D strafe and E/Q rise and
// sink.
//
// Parameters:
//   - ctrl: the camera controller
//   - dt: seconds since the previous call
func (in *Input) Apply(ctrl camera.Controller, dt float32) {
	in.mu.Lock()
	dx, dy, scroll := in.dragX, in.dragY, in.scroll
	in.dragX, in.dragY, in.scroll = 0, 0, 0
	axis := func(pos, neg Key) float32 {
		var v float32
		if in.held[pos] {
			v++
		}
		if in.held[neg] {
			v--
		}
		return v
	}
	right, up, forward := axis(KeyD, KeyA), axis(KeyE, KeyQ), axis(KeyW, KeyS)
	in.mu.Unlock()

	if dx != 0 || dy != 0 {
		ctrl.Orbit(-dx*in.orbitSpeed, dy*in.orbitSpeed)
	}
	if scroll != 0 {
		ctrl.Zoom(scroll)
	}
	if right != 0 || up != 0 || forward != 0 {
		step := in.moveSpeed * dt
		ctrl.Pan(right*step, up*step, forward*step)
	}
}
