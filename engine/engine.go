// Package engine hosts an instancer in a window: a fixed-rate tick loop for application logic,
// a render loop that drives camera input and instancer frames, and the window's message pump.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/camera"
	"github.com/Carmen-Shannon/oxy-instancer/engine/instancer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/profiler"
	"github.com/Carmen-Shannon/oxy-instancer/engine/renderer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/window"
	"go.uber.org/zap"
)

// ErrNoWindow is returned by Run when the engine was built without a window.
var ErrNoWindow = errors.New("engine has no window")

// engine implements the Engine interface.
// Coordinates the tick, render, and window threads.
type engine struct {
	tickRateChannel chan time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	quitChannel chan struct{}
	quitOnce    sync.Once

	window    window.Window
	instancer *instancer.Instancer
	renderer  renderer.Renderer
	cameras   []camera.Camera

	profiler         *profiler.Profiler
	profilingEnabled atomic.Bool

	cbMu           sync.Mutex
	engineTickRate time.Duration
	tickCallback   func(deltaTime float32)
	renderCallback func(deltaTime float32)

	renderFrameLimit atomic.Int64 // minimum frame duration in nanoseconds; 0 = uncapped
}

// Engine runs an Instancer inside a window.
type Engine interface {
	// Window returns the underlying window.
	//
	// Returns:
	//   - window.Window: the window instance
	Window() window.Window

	// Instancer returns the hosted instancer.
	Instancer() *instancer.Instancer

	// Cameras returns the cameras the engine registered with the instancer.
	Cameras() []camera.Camera

	// EnableProfiler enables performance profiling output to the log.
	EnableProfiler()

	// DisableProfiler disables performance profiling output.
	DisableProfiler()

	// SetTickRate sets the engine tick rate in frames per second.
	//
	// Parameters:
	//   - fps: target frames per second (defaults to 60 if <= 0)
	SetTickRate(fps float64)

	// SetTickCallback registers the function called each engine tick. Use this to move
	// instances and upload their transforms.
	//
	// Parameters:
	//   - callback: function to call at the configured tick rate, receiving the delta time in seconds
	SetTickCallback(callback func(deltaTime float32))

	// SetRenderCallback registers the function called after each instancer frame.
	//
	// Parameters:
	//   - callback: function to call each render frame, receiving the delta time in seconds
	SetRenderCallback(callback func(deltaTime float32))

	// SetRenderFrameLimit sets an optional render frame rate cap in frames per second.
	// Pass 0 to uncap the render loop (default).
	SetRenderFrameLimit(fps float64)

	// Run starts the loops and pumps window messages until the window closes or Quit is
	// called. It returns after both loops have stopped. Quit closes the window; a window closed
	// by the user is left for the caller to Close after releasing the renderer.
	//
	// Returns:
	//   - error: ErrNoWindow, or if the instancer is not initialized
	Run() error

	// Quit signals all engine goroutines to stop. Safe to call multiple times.
	Quit()
}

// NewEngine creates an Engine around an initialized Instancer.
//
// Parameters:
//   - in: the instancer to drive each render frame
//   - options: functional options for engine configuration
//
// Returns:
//   - Engine: the newly created engine
func NewEngine(in *instancer.Instancer, options ...EngineBuilderOption) Engine {
	e := &engine{
		tickRateChannel: make(chan time.Duration, 1),
		quitChannel:     make(chan struct{}),
		instancer:       in,
		engineTickRate:  time.Second / 60,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.profiler == nil {
		e.profiler = profiler.NewProfiler(profiler.WithCounters(e.counters))
	}

	if e.window != nil {
		// the window may only be closed from the thread pumping its messages
		e.window.SetUpdateCallback(func() {
			select {
			case <-e.quitChannel:
				if err := e.window.Close(); err != nil {
					common.Logger().Warn("failed to close window", zap.Error(err))
				}
			default:
			}
		})
		e.window.SetResizeCallback(func(width, height int) {
			if width <= 0 || height <= 0 {
				return
			}
			if e.renderer != nil {
				e.renderer.Resize(width, height)
			}
			for _, c := range e.cameras {
				c.SetViewport(width, height)
			}
		})
	}

	return e
}

func (e *engine) Window() window.Window {
	return e.window
}

func (e *engine) Instancer() *instancer.Instancer {
	return e.instancer
}

func (e *engine) Cameras() []camera.Camera {
	return append([]camera.Camera(nil), e.cameras...)
}

func (e *engine) Run() error {
	if e.window == nil {
		return ErrNoWindow
	}
	if s := e.instancer.State(); s != instancer.StateReady && s != instancer.StateUnsupported {
		return fmt.Errorf("failed to run engine: instancer is %s", s)
	}
	for _, c := range e.cameras {
		c.SetViewport(e.window.Width(), e.window.Height())
		e.instancer.AddCamera(c)
	}

	e.running.Store(true)
	e.handle()
	e.window.ProcessMessages()
	e.signalQuit()
	e.wg.Wait()
	return nil
}

// Quit signals all engine goroutines to stop.
func (e *engine) Quit() {
	e.signalQuit()
}

// signalQuit closes the quit channel to signal all goroutines to exit.
func (e *engine) signalQuit() {
	e.quitOnce.Do(func() {
		e.running.Store(false)
		close(e.quitChannel)
	})
}

// handle launches the tick and render goroutines.
func (e *engine) handle() {
	e.wg.Add(2)
	go e.handleEngine()
	go e.handleRender()
}

// handleEngine runs the fixed-rate tick loop until the quit channel is closed.
func (e *engine) handleEngine() {
	defer e.wg.Done()

	e.cbMu.Lock()
	rate := e.engineTickRate
	e.cbMu.Unlock()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	lastTick := time.Now()

	for {
		select {
		case <-e.quitChannel:
			return
		case <-ticker.C:
			now := time.Now()
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now

			e.cbMu.Lock()
			cb := e.tickCallback
			e.cbMu.Unlock()
			if cb != nil {
				cb(dt)
			}
		case newRate := <-e.tickRateChannel:
			ticker.Reset(newRate)
			e.cbMu.Lock()
			e.engineTickRate = newRate
			e.cbMu.Unlock()
		}
	}
}

// handleRender applies window input to the cameras and runs one instancer frame per iteration.
// A panic stops the engine instead of the process.
func (e *engine) handleRender() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			common.Logger().Error("render goroutine recovered from panic", zap.Any("panic", r), zap.Stack("stack"))
			e.signalQuit()
		}
	}()

	lastRender := time.Now()
	input := e.window.Input()

	for {
		select {
		case <-e.quitChannel:
			return
		default:
		}

		now := time.Now()
		dt := float32(now.Sub(lastRender).Seconds())
		lastRender = now

		for i, c := range e.cameras {
			// input steers the first camera only
			if i == 0 && input != nil && c.Controller() != nil {
				input.Apply(c.Controller(), dt)
			}
			c.Update()
		}

		if err := e.instancer.Frame(); err != nil {
			if errors.Is(err, instancer.ErrShutdown) || errors.Is(err, instancer.ErrNotInitialized) {
				common.Logger().Error("instancer stopped", zap.Error(err))
				e.signalQuit()
				return
			}
			common.Logger().Debug("frame failed", zap.Error(err))
		}

		e.cbMu.Lock()
		cb := e.renderCallback
		e.cbMu.Unlock()
		if cb != nil {
			cb(dt)
		}

		if e.profilingEnabled.Load() {
			e.profiler.Tick()
		}

		if limit := time.Duration(e.renderFrameLimit.Load()); limit > 0 {
			if remaining := limit - time.Since(now); remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

// counters adds instancer and renderer totals to profiler reports.
func (e *engine) counters() []zap.Field {
	s := e.instancer.Stats()
	var commands, skipped int
	for _, c := range s.Culled {
		commands += c.Commands
		skipped += c.Skipped
	}
	fields := []zap.Field{
		zap.Int("groups", s.Groups),
		zap.Int("instances", s.Instances),
		zap.Int("cameras", s.Cameras),
		zap.Int("drawCommands", commands),
		zap.Int("skippedGroups", skipped),
	}
	if e.renderer != nil {
		rs := e.renderer.Stats()
		fields = append(fields, zap.Int("draws", rs.Draws), zap.Int("pipelines", rs.Pipelines))
	}
	return fields
}

func (e *engine) EnableProfiler() {
	e.profilingEnabled.Store(true)
}

func (e *engine) DisableProfiler() {
	e.profilingEnabled.Store(false)
}

// SetTickRate sets the engine tick rate in frames per second.
// If the engine is running, the change takes effect immediately.
func (e *engine) SetTickRate(fps float64) {
	if fps <= 0 {
		fps = 60
	}
	newRate := time.Duration(float64(time.Second) / fps)

	if !e.running.Load() {
		e.cbMu.Lock()
		e.engineTickRate = newRate
		e.cbMu.Unlock()
		return
	}
	// replace any pending update
	select {
	case e.tickRateChannel <- newRate:
	default:
		select {
		case <-e.tickRateChannel:
		default:
		}
		e.tickRateChannel <- newRate
	}
}

func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.tickCallback = callback
}

func (e *engine) SetRenderCallback(callback func(deltaTime float32)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.renderCallback = callback
}

func (e *engine) SetRenderFrameLimit(fps float64) {
	if fps <= 0 {
		e.renderFrameLimit.Store(0)
		return
	}
	e.renderFrameLimit.Store(int64(float64(time.Second) / fps))
}
