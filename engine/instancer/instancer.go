// Package instancer is the host-facing context object of the engine. It owns the render source
// groups, the shared parameter buffer and one visibility context per camera, and drives a frame
// of GPU culling for all of them.
//
// An Instancer is created by the host, initialized once against a device and shut down by the
// host. If the device lacks a required capability, Init logs one error and every later call
// becomes a no-op returning false.
package instancer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/occlusion"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/snapshot"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned by Frame before Init.
	ErrNotInitialized = errors.New("instancer: not initialized")

	// ErrShutdown is returned by Init and Frame after Shutdown.
	ErrShutdown = errors.New("instancer: shut down")

	// ErrFrameInProgress is returned by Frame when called while another frame is recorded.
	ErrFrameInProgress = errors.New("instancer: frame in progress")
)

// State is the lifecycle state of an Instancer.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateUnsupported
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateUnsupported:
		return "unsupported"
	case StateShutdown:
		return "shutdown"
	default:
		return "uninitialized"
	}
}

// CameraHook is called with a camera's visibility context at a fixed point of Frame.
type CameraHook func(ctx *visibility.CameraContext)

// RenderFunc draws one camera after culling. The reference renderer provides one.
type RenderFunc func(ctx *visibility.CameraContext) error

// Stats describes the registrations and the last frame.
type Stats struct {
	Frame     uint64
	Renderers int
	Groups    int
	Cameras   int
	Instances int
	Culled    []visibility.Stats
}

// Instancer is the explicit context object every engine operation goes through.
type Instancer struct {
	mu *sync.Mutex

	device gpu.Device
	caps   gpu.Capabilities
	state  State

	lib            *gpu.ShaderLibrary
	params         buffer.ParameterBuffer
	defaultProfile *prototype.Profile
	variants       rendersource.ShaderVariants
	errorMaterial  *prototype.Material
	probeSampler   transform.ProbeSampler
	render         RenderFunc
	contextOptions []visibility.CameraContextBuilderOption
	loaderOptions  []snapshot.LoaderBuilderOption
	loader         snapshot.Loader

	groups     map[rendersource.GroupKey]rendersource.Group
	groupOrder []rendersource.Group
	renderers  map[RendererKey]*registration
	nextKey    RendererKey

	cameras     map[uint64]*visibility.CameraContext
	cameraOrder []*visibility.CameraContext

	preCull    []CameraHook
	preRender  []CameraHook
	postRender []CameraHook

	// mutations issued while a frame is recorded wait in pending until the next Frame
	framing     bool
	pending     []func()
	queued      map[RendererKey]struct{}
	shutdownDue bool

	frame uint64
}

// New creates an uninitialized Instancer bound to a device.
//
// Parameters:
//   - device: the GPU device every buffer and dispatch goes to
//   - options: functional options
//
// Returns:
//   - *Instancer: the instancer
func New(device gpu.Device, options ...InstancerBuilderOption) *Instancer {
	in := &Instancer{
		mu:        &sync.Mutex{},
		device:    device,
		lib:       gpu.NewShaderLibrary(nil),
		groups:    make(map[rendersource.GroupKey]rendersource.Group),
		renderers: make(map[RendererKey]*registration),
		queued:    make(map[RendererKey]struct{}),
		cameras:   make(map[uint64]*visibility.CameraContext),
	}
	for _, opt := range options {
		opt(in)
	}
	return in
}

// Init validates the device capabilities and compiles every kernel. A capability failure is
// logged once and switches the instancer to StateUnsupported.
//
// Returns:
//   - error: the capability or kernel error, ErrShutdown after Shutdown
func (in *Instancer) Init() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state {
	case StateReady:
		return nil
	case StateShutdown:
		return ErrShutdown
	case StateUnsupported:
		return gpu.ErrUnsupported
	}

	in.caps = in.device.Capabilities()
	if err := in.caps.Validate(); err != nil {
		in.state = StateUnsupported
		common.Logger().Error("instancing disabled", zap.Stringer("backend", in.caps.Backend), zap.Error(err))
		return err
	}

	for _, register := range []func(gpu.Device, *gpu.ShaderLibrary) error{
		transform.RegisterKernels,
		occlusion.RegisterKernels,
		visibility.RegisterKernels,
	} {
		if err := register(in.device, in.lib); err != nil {
			in.state = StateUnsupported
			common.Logger().Error("instancing disabled", zap.Error(err))
			return fmt.Errorf("failed to register kernels: %w", err)
		}
	}

	if in.defaultProfile == nil {
		var opts []prototype.ProfileBuilderOption
		if in.caps.BufferFallback {
			opts = append(opts, prototype.WithEncoding(prototype.EncodingCompressed))
		}
		p := prototype.NewProfile(opts...)
		in.defaultProfile = &p
	}
	in.params = buffer.NewParameterBuffer(in.device, "instancer/params")
	in.loader = snapshot.NewLoader(in.loaderOptions...)
	in.state = StateReady
	common.Logger().Info("instancer ready",
		zap.Stringer("backend", in.caps.Backend),
		zap.Bool("storageTextures", in.caps.StorageTextures),
		zap.Stringer("encoding", in.defaultProfile.TransformEncoding),
	)
	return nil
}

// Shutdown disposes every camera context, group and buffer. Calling it again is a no-op. Called
// while a frame is recorded, it takes effect when that frame ends.
func (in *Instancer) Shutdown() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state == StateShutdown {
		return
	}
	if in.framing {
		in.shutdownDue = true
		return
	}
	in.shutdownLocked()
}

// shutdownLocked releases everything the instancer owns. Callers hold in.mu.
func (in *Instancer) shutdownLocked() {
	for _, ctx := range in.cameraOrder {
		ctx.Dispose()
	}
	for _, g := range in.groupOrder {
		g.Dispose()
	}
	if in.params != nil {
		in.params.Dispose()
	}
	if in.loader != nil {
		in.loader.Close()
	}
	in.cameras = make(map[uint64]*visibility.CameraContext)
	in.cameraOrder = nil
	in.groups = make(map[rendersource.GroupKey]rendersource.Group)
	in.groupOrder = nil
	in.renderers = make(map[RendererKey]*registration)
	in.queued = make(map[RendererKey]struct{})
	in.pending = nil
	in.shutdownDue = false
	in.state = StateShutdown
}

// State returns the lifecycle state.
func (in *Instancer) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Capabilities returns the capabilities resolved by Init.
func (in *Instancer) Capabilities() gpu.Capabilities {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.caps
}

// Device returns the device the instancer was created with.
func (in *Instancer) Device() gpu.Device { return in.device }

// DefaultProfile returns the profile used when RegisterRenderer gets a zero Profile. It is only
// resolved after Init.
func (in *Instancer) DefaultProfile() prototype.Profile {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.defaultProfile == nil {
		return prototype.Profile{}
	}
	return *in.defaultProfile
}

// RegisterRenderer adds a renderer for proto. Renderers sharing prototype, profile, group id and
// keywords are placed in the same group and share its buffers. Called while a frame is recorded,
// the key is issued at once and the renderer joins its group at the start of the next Frame.
//
// Parameters:
//   - owner: the registrant, kept for the host's bookkeeping
//   - proto: the prototype to draw
//   - profile: the rendering profile; the zero Profile selects the default
//   - options: registration options
//
// Returns:
//   - RendererKey: the key for every later call
//   - bool: false if the prototype is not renderable or the buffers could not be sized
func (in *Instancer) RegisterRenderer(owner any, proto prototype.Prototype, profile prototype.Profile, options ...RegisterOption) (RendererKey, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady {
		return 0, false
	}
	if err := validPrototype(proto); err != nil {
		common.Logger().Warn("renderer not registered", zap.Error(err))
		return 0, false
	}
	cfg := registerConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.initialSize < 0 {
		common.Logger().Warn("renderer not registered", zap.Int("initialSize", cfg.initialSize))
		return 0, false
	}
	if profile.ID() == 0 {
		profile = *in.defaultProfile
	}

	in.nextKey++
	rk := in.nextKey
	if in.framing {
		in.queued[rk] = struct{}{}
		in.pending = append(in.pending, func() {
			delete(in.queued, rk)
			in.registerLocked(rk, owner, proto, profile, cfg)
		})
		return rk, true
	}
	if !in.registerLocked(rk, owner, proto, profile, cfg) {
		return 0, false
	}
	return rk, true
}

// registerLocked places a renderer in its group, creating the group on first use. Callers hold
// in.mu.
func (in *Instancer) registerLocked(rk RendererKey, owner any, proto prototype.Prototype, profile prototype.Profile, cfg registerConfig) bool {
	key := rendersource.NewGroupKey(proto, profile, cfg.groupID, cfg.keywords)
	g, existing := in.groups[key]
	if !existing {
		data := transform.NewBufferData(in.device,
			fmt.Sprintf("%s/%d", proto.Name(), len(in.groupOrder)),
			profile, 0,
			transform.WithInstanceMasks(len(proto.OptionalRenderers()) > 0),
		)
		g = rendersource.NewGroup(data, proto, profile, cfg.groupID, cfg.keywords)
	}

	src := g.AddSource(uint64(rk), owner, cfg.initialSize)
	if src == nil {
		common.Logger().Error("renderer not registered",
			zap.String("prototype", proto.Name()),
			zap.Int("initialSize", cfg.initialSize),
		)
		if !existing {
			g.Dispose()
		}
		return false
	}
	if !existing {
		in.groups[key] = g
		in.groupOrder = append(in.groupOrder, g)
	}
	in.renderers[rk] = &registration{key: rk, owner: owner, group: g, source: src}
	common.Logger().Debug("renderer registered",
		zap.Uint64("renderer", uint64(rk)),
		zap.Uint64("group", g.ID()),
		zap.String("prototype", proto.Name()),
	)
	return true
}

// DisposeRenderer removes a renderer and compacts its slice out of the group buffers. The last
// renderer of a group releases the group and its entries in every camera. Unknown or already
// disposed keys are ignored. If the compaction is refused the renderer stays registered.
//
// Parameters:
//   - key: the renderer key
func (in *Instancer) DisposeRenderer(key RendererKey) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady {
		return
	}
	if in.framing {
		in.pending = append(in.pending, func() { in.disposeLocked(key) })
		return
	}
	in.disposeLocked(key)
}

// disposeLocked drops a registration once its slice is out of the group. Callers hold in.mu.
func (in *Instancer) disposeLocked(key RendererKey) {
	reg, ok := in.renderers[key]
	if !ok {
		return
	}
	g := reg.group
	empty, err := g.RemoveSource(uint64(key))
	if err != nil {
		common.Logger().Warn("renderer not disposed", zap.Uint64("renderer", uint64(key)), zap.Error(err))
		return
	}
	delete(in.renderers, key)
	if !empty {
		return
	}
	for _, ctx := range in.cameraOrder {
		ctx.ReleaseGroup(g.ID())
	}
	in.params.Unregister(g.ID())
	delete(in.groups, g.Key())
	in.groupOrder = removeGroup(in.groupOrder, g)
	g.Dispose()
}

func removeGroup(groups []rendersource.Group, g rendersource.Group) []rendersource.Group {
	for i, x := range groups {
		if x == g {
			return append(groups[:i], groups[i+1:]...)
		}
	}
	return groups
}

// lookup returns the registration for key when the instancer is ready. Caller must hold the
// mutex.
func (in *Instancer) lookup(key RendererKey, op string) (*registration, bool) {
	if in.state != StateReady {
		return nil, false
	}
	reg, ok := in.renderers[key]
	if !ok {
		common.Logger().Warn("unknown renderer", zap.String("op", op), zap.Uint64("renderer", uint64(key)))
		return nil, false
	}
	return reg, true
}

// mutateLocked runs fn on the renderer's registration. While a frame is recorded the call is
// queued and reported as accepted; queued calls run in issue order at the start of the next
// Frame. Caller must hold the mutex.
func (in *Instancer) mutateLocked(key RendererKey, op string, fn func(reg *registration) bool) bool {
	if !in.framing {
		reg, ok := in.lookup(key, op)
		return ok && fn(reg)
	}
	_, known := in.renderers[key]
	_, waiting := in.queued[key]
	if !known && !waiting {
		common.Logger().Warn("unknown renderer", zap.String("op", op), zap.Uint64("renderer", uint64(key)))
		return false
	}
	in.pending = append(in.pending, func() {
		if reg, ok := in.lookup(key, op); ok && !fn(reg) {
			common.Logger().Warn("queued renderer update failed", zap.String("op", op), zap.Uint64("renderer", uint64(key)))
		}
	})
	return true
}

// applyPendingLocked runs the calls queued while the previous frame was recorded. Caller must
// hold the mutex.
func (in *Instancer) applyPendingLocked() {
	if len(in.pending) == 0 {
		return
	}
	pending := in.pending
	in.pending = nil
	for _, fn := range pending {
		fn()
	}
	common.Logger().Debug("queued updates applied", zap.Int("count", len(pending)))
}

// SetTransformBufferData writes count transforms from transforms[srcOffset:] into the renderer's
// slice at dstOffset. The slice grows when the range does not fit, and the instance count grows
// to cover it.
//
// Parameters:
//   - key: the renderer key
//   - transforms: world transforms
//   - srcOffset: first input index
//   - dstOffset: first instance index
//   - count: number of transforms
//   - resetMotionVectors: make the previous-frame transforms equal to the new ones
//
// Returns:
//   - bool: false for unknown keys, invalid ranges or refused growth
func (in *Instancer) SetTransformBufferData(key RendererKey, transforms []mgl32.Mat4, srcOffset, dstOffset, count int, resetMotionVectors bool) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady || srcOffset < 0 || dstOffset < 0 || count < 0 || srcOffset+count > len(transforms) {
		return false
	}
	batch := transforms[srcOffset : srcOffset+count]
	if in.framing {
		batch = slices.Clone(batch)
	}
	return in.mutateLocked(key, "SetTransformBufferData", func(reg *registration) bool {
		return reg.group.SetTransforms(reg.source, batch, 0, dstOffset, count, resetMotionVectors)
	})
}

// SetBufferSize sets the renderer's slice capacity, keeping existing data.
//
// Parameters:
//   - key: the renderer key
//   - n: the new capacity
//
// Returns:
//   - bool: false for unknown keys or refused sizes
func (in *Instancer) SetBufferSize(key RendererKey, n int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady || n < 0 {
		return false
	}
	return in.mutateLocked(key, "SetBufferSize", func(reg *registration) bool {
		return reg.group.SetBufferSize(reg.source, n, true)
	})
}

// SetInstanceCount sets how many instances of the slice are drawn.
//
// Parameters:
//   - key: the renderer key
//   - n: the active count; the slice grows when n exceeds it
//
// Returns:
//   - bool: false for unknown keys or refused growth
func (in *Instancer) SetInstanceCount(key RendererKey, n int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady || n < 0 {
		return false
	}
	return in.mutateLocked(key, "SetInstanceCount", func(reg *registration) bool {
		return reg.group.SetInstanceCount(reg.source, n)
	})
}

// InstanceCount returns the renderer's active instance count.
func (in *Instancer) InstanceCount(key RendererKey) (int, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "InstanceCount")
	if !ok {
		return 0, false
	}
	return reg.source.Count(), true
}

// TryGetTransformBuffer exposes the world transform buffer and the renderer's range in it for
// host-side compute work. The buffer is replaced when any renderer of the group resizes.
//
// Parameters:
//   - key: the renderer key
//
// Returns:
//   - gpu.Buffer: the group's world transform buffer
//   - int: the first instance of the renderer's slice
//   - int: the slice size
//   - bool: false for unknown keys or an unallocated buffer
func (in *Instancer) TryGetTransformBuffer(key RendererKey) (gpu.Buffer, int, int, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "TryGetTransformBuffer")
	if !ok {
		return nil, 0, 0, false
	}
	buf := reg.group.TransformData().WorldBuffer()
	if buf == nil {
		return nil, 0, 0, false
	}
	return buf, reg.source.Start(), reg.source.Size(), true
}

// Group returns the group a renderer belongs to.
func (in *Instancer) Group(key RendererKey) (rendersource.Group, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "Group")
	if !ok {
		return nil, false
	}
	return reg.group, true
}

// AddMaterialPropertyOverride sets a draw-time material property on the renderer's group.
//
// Parameters:
//   - key: the renderer key
//   - lod: LOD index or rendersource.Unscoped
//   - renderer: renderer index or rendersource.Unscoped
//   - property: the material property
//   - value: the value
//   - persistent: bake into the shared block when unscoped
//
// Returns:
//   - bool: false for unknown keys, an empty property name, or a LOD or renderer index the
//     prototype does not have
func (in *Instancer) AddMaterialPropertyOverride(key RendererKey, lod, renderer int, property string, value mgl32.Vec4, persistent bool) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "AddMaterialPropertyOverride")
	if !ok || property == "" {
		return false
	}
	if !validOverrideScope(reg.group.Prototype(), lod, renderer) {
		common.Logger().Warn("override scope out of range",
			zap.Uint64("renderer", uint64(key)),
			zap.Int("lod", lod),
			zap.Int("index", renderer),
		)
		return false
	}
	reg.group.Overrides().Add(lod, renderer, property, value, persistent)
	return true
}

// RemoveMaterialPropertyOverrides removes every override of a property.
//
// Returns:
//   - bool: true if anything was removed
func (in *Instancer) RemoveMaterialPropertyOverrides(key RendererKey, property string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "RemoveMaterialPropertyOverrides")
	if !ok {
		return false
	}
	return reg.group.Overrides().Remove(property)
}

// ClearMaterialPropertyOverrides removes every override of the renderer's group.
//
// Returns:
//   - bool: false for unknown keys
func (in *Instancer) ClearMaterialPropertyOverrides(key RendererKey) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "ClearMaterialPropertyOverrides")
	if !ok {
		return false
	}
	reg.group.Overrides().Clear()
	return true
}

// SetOptionalRendererMask selects which optional renderers an instance draws. Bit i enables
// the prototype's i-th optional renderer.
//
// Parameters:
//   - key: the renderer key
//   - instance: index within the renderer's slice
//   - mask: the enabled optional renderers
//
// Returns:
//   - bool: false for unknown keys, out of range instances or prototypes without optional renderers
func (in *Instancer) SetOptionalRendererMask(key RendererKey, instance int, mask uint32) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady || instance < 0 {
		return false
	}
	return in.mutateLocked(key, "SetOptionalRendererMask", func(reg *registration) bool {
		if instance >= reg.source.Size() {
			return false
		}
		return reg.group.TransformData().SetMask(reg.source.Start()+instance, mask)
	})
}

// AddCamera creates and initializes the visibility context for a camera. Adding a camera twice
// returns the existing context. Called while a frame is recorded, the context is initialized and
// culled from the next Frame on.
//
// Parameters:
//   - cam: the camera
//
// Returns:
//   - *visibility.CameraContext: the context, or nil if it could not be initialized
func (in *Instancer) AddCamera(cam visibility.Camera) *visibility.CameraContext {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != StateReady || cam == nil {
		return nil
	}
	if ctx, ok := in.cameras[cam.ID()]; ok {
		return ctx
	}
	opts := append([]visibility.CameraContextBuilderOption{
		visibility.WithShaderVariants(in.variants),
		visibility.WithErrorMaterial(in.errorMaterial),
	}, in.contextOptions...)
	ctx := visibility.NewCameraContext(in.device, cam, in.params, opts...)
	in.cameras[cam.ID()] = ctx
	if in.framing {
		in.pending = append(in.pending, func() { in.initCameraLocked(ctx) })
		return ctx
	}
	if !in.initCameraLocked(ctx) {
		return nil
	}
	return ctx
}

// initCameraLocked initializes a context added by AddCamera and puts it in the frame order. A
// context that fails is dropped. Caller must hold the mutex.
func (in *Instancer) initCameraLocked(ctx *visibility.CameraContext) bool {
	id := ctx.Camera().ID()
	if in.cameras[id] != ctx {
		return false
	}
	if err := ctx.Initialize(in.caps); err != nil {
		common.Logger().Warn("camera not added", zap.Uint64("camera", id), zap.Error(err))
		delete(in.cameras, id)
		ctx.Dispose()
		return false
	}
	in.cameraOrder = append(in.cameraOrder, ctx)
	return true
}

// RemoveCamera disposes a camera's context and its camera-relative transform buffers. Called
// while a frame is recorded, the context is disposed at the start of the next Frame.
//
// Parameters:
//   - cam: the camera
func (in *Instancer) RemoveCamera(cam visibility.Camera) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if cam == nil {
		return
	}
	if in.framing {
		in.pending = append(in.pending, func() { in.removeCameraLocked(cam) })
		return
	}
	in.removeCameraLocked(cam)
}

// removeCameraLocked drops a camera's context. Caller must hold the mutex.
func (in *Instancer) removeCameraLocked(cam visibility.Camera) {
	ctx, ok := in.cameras[cam.ID()]
	if !ok {
		return
	}
	delete(in.cameras, cam.ID())
	for i, c := range in.cameraOrder {
		if c == ctx {
			in.cameraOrder = append(in.cameraOrder[:i], in.cameraOrder[i+1:]...)
			break
		}
	}
	for _, g := range in.groupOrder {
		g.TransformData().RemoveCamera(cam.ID())
	}
	ctx.Dispose()
}

// Camera returns the context of a camera added earlier.
func (in *Instancer) Camera(cam visibility.Camera) (*visibility.CameraContext, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if cam == nil {
		return nil, false
	}
	ctx, ok := in.cameras[cam.ID()]
	return ctx, ok
}

// OnPreCull registers a hook called before each camera is culled.
func (in *Instancer) OnPreCull(fn CameraHook) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.preCull = append(in.preCull, fn)
}

// OnPreRender registers a hook called after culling and before the render function.
func (in *Instancer) OnPreRender(fn CameraHook) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.preRender = append(in.preRender, fn)
}

// OnPostRender registers a hook called after the render function.
func (in *Instancer) OnPostRender(fn CameraHook) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.postRender = append(in.postRender, fn)
}

// Frame drives one frame: pending readbacks and snapshot results are applied, light probes are
// refreshed, every camera is culled and rendered with its hooks, and the previous-frame
// transforms are captured for the next frame's motion vectors. A failing camera is skipped.
// Hooks run without the instancer lock held, so they may call back into the instancer.
//
// Mutations from hooks or other goroutines never touch buffers a frame is using: while the
// frame is recorded they are queued, and the next Frame applies them in issue order before it
// culls.
//
// Returns:
//   - error: ErrNotInitialized, ErrShutdown or ErrFrameInProgress, or the joined camera
//     failures; nil when instancing is unsupported
func (in *Instancer) Frame() error {
	in.mu.Lock()
	switch in.state {
	case StateUninitialized:
		in.mu.Unlock()
		return ErrNotInitialized
	case StateShutdown:
		in.mu.Unlock()
		return ErrShutdown
	case StateUnsupported:
		in.mu.Unlock()
		return nil
	}
	if in.framing {
		in.mu.Unlock()
		return ErrFrameInProgress
	}
	in.mu.Unlock()

	// readback callbacks may call back into the instancer
	in.device.Poll(false)

	in.mu.Lock()
	if in.state != StateReady {
		in.mu.Unlock()
		return ErrShutdown
	}
	if in.framing {
		in.mu.Unlock()
		return ErrFrameInProgress
	}
	in.applyPendingLocked()
	in.frame++
	frame := in.frame
	in.applySnapshotsLocked()

	groups := append([]rendersource.Group(nil), in.groupOrder...)
	cameras := append([]*visibility.CameraContext(nil), in.cameraOrder...)
	preCull := append([]CameraHook(nil), in.preCull...)
	preRender := append([]CameraHook(nil), in.preRender...)
	postRender := append([]CameraHook(nil), in.postRender...)
	render := in.render
	sampler := in.probeSampler
	in.framing = true
	in.mu.Unlock()
	defer in.endFrame()

	if sampler != nil {
		for _, g := range groups {
			if g.Profile().LightProbes {
				g.TransformData().RecomputeProbes(sampler)
			}
		}
	}

	var errs []error
	for _, ctx := range cameras {
		for _, fn := range preCull {
			fn(ctx)
		}
		if err := ctx.Cull(groups, frame); err != nil {
			common.Logger().Warn("camera culling failed", zap.Uint64("camera", ctx.Camera().ID()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, fn := range preRender {
			fn(ctx)
		}
		if render != nil {
			if err := render(ctx); err != nil {
				common.Logger().Warn("camera render failed", zap.Uint64("camera", ctx.Camera().ID()), zap.Error(err))
				errs = append(errs, err)
			}
		}
		for _, fn := range postRender {
			fn(ctx)
		}
	}

	for _, g := range groups {
		g.TransformData().RefreshPrevious(frame)
	}
	return errors.Join(errs...)
}

// endFrame reopens the instancer to direct mutation and runs a Shutdown requested during the
// frame.
func (in *Instancer) endFrame() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.framing = false
	if in.shutdownDue {
		in.shutdownLocked()
	}
}

// Stats returns registration counts and the culling counters of each camera's last frame.
func (in *Instancer) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()

	s := Stats{
		Frame:     in.frame,
		Renderers: len(in.renderers),
		Groups:    len(in.groupOrder),
		Cameras:   len(in.cameraOrder),
	}
	for _, g := range in.groupOrder {
		s.Instances += g.InstanceCount()
	}
	for _, ctx := range in.cameraOrder {
		s.Culled = append(s.Culled, ctx.Stats())
	}
	return s
}
