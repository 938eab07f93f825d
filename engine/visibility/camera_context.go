package visibility

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/occlusion"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"go.uber.org/zap"
)

// groupState is one group's reservation in a camera context.
type groupState struct {
	group rendersource.Group
	base  int
	count int

	// region is the first instance-data element of the group, size the per-entry capacity.
	region int
	size   int
}

// CameraContext owns one camera's visibility buffers: the entries, the indirect commands, the
// visible-instance data and the Hi-Z pyramid. Cull runs the visibility pipeline for a set of
// groups once per frame.
type CameraContext struct {
	mu *sync.Mutex

	device gpu.Device
	camera Camera
	params buffer.ParameterBuffer
	label  string

	state         State
	wantOcclusion bool
	occlusion     OcclusionMode
	stereo        bool
	hizInterval   uint64
	variants      rendersource.ShaderVariants
	errorMaterial *prototype.Material

	pyramid   occlusion.Pyramid
	uniform   buffer.DataBuffer[cameraUniform]
	entries   buffer.DataBuffer[Entry]
	regions   buffer.DataBuffer[uint32]
	instances buffer.DataBuffer[VisibleInstance]
	noMasks   buffer.DataBuffer[uint32]
	commands  CommandBuffer
	noHiZ     gpu.Texture

	alloc  entryAllocator
	groups map[uint64]*groupState
	stats  Stats
}

// NewCameraContext creates an uninitialized context. Kernels must already be registered on the
// device.
//
// Parameters:
//   - device: the device owning the buffers
//   - camera: the host camera
//   - params: the shared group parameter buffer
//   - options: functional options
//
// Returns:
//   - *CameraContext: the context
func NewCameraContext(device gpu.Device, camera Camera, params buffer.ParameterBuffer, options ...CameraContextBuilderOption) *CameraContext {
	c := &CameraContext{
		mu:            &sync.Mutex{},
		device:        device,
		camera:        camera,
		params:        params,
		wantOcclusion: true,
		hizInterval:   DefaultHiZInterval,
		groups:        make(map[uint64]*groupState),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.label == "" {
		c.label = fmt.Sprintf("camera-%d", camera.ID())
	}
	return c
}

// Camera returns the host camera.
func (c *CameraContext) Camera() Camera { return c.camera }

// State returns the lifecycle state.
func (c *CameraContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Occlusion returns the resolved occlusion mode.
func (c *CameraContext) Occlusion() OcclusionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occlusion
}

// Stereo reports whether culling tests both eyes.
func (c *CameraContext) Stereo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stereo
}

// Pyramid returns the Hi-Z pyramid, nil without occlusion culling.
func (c *CameraContext) Pyramid() occlusion.Pyramid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pyramid
}

// Initialize resolves the stereo and occlusion modes against the device capabilities and
// allocates the context buffers. Calling it on a ready context is a no-op.
//
// Parameters:
//   - caps: the device capabilities
//
// Returns:
//   - error: ErrDisposed after Dispose, or an allocation failure
func (c *CameraContext) Initialize(caps gpu.Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisposed:
		return ErrDisposed
	case StateReady:
		return nil
	}

	c.stereo = c.camera.EyeCount() > 1
	if c.stereo && caps.Stereo == gpu.StereoNone {
		common.Logger().Warn("stereo camera on a device without multiview, culling the first eye only",
			zap.Uint64("camera", c.camera.ID()))
		c.stereo = false
	}

	c.occlusion = OcclusionNone
	if c.wantOcclusion {
		if caps.StorageTextures {
			c.occlusion = OcclusionHiZ
			c.pyramid = occlusion.NewPyramid(c.device,
				occlusion.WithLabel(c.label+"/hiz"),
				occlusion.WithReversedZ(c.camera.ReversedZ()),
				occlusion.WithStereo(c.stereo),
			)
		} else {
			common.Logger().Warn("storage textures unsupported, occlusion culling disabled",
				zap.Uint64("camera", c.camera.ID()))
		}
	}

	noHiZ, err := c.device.CreateTexture(gpu.TextureDescriptor{
		Label:     c.label + "/no-hiz",
		Width:     1,
		Height:    1,
		Layers:    1,
		MipLevels: 1,
		Format:    gpu.TextureFormatR32Float,
		Usage:     gpu.TextureUsageSampled | gpu.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create placeholder pyramid: %w", err)
	}
	c.noHiZ = noHiZ
	c.uniform = buffer.New[cameraUniform](c.device, c.label+"/camera", 1, buffer.WithUsage(gpu.BufferUsageUniform))
	c.entries = buffer.New[Entry](c.device, c.label+"/entries", 0)
	c.regions = buffer.New[uint32](c.device, c.label+"/regions", 0)
	c.instances = buffer.New[VisibleInstance](c.device, c.label+"/instances", 0, buffer.WithUsage(gpu.BufferUsageVertex))
	c.noMasks = buffer.New[uint32](c.device, c.label+"/no-masks", 1)
	c.commands = NewCommandBuffer(c.device, c.label+"/commands")

	c.state = StateReady
	common.Logger().Debug("camera context ready",
		zap.Uint64("camera", c.camera.ID()),
		zap.Stringer("occlusion", c.occlusion),
		zap.Bool("stereo", c.stereo),
	)
	return nil
}

// reserveLocked returns the group's state, reserving its entry range on first sight.
func (c *CameraContext) reserveLocked(g rendersource.Group) *groupState {
	if st, ok := c.groups[g.ID()]; ok {
		return st
	}
	count := g.Prototype().EntryCount()
	st := &groupState{group: g, base: c.alloc.reserve(count), count: count}
	if c.alloc.capacity > c.entries.Len() {
		grow := max(c.alloc.capacity, c.entries.Len()*2)
		if !c.entries.Resize(grow, true) || !c.regions.Resize(grow, true) {
			c.alloc.release(st.base, count)
			return nil
		}
	}
	// a reused range may still hold another group's tags
	for e := range count {
		c.entries.Set(st.base+e, []Entry{{}})
	}
	c.groups[g.ID()] = st
	return st
}

// UpdateCommandBuffer appends the draw commands of every entry of the group that has none yet.
// It does nothing for entries built earlier, so it runs once per group until ReleaseGroup
// clears the commands.
//
// Parameters:
//   - g: the group
//
// Returns:
//   - int: the number of commands appended
func (c *CameraContext) UpdateCommandBuffer(g rendersource.Group) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || g == nil || g.Prototype() == nil {
		return 0
	}
	st := c.reserveLocked(g)
	if st == nil {
		return 0
	}
	return c.updateCommandsLocked(st)
}

func (c *CameraContext) updateCommandsLocked(st *groupState) int {
	proto := st.group.Prototype()
	lods := proto.LODCount()
	added := 0

	build := func(e, lod, optional int, pass prototype.Pass, draws []prototype.Draw) {
		idx := st.base + e
		if c.entries.Get(idx).Tag != TagUnallocated {
			return
		}
		start := c.commands.Len()
		for _, d := range draws {
			cmd := DrawCommand{
				Group:    st.group,
				LOD:      lod,
				Renderer: d.Renderer,
				Submesh:  d.Submesh,
				Optional: optional,
				Pass:     pass,
				Material: st.group.ResolveMaterial(d.Material, c.variants, c.errorMaterial),
				Mesh:     proto.LODs()[lod].Renderers[d.Renderer].Mesh,
			}
			args := IndirectArgs{IndexCount: d.IndexCount, FirstIndex: d.FirstIndex, BaseVertex: d.BaseVertex}
			if c.commands.Append(args, uint32(idx), cmd) < 0 {
				common.Logger().Error("indirect command buffer full", zap.Uint64("group", st.group.ID()))
				return
			}
			added++
		}
		c.entries.Set(idx, []Entry{{
			CommandStart: uint32(start),
			CommandCount: uint32(c.commands.Len() - start),
			Tag:          TagFor(pass),
		}})
	}

	for lod := range lods {
		for pass := range prototype.Pass(prototype.PassCount) {
			build(EntryIndex(lod, pass), lod, -1, pass, proto.Draws(lod, pass))
		}
	}
	for k := range proto.OptionalRenderers() {
		for pass := range prototype.Pass(prototype.PassCount) {
			build(OptionalEntryIndex(lods, k, pass), 0, k, pass, proto.OptionalDraws(k, pass))
		}
	}
	return added
}

// Cull runs one frame of visibility for the groups: Hi-Z refresh when due, the camera uniform,
// the visible count reset, one cull dispatch per dispatch range of every non-empty group and
// the command expansion. Groups with no buffer or no prototype are skipped without touching any
// buffer. A group that fails is skipped for the frame.
//
// Parameters:
//   - groups: the groups to cull
//   - frame: the monotonic frame number
//
// Returns:
//   - error: ErrDisposed, ErrNotInitialized, or a failure that prevented the whole pass
func (c *CameraContext) Cull(groups []rendersource.Group, frame uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
		return ErrNotInitialized
	}
	c.stats = Stats{Frame: frame}
	camID := c.camera.ID()

	hizDue := false
	if c.occlusion == OcclusionHiZ && frame%c.hizInterval == 0 && c.camera.DepthTexture() != nil {
		w, h := c.camera.Viewport()
		if _, err := c.pyramid.Resize(w, h); err != nil {
			common.Logger().Warn("hi-z resize failed", zap.Uint64("camera", camID), zap.Error(err))
		} else {
			hizDue = true
		}
	}

	active := make([]*groupState, 0, len(groups))
	for _, g := range groups {
		if g == nil || g.Prototype() == nil || g.BufferSize() == 0 {
			c.stats.Skipped++
			continue
		}
		if g.Recompute(c.params) < 0 {
			common.Logger().Warn("group parameters not registered", zap.Uint64("group", g.ID()))
			c.stats.Skipped++
			continue
		}
		st := c.reserveLocked(g)
		if st == nil {
			common.Logger().Error("visibility entries exhausted", zap.Uint64("group", g.ID()))
			c.stats.Skipped++
			continue
		}
		c.updateCommandsLocked(st)
		if g.Profile().CameraRelative {
			g.TransformData().UpdateCameraRelative(camID, c.camera.Position())
		}
		if err := g.TransformData().Flush(); err != nil {
			common.Logger().Warn("group transforms not uploaded", zap.Uint64("group", g.ID()), zap.Error(err))
			c.stats.Skipped++
			continue
		}
		active = append(active, st)
	}
	if !c.layoutLocked(active) {
		return fmt.Errorf("failed to size instance data for camera %d", camID)
	}
	c.writeUniformLocked()

	if _, err := c.params.Flush(); err != nil {
		return fmt.Errorf("failed to flush group parameters: %w", err)
	}
	for _, b := range []interface{ Flush() (gpu.Buffer, error) }{c.uniform, c.entries, c.regions, c.noMasks} {
		if _, err := b.Flush(); err != nil {
			return fmt.Errorf("failed to flush camera buffers: %w", err)
		}
	}
	if _, err := c.instances.Allocate(); err != nil {
		return fmt.Errorf("failed to allocate instance data: %w", err)
	}
	if err := c.commands.Flush(); err != nil {
		return err
	}

	if err := c.device.BeginFrame(); err != nil {
		return fmt.Errorf("failed to begin visibility frame: %w", err)
	}
	defer c.device.EndFrame()

	if hizDue {
		if err := c.pyramid.Build(c.camera.DepthTexture()); err != nil {
			common.Logger().Warn("hi-z build failed", zap.Uint64("camera", camID), zap.Error(err))
		} else {
			c.stats.HiZBuilt = true
		}
	}

	maxGroups := c.device.Capabilities().Limits.MaxComputeWorkgroupsPerDimension
	reset := countParams{Count: uint32(c.alloc.capacity)}
	err := c.device.Dispatch(gpu.DispatchDesc{
		Kernel:   KernelReset,
		Params:   common.StructToBytes(&reset),
		Bindings: []gpu.Binding{gpu.BufferBinding(1, c.entries.GPUBuffer())},
		Groups:   gpu.Groups1D(reset.Count, workgroupSize, maxGroups),
	})
	if err != nil {
		return fmt.Errorf("failed to reset visible counts: %w", err)
	}
	c.stats.Dispatches++

	useHiZ := c.occlusion == OcclusionHiZ && c.pyramid.Ready()
	for _, st := range active {
		n, err := c.cullGroupLocked(st, useHiZ, maxGroups)
		c.stats.Dispatches += n
		if err != nil {
			common.Logger().Warn("group culling failed", zap.Uint64("group", st.group.ID()), zap.Error(err))
			c.stats.Skipped++
			continue
		}
		c.stats.Groups++
	}

	count := uint32(c.commands.Len())
	c.stats.Commands = int(count)
	if count > 0 {
		cp := countParams{Count: count}
		err = c.device.Dispatch(gpu.DispatchDesc{
			Kernel: KernelCommands,
			Params: common.StructToBytes(&cp),
			Bindings: []gpu.Binding{
				gpu.BufferBinding(1, c.commands.OwnerBuffer()),
				gpu.BufferBinding(2, c.entries.GPUBuffer()),
				gpu.BufferBinding(3, c.regions.GPUBuffer()),
				gpu.BufferBinding(4, c.commands.ArgsBuffer()),
			},
			Groups: gpu.Groups1D(count, workgroupSize, maxGroups),
		})
		if err != nil {
			return fmt.Errorf("failed to expand draw commands: %w", err)
		}
		c.stats.Dispatches++
	}
	return nil
}

// layoutLocked gives every entry of every active group a region of the instance data large
// enough for the whole group.
func (c *CameraContext) layoutLocked(active []*groupState) bool {
	total := 0
	for _, st := range active {
		st.size = st.group.BufferSize()
		st.region = total
		for e := range st.count {
			start := uint32(st.region + e*st.size)
			if c.regions.Get(st.base+e) != start {
				c.regions.Set(st.base+e, []uint32{start})
			}
		}
		total += st.count * st.size
	}
	if total > c.instances.Len() {
		return c.instances.Resize(max(total, c.instances.Len()*2), false)
	}
	return true
}

func (c *CameraContext) writeUniformLocked() {
	cam := c.camera
	eyes := 1
	if c.stereo {
		eyes = 2
	}
	w, h := cam.Viewport()
	var u cameraUniform
	for eye := range eyes {
		vp := cam.EyeViewProjection(eye)
		u.ViewProj[eye] = vp
		f := common.ExtractFrustum(vp)
		for p, plane := range f.Planes {
			u.Planes[eye*6+p] = plane.Vec4()
		}
	}
	u.Position = cam.Position().Vec4(float32(eyes))
	reversed := float32(0)
	if cam.ReversedZ() {
		reversed = 1
	}
	u.Viewport = [4]float32{float32(w), float32(h), cam.ProjectionScale(), reversed}
	if c.pyramid != nil {
		hw, hh := c.pyramid.Size()
		u.HiZ = [4]float32{float32(hw), float32(hh), float32(c.pyramid.ActiveMipCount()), 0}
		if c.pyramid.Ready() {
			u.HiZ[3] = 1
		}
	}
	c.uniform.Set(0, []cameraUniform{u})
}

// cullGroupLocked dispatches the cull kernel once per dispatch range of the group.
func (c *CameraContext) cullGroupLocked(st *groupState, useHiZ bool, maxGroups uint32) (int, error) {
	g := st.group
	profile := g.Profile()
	data := g.TransformData()

	offset, ok := g.ParamOffset()
	if !ok {
		return 0, fmt.Errorf("group %d has stale parameters", g.ID())
	}
	var flags uint32
	if profile.FrustumCulling {
		flags |= flagFrustum
	}
	if useHiZ && profile.OcclusionCulling {
		flags |= flagOcclusion
	}
	transforms := data.WorldBuffer()
	if profile.CameraRelative {
		transforms = data.CameraBuffer(c.camera.ID())
		flags |= flagRelative
	}
	masks := c.noMasks.GPUBuffer()
	if mb := data.MaskBuffer(); mb != nil {
		masks = mb
		flags |= flagMasks
	}
	if transforms == nil {
		return 0, fmt.Errorf("group %d has no transform buffer", g.ID())
	}
	hiz := c.noHiZ
	if flags&flagOcclusion != 0 {
		hiz = c.pyramid.Texture()
	}

	dispatches := 0
	for _, r := range g.DispatchRanges() {
		p := cullParams{
			Start:       uint32(r.Start),
			Count:       uint32(r.Count),
			EntryBase:   uint32(st.base),
			ParamOffset: uint32(offset),
			Flags:       flags,
		}
		err := c.device.Dispatch(gpu.DispatchDesc{
			Kernel: CullKernel(profile.TransformEncoding),
			Params: common.StructToBytes(&p),
			Bindings: []gpu.Binding{
				gpu.BufferBinding(1, c.uniform.GPUBuffer()),
				gpu.BufferBinding(2, transforms),
				gpu.BufferBinding(3, c.params.Buffer().GPUBuffer()),
				gpu.BufferBinding(4, c.entries.GPUBuffer()),
				gpu.BufferBinding(5, c.regions.GPUBuffer()),
				gpu.BufferBinding(6, c.instances.GPUBuffer()),
				gpu.BufferBinding(7, masks),
				gpu.TextureChainBinding(8, hiz, 0),
			},
			Groups: gpu.Groups1D(p.Count, workgroupSize, maxGroups),
		})
		if err != nil {
			return dispatches, err
		}
		dispatches++
	}
	return dispatches, nil
}

// DrawCommands returns every command with its override block resolved now.
//
// Returns:
//   - []DrawCommand: the commands in args buffer order
func (c *CameraContext) DrawCommands() []DrawCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return nil
	}
	cmds := c.commands.Commands()
	for i := range cmds {
		cmds[i].Properties = cmds[i].Group.Overrides().Resolve(cmds[i].LOD, cmds[i].Renderer)
	}
	return cmds
}

// Commands returns the indirect command buffer.
func (c *CameraContext) Commands() CommandBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// ArgsBuffer returns the indirect args buffer the renderer draws from.
func (c *CameraContext) ArgsBuffer() gpu.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commands == nil {
		return nil
	}
	return c.commands.ArgsBuffer()
}

// InstanceBuffer returns the visible-instance buffer the renderer reads per instance.
func (c *CameraContext) InstanceBuffer() gpu.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instances == nil {
		return nil
	}
	return c.instances.GPUBuffer()
}

// EntryBase returns the first entry index reserved for a group.
//
// Parameters:
//   - groupID: the group id
//
// Returns:
//   - int: the base entry index
//   - bool: false if the group has no reservation
func (c *CameraContext) EntryBase(groupID uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.groups[groupID]
	if !ok {
		return 0, false
	}
	return st.base, true
}

// Entry returns the CPU copy of an entry. VisibleCount is only current after ReadbackEntries.
func (c *CameraContext) Entry(i int) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil || i < 0 || i >= c.entries.Len() {
		return Entry{}
	}
	return c.entries.Get(i)
}

// ReadbackEntries schedules a copy of the GPU entries, visible counts included, into the CPU
// copy.
//
// Parameters:
//   - cb: receives the entries, ok is false if the context was disposed first
//
// Returns:
//   - bool: false if the context is not ready or a conflicting readback is pending
func (c *CameraContext) ReadbackEntries(cb buffer.ReadbackFunc[Entry]) bool {
	c.mu.Lock()
	entries := c.entries
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready {
		return false
	}
	return entries.RequestReadback(buffer.ReadbackWriteBack, cb)
}

// ReadbackInstances schedules a copy of the visible-instance data.
//
// Parameters:
//   - cb: receives the instance data
//
// Returns:
//   - bool: false if the context is not ready or a readback is pending
func (c *CameraContext) ReadbackInstances(cb buffer.ReadbackFunc[VisibleInstance]) bool {
	c.mu.Lock()
	instances := c.instances
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready {
		return false
	}
	return instances.RequestReadback(buffer.ReadbackCallbackOnly, cb)
}

// ReleaseGroup frees a group's entry range for reuse and clears every command so the remaining
// groups rebuild theirs on the next Cull. Other groups keep their entry indices.
//
// Parameters:
//   - groupID: the group id
func (c *CameraContext) ReleaseGroup(groupID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.groups[groupID]
	if !ok || c.state != StateReady {
		return
	}
	delete(c.groups, groupID)
	c.alloc.release(st.base, st.count)
	st.group.TransformData().RemoveCamera(c.camera.ID())

	for e := range st.count {
		c.entries.Set(st.base+e, []Entry{{}})
	}
	for _, other := range c.groups {
		for e := range other.count {
			c.entries.Set(other.base+e, []Entry{{}})
		}
	}
	c.commands.Clear()
}

// Stats returns the counters of the last Cull.
func (c *CameraContext) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Dispose drains pending readbacks and releases the pyramid and every buffer. Calling it again
// is a no-op.
func (c *CameraContext) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return
	}
	ready := c.state == StateReady
	c.state = StateDisposed
	if !ready {
		return
	}
	for _, st := range c.groups {
		st.group.TransformData().RemoveCamera(c.camera.ID())
	}
	c.groups = nil
	if c.pyramid != nil {
		c.pyramid.Dispose()
	}
	c.uniform.Dispose()
	c.entries.Dispose()
	c.regions.Dispose()
	c.instances.Dispose()
	c.noMasks.Dispose()
	c.commands.Dispose()
	c.noHiZ.Release()
	common.Logger().Debug("camera context disposed", zap.Uint64("camera", c.camera.ID()))
}
