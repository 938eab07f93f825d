package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

var errNotConfigured = errors.New("renderer: surface not configured, call Resize first")

// vertexLayout matches prototype.Vertex.
var vertexLayout = wgpu.VertexBufferLayout{
	ArrayStride: 40,
	StepMode:    wgpu.VertexStepModeVertex,
	Attributes: []wgpu.VertexAttribute{
		{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
		{Format: wgpu.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
		{Format: wgpu.VertexFormatFloat32x4, Offset: 24, ShaderLocation: 2},
	},
}

// pipelineKey selects a render pipeline: the shader is specialized per encoding and the depth
// test follows the camera's depth convention.
type pipelineKey struct {
	encoding  prototype.TransformEncoding
	reversedZ bool
}

type meshBuffers struct {
	vertices gpu.Buffer
	indices  gpu.Buffer
}

// depthTarget is a camera's depth attachment, also read by its Hi-Z pass.
type depthTarget struct {
	tex gpu.Texture
}

// wgpuRenderer is the WebGPU implementation of the Renderer interface.
type wgpuRenderer struct {
	mu *sync.Mutex

	device  gpu.Device
	handles gpu.WGPUHandles

	presentMode PresentMode
	clearColor  mgl32.Vec4
	lightDir    mgl32.Vec3
	target      uint64

	width, height int
	format        wgpu.TextureFormat
	configured    bool

	layout         *wgpu.BindGroupLayout
	pipelineLayout *wgpu.PipelineLayout
	pipelines      map[pipelineKey]*wgpu.RenderPipeline

	meshes         map[*prototype.Mesh]*meshBuffers
	depth          map[uint64]*depthTarget
	cameraUniforms map[uint64]gpu.Buffer
	drawUniforms   gpu.Buffer

	stats Stats
}

var _ Renderer = &wgpuRenderer{}

func newWGPURenderer(device gpu.Device, handles gpu.WGPUHandles) *wgpuRenderer {
	return &wgpuRenderer{
		mu:             &sync.Mutex{},
		device:         device,
		handles:        handles,
		presentMode:    PresentModeVSync,
		clearColor:     mgl32.Vec4{0.05, 0.06, 0.08, 1},
		lightDir:       mgl32.Vec3{-0.4, -1, -0.3}.Normalize(),
		pipelines:      make(map[pipelineKey]*wgpu.RenderPipeline),
		meshes:         make(map[*prototype.Mesh]*meshBuffers),
		depth:          make(map[uint64]*depthTarget),
		cameraUniforms: make(map[uint64]gpu.Buffer),
	}
}

func (r *wgpuRenderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if width <= 0 || height <= 0 {
		// minimized; keep the previous configuration
		return
	}
	surface := r.handles.Surface()
	caps := surface.GetCapabilities(r.handles.Adapter())
	if len(caps.Formats) == 0 || len(caps.AlphaModes) == 0 {
		common.Logger().Error("surface reports no formats")
		return
	}
	if r.configured && caps.Formats[0] != r.format {
		r.releasePipelinesLocked()
	}
	r.format = caps.Formats[0]

	mode := wgpu.PresentModeFifo
	if r.presentMode == PresentModeUncapped {
		mode = wgpu.PresentModeImmediate
	}
	surface.Configure(r.handles.Adapter(), r.handles.Device(), &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      r.format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: mode,
		AlphaMode:   caps.AlphaModes[0],
	})
	r.width, r.height = width, height
	r.configured = true
	common.Logger().Debug("surface configured", zap.Int("width", width), zap.Int("height", height))
}

func (r *wgpuRenderer) Render(ctx *visibility.CameraContext) error {
	cam := ctx.Camera()
	if r.target != 0 && cam.ID() != r.target {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.configured {
		return errNotConfigured
	}
	items, skipped := planDraws(ctx.DrawCommands(), prototype.PassInstance)
	args := gpu.RawBuffer(ctx.ArgsBuffer())
	instances := gpu.RawBuffer(ctx.InstanceBuffer())

	width, height := cam.Viewport()
	depthView, err := r.depthViewLocked(cam, width, height)
	if err != nil {
		return err
	}
	camBuf, err := r.writeCameraLocked(cam)
	if err != nil {
		return err
	}
	drawBuf, err := r.writeDrawsLocked(items)
	if err != nil {
		return err
	}

	surfaceTexture, err := r.handles.Surface().GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("failed to acquire surface texture: %w", err)
	}
	defer surfaceTexture.Release()
	view, err := surfaceTexture.CreateView(nil)
	if err != nil {
		return fmt.Errorf("failed to create surface view: %w", err)
	}
	defer view.Release()

	dev := r.handles.Device()
	encoder, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	defer encoder.Release()

	depthClear := float32(1)
	if cam.ReversedZ() {
		depthClear = 0
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		Label: "Instanced Draw Pass",
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:    view,
			LoadOp:  wgpu.LoadOpClear,
			StoreOp: wgpu.StoreOpStore,
			ClearValue: wgpu.Color{
				R: float64(r.clearColor[0]),
				G: float64(r.clearColor[1]),
				B: float64(r.clearColor[2]),
				A: float64(r.clearColor[3]),
			},
		}},
		DepthStencilAttachment: &wgpu.RenderPassDepthStencilAttachment{
			View:            depthView,
			DepthLoadOp:     wgpu.LoadOpClear,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: depthClear,
		},
	})

	var bindGroups []*wgpu.BindGroup
	defer func() {
		for _, bg := range bindGroups {
			bg.Release()
		}
	}()

	draws := 0
	if args != nil && instances != nil {
		for i, item := range items {
			pipeline, err := r.pipelineLocked(pipelineKey{encoding: item.encoding, reversedZ: cam.ReversedZ()})
			if err != nil {
				pass.End()
				return err
			}
			mesh, err := r.meshLocked(item.cmd.Mesh)
			if err != nil {
				common.Logger().Warn("mesh upload failed", zap.String("mesh", item.cmd.Mesh.Name), zap.Error(err))
				skipped++
				continue
			}
			transforms := gpu.RawBuffer(item.cmd.Group.TransformData().CameraBuffer(cam.ID()))
			if transforms == nil {
				skipped++
				continue
			}
			bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:  "Instanced Draw Bind Group",
				Layout: r.layout,
				Entries: []wgpu.BindGroupEntry{
					{Binding: 0, Buffer: gpu.RawBuffer(camBuf), Size: cameraUniformSize},
					{Binding: 1, Buffer: transforms, Size: wgpu.WholeSize},
					{Binding: 2, Buffer: instances, Size: wgpu.WholeSize},
					{Binding: 3, Buffer: gpu.RawBuffer(drawBuf), Offset: uint64(i * drawUniformStride), Size: drawUniformSize},
				},
			})
			if err != nil {
				common.Logger().Warn("bind group creation failed", zap.Uint64("group", item.cmd.Group.ID()), zap.Error(err))
				skipped++
				continue
			}
			bindGroups = append(bindGroups, bg)

			pass.SetPipeline(pipeline)
			pass.SetBindGroup(0, bg, nil)
			pass.SetVertexBuffer(0, gpu.RawBuffer(mesh.vertices), 0, wgpu.WholeSize)
			pass.SetIndexBuffer(gpu.RawBuffer(mesh.indices), wgpu.IndexFormatUint32, 0, wgpu.WholeSize)
			pass.DrawIndexedIndirect(args, item.cmd.ArgsOffset)
			draws++
		}
	}
	pass.End()

	commandBuffer, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command encoder: %w", err)
	}
	r.handles.Queue().Submit(commandBuffer)
	commandBuffer.Release()
	r.handles.Surface().Present()

	r.stats = Stats{
		Frames:    r.stats.Frames + 1,
		Draws:     draws,
		Skipped:   skipped,
		Pipelines: len(r.pipelines),
		Meshes:    len(r.meshes),
	}
	return nil
}

// depthViewLocked returns the camera's depth attachment, recreating it when the viewport
// changed, and hands it to cameras that accept one so the next frame's Hi-Z reads it.
func (r *wgpuRenderer) depthViewLocked(cam visibility.Camera, width, height int) (*wgpu.TextureView, error) {
	if width <= 0 || height <= 0 {
		width, height = r.width, r.height
	}
	dt, ok := r.depth[cam.ID()]
	if !ok || dt.tex.Width() != uint32(width) || dt.tex.Height() != uint32(height) {
		if ok {
			dt.tex.Release()
		}
		tex, err := r.device.CreateTexture(gpu.TextureDescriptor{
			Label:     fmt.Sprintf("Camera %d Depth", cam.ID()),
			Width:     uint32(width),
			Height:    uint32(height),
			Layers:    uint32(cam.EyeCount()),
			MipLevels: 1,
			Format:    gpu.TextureFormatDepth32Float,
			Usage:     gpu.TextureUsageRenderAttachment | gpu.TextureUsageSampled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create depth target: %w", err)
		}
		dt = &depthTarget{tex: tex}
		r.depth[cam.ID()] = dt
		if setter, ok := cam.(interface{ SetDepthTexture(gpu.Texture) }); ok {
			setter.SetDepthTexture(tex)
		}
	}
	return gpu.RawTextureView(dt.tex, 0)
}

func (r *wgpuRenderer) writeCameraLocked(cam visibility.Camera) (gpu.Buffer, error) {
	buf, ok := r.cameraUniforms[cam.ID()]
	if !ok {
		var err error
		buf, err = r.device.CreateBuffer(gpu.BufferDescriptor{
			Label: fmt.Sprintf("Camera %d Draw Uniform", cam.ID()),
			Size:  cameraUniformSize,
			Usage: gpu.BufferUsageUniform | gpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create camera uniform: %w", err)
		}
		r.cameraUniforms[cam.ID()] = buf
	}
	u := cameraUniform{
		ViewProj: cam.EyeViewProjection(0),
		Eye:      cam.Position().Vec4(1),
		LightDir: r.lightDir.Vec4(0),
	}
	r.device.WriteBuffer(buf, 0, common.StructToBytes(&u))
	return buf, nil
}

// writeDrawsLocked uploads one uniform slot per draw, growing the buffer to the next power of
// two slots when needed.
func (r *wgpuRenderer) writeDrawsLocked(items []drawItem) (gpu.Buffer, error) {
	need := uint64(max(len(items), 1)) * drawUniformStride
	if r.drawUniforms == nil || r.drawUniforms.Size() < need {
		size := uint64(drawUniformStride)
		for size < need {
			size *= 2
		}
		buf, err := r.device.CreateBuffer(gpu.BufferDescriptor{
			Label: "Draw Uniforms",
			Size:  size,
			Usage: gpu.BufferUsageUniform | gpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create draw uniforms: %w", err)
		}
		if r.drawUniforms != nil {
			r.drawUniforms.Release()
		}
		r.drawUniforms = buf
	}
	if len(items) == 0 {
		return r.drawUniforms, nil
	}
	data := make([]byte, len(items)*drawUniformStride)
	for i, item := range items {
		u := newDrawUniform(item)
		copy(data[i*drawUniformStride:], common.StructToBytes(&u))
	}
	r.device.WriteBuffer(r.drawUniforms, 0, data)
	return r.drawUniforms, nil
}

func (r *wgpuRenderer) meshLocked(mesh *prototype.Mesh) (*meshBuffers, error) {
	if mb, ok := r.meshes[mesh]; ok {
		return mb, nil
	}
	vertices := common.SliceToBytes(mesh.Vertices)
	indices := common.SliceToBytes(mesh.Indices)
	vb, err := r.device.CreateBuffer(gpu.BufferDescriptor{
		Label: mesh.Name + " Vertex Buffer",
		Size:  uint64(len(vertices)),
		Usage: gpu.BufferUsageVertex | gpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	ib, err := r.device.CreateBuffer(gpu.BufferDescriptor{
		Label: mesh.Name + " Index Buffer",
		Size:  uint64(len(indices)),
		Usage: gpu.BufferUsageIndex | gpu.BufferUsageCopyDst,
	})
	if err != nil {
		vb.Release()
		return nil, err
	}
	r.device.WriteBuffer(vb, 0, vertices)
	r.device.WriteBuffer(ib, 0, indices)
	mb := &meshBuffers{vertices: vb, indices: ib}
	r.meshes[mesh] = mb
	return mb, nil
}

func (r *wgpuRenderer) pipelineLocked(key pipelineKey) (*wgpu.RenderPipeline, error) {
	if p, ok := r.pipelines[key]; ok {
		return p, nil
	}
	dev := r.handles.Device()
	if r.layout == nil {
		layout, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label: "Instanced Draw Layout",
			Entries: []wgpu.BindGroupLayoutEntry{
				{
					Binding:    0,
					Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
					Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
				},
				{
					Binding:    1,
					Visibility: wgpu.ShaderStageVertex,
					Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
				},
				{
					Binding:    2,
					Visibility: wgpu.ShaderStageVertex,
					Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
				},
				{
					Binding:    3,
					Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
					Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bind group layout: %w", err)
		}
		pl, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
			Label:            "Instanced Draw Pipeline Layout",
			BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
		})
		if err != nil {
			layout.Release()
			return nil, fmt.Errorf("failed to create pipeline layout: %w", err)
		}
		r.layout, r.pipelineLayout = layout, pl
	}

	src, err := shaderSource(key.encoding)
	if err != nil {
		return nil, err
	}
	label := fmt.Sprintf("Instanced %s", key.encoding)
	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", label, err)
	}
	defer module.Release()

	depthCompare := wgpu.CompareFunctionLess
	if key.reversedZ {
		depthCompare = wgpu.CompareFunctionGreater
	}
	p, err := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  label + " Render Pipeline",
		Layout: r.pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers:    []wgpu.VertexBufferLayout{vertexLayout},
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    r.format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeBack,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
		DepthStencil: &wgpu.DepthStencilState{
			Format:            wgpu.TextureFormatDepth32Float,
			DepthWriteEnabled: true,
			DepthCompare:      depthCompare,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipeline: %w", label, err)
	}
	r.pipelines[key] = p
	common.Logger().Debug("render pipeline created",
		zap.Stringer("encoding", key.encoding),
		zap.Bool("reversedZ", key.reversedZ),
	)
	return p, nil
}

func (r *wgpuRenderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *wgpuRenderer) releasePipelinesLocked() {
	for k, p := range r.pipelines {
		p.Release()
		delete(r.pipelines, k)
	}
}

func (r *wgpuRenderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.releasePipelinesLocked()
	if r.pipelineLayout != nil {
		r.pipelineLayout.Release()
		r.pipelineLayout = nil
	}
	if r.layout != nil {
		r.layout.Release()
		r.layout = nil
	}
	for k, mb := range r.meshes {
		mb.vertices.Release()
		mb.indices.Release()
		delete(r.meshes, k)
	}
	for k, dt := range r.depth {
		dt.tex.Release()
		delete(r.depth, k)
	}
	for k, b := range r.cameraUniforms {
		b.Release()
		delete(r.cameraUniforms, k)
	}
	if r.drawUniforms != nil {
		r.drawUniforms.Release()
		r.drawUniforms = nil
	}
	r.configured = false
}
