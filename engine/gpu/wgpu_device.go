package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

type wgpuBuffer struct {
	label string
	buf   *wgpu.Buffer
	size  uint64
}

var _ Buffer = &wgpuBuffer{}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Size() uint64  { return b.size }
func (b *wgpuBuffer) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

type viewKey struct {
	mip     int
	allMips bool
	layer   int
}

type wgpuTexture struct {
	desc  TextureDescriptor
	tex   *wgpu.Texture
	views map[viewKey]*wgpu.TextureView
}

var _ Texture = &wgpuTexture{}

func (t *wgpuTexture) Label() string         { return t.desc.Label }
func (t *wgpuTexture) Width() uint32         { return t.desc.Width }
func (t *wgpuTexture) Height() uint32        { return t.desc.Height }
func (t *wgpuTexture) Layers() uint32        { return t.desc.Layers }
func (t *wgpuTexture) MipLevels() uint32     { return t.desc.MipLevels }
func (t *wgpuTexture) Format() TextureFormat { return t.desc.Format }
func (t *wgpuTexture) Release() {
	for k, v := range t.views {
		v.Release()
		delete(t.views, k)
	}
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}

// view returns a cached single-layer 2D view.
func (t *wgpuTexture) view(mip int, allMips bool, layer int) (*wgpu.TextureView, error) {
	key := viewKey{mip: mip, allMips: allMips, layer: layer}
	if v, ok := t.views[key]; ok {
		return v, nil
	}
	if t.tex == nil {
		return nil, ErrReleased
	}
	count := uint32(1)
	base := uint32(mip)
	if allMips {
		base, count = 0, t.desc.MipLevels
	}
	v, err := t.tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           fmt.Sprintf("%s View m%d l%d", t.desc.Label, mip, layer),
		Format:          toWGPUTextureFormat(t.desc.Format),
		Dimension:       wgpu.TextureViewDimension2D,
		BaseMipLevel:    base,
		MipLevelCount:   count,
		BaseArrayLayer:  uint32(layer),
		ArrayLayerCount: 1,
		Aspect:          wgpu.TextureAspectAll,
	})
	if err != nil {
		return nil, err
	}
	t.views[key] = v
	return v, nil
}

type wgpuKernel struct {
	kernel   Kernel
	layout   *wgpu.BindGroupLayout
	pipeline *wgpu.ComputePipeline
}

type wgpuDeviceImpl struct {
	mu *sync.Mutex

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	surface  *wgpu.Surface

	label   string
	caps    Capabilities
	kernels map[string]*wgpuKernel

	frameEncoder *wgpu.CommandEncoder

	// per-submission resources released once the submission is queued
	transientBuffers []*wgpu.Buffer
	transientGroups  []*wgpu.BindGroup
}

// WGPUHandles exposes the raw WebGPU objects behind a wgpu-backed Device, for a renderer that
// draws with the engine's buffers.
type WGPUHandles interface {
	Instance() *wgpu.Instance
	Adapter() *wgpu.Adapter
	Device() *wgpu.Device
	Queue() *wgpu.Queue
	Surface() *wgpu.Surface
}

var _ Device = &wgpuDeviceImpl{}
var _ WGPUHandles = &wgpuDeviceImpl{}

func newWGPUDevice(cfg *deviceConfig) (*wgpuDeviceImpl, error) {
	runtime.LockOSThread()
	d := &wgpuDeviceImpl{
		mu:       &sync.Mutex{},
		instance: wgpu.CreateInstance(nil),
		label:    cfg.label,
		kernels:  make(map[string]*wgpuKernel),
	}
	if cfg.surfaceDescriptor != nil {
		d.surface = d.instance.CreateSurface(cfg.surfaceDescriptor)
	}

	a, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: cfg.forceFallbackAdapter,
		CompatibleSurface:    d.surface,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	d.adapter = a

	// Start from the WebGPU defaults and raise the buffer limits to what the adapter supports,
	// since transform buffers for large populations exceed the 128 MiB default binding size.
	supported := a.GetLimits().Limits
	limits := wgpu.DefaultLimits()
	limits.MaxBufferSize = supported.MaxBufferSize
	limits.MaxStorageBufferBindingSize = supported.MaxStorageBufferBindingSize

	// Indirect draws start at the instance region the visibility pass assigned.
	var features []wgpu.FeatureName
	if a.HasFeature(wgpu.FeatureNameIndirectFirstInstance) {
		features = append(features, wgpu.FeatureNameIndirectFirstInstance)
	} else {
		common.Logger().Warn("adapter lacks indirect-first-instance; indirect draws past the first region will be skipped")
	}

	dev, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            cfg.label,
		RequiredFeatures: features,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d.device = dev
	d.queue = dev.GetQueue()

	d.caps = cfg.apply(Capabilities{
		Backend:         BackendTypeWGPU,
		ComputeShaders:  true,
		Instancing:      true,
		IndirectDraw:    true,
		StorageTextures: true,
		Limits: Limits{
			MaxBufferSize:                    limits.MaxBufferSize,
			MaxStorageBufferBindingSize:      limits.MaxStorageBufferBindingSize,
			MaxComputeWorkgroupSizeX:         limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension: limits.MaxComputeWorkgroupsPerDimension,
			MaxTextureDimension2D:            limits.MaxTextureDimension2D,
		},
	})

	common.Logger().Info("wgpu device ready",
		zap.String("label", cfg.label),
		zap.String("maxBuffer", units.BytesSize(float64(d.caps.Limits.MaxBufferSize))),
		zap.String("maxBinding", units.BytesSize(float64(d.caps.Limits.MaxStorageBufferBindingSize))),
	)
	return d, nil
}

func (d *wgpuDeviceImpl) Backend() BackendType { return BackendTypeWGPU }

func (d *wgpuDeviceImpl) Capabilities() Capabilities { return d.caps }

func (d *wgpuDeviceImpl) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := common.AlignUp(max(desc.Size, 4), 4)
	if size > d.caps.Limits.MaxBufferSize {
		return nil, fmt.Errorf("failed to create buffer %q: size %s exceeds limit %s", desc.Label,
			units.BytesSize(float64(size)), units.BytesSize(float64(d.caps.Limits.MaxBufferSize)))
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            desc.Label,
		Size:             size,
		Usage:            toWGPUBufferUsage(desc.Usage),
		MappedAtCreation: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %q: %w", desc.Label, err)
	}
	return &wgpuBuffer{label: desc.Label, buf: buf, size: size}, nil
}

func (d *wgpuDeviceImpl) WriteBuffer(buf Buffer, offset uint64, data []byte) {
	b, ok := buf.(*wgpuBuffer)
	if !ok || b.buf == nil || len(data) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue.WriteBuffer(b.buf, offset, data)
}

func (d *wgpuDeviceImpl) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) {
	s, ok1 := src.(*wgpuBuffer)
	t, ok2 := dst.(*wgpuBuffer)
	if !ok1 || !ok2 || s.buf == nil || t.buf == nil || size == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		common.Logger().Error("copy encoder", zap.Error(err))
		return
	}
	enc.CopyBufferToBuffer(s.buf, srcOffset, t.buf, dstOffset, size)
	d.submit(enc)
}

func (d *wgpuDeviceImpl) ReadBuffer(buf Buffer, offset, size uint64, done func([]byte, error)) {
	b, ok := buf.(*wgpuBuffer)
	if !ok || b.buf == nil {
		done(nil, ErrReleased)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	aligned := common.AlignUp(size, 4)
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " Readback",
		Size:  aligned,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		done(nil, fmt.Errorf("failed to create readback buffer: %w", err))
		return
	}

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		staging.Release()
		done(nil, err)
		return
	}
	enc.CopyBufferToBuffer(b.buf, offset, staging, 0, aligned)
	d.submit(enc)

	staging.MapAsync(wgpu.MapModeRead, 0, aligned, func(status wgpu.BufferMapAsyncStatus) {
		defer staging.Release()
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done(nil, fmt.Errorf("readback of %q failed with status %v", b.label, status))
			return
		}
		mapped := staging.GetMappedRange(0, uint(aligned))
		out := make([]byte, size)
		copy(out, mapped)
		staging.Unmap()
		done(out, nil)
	})
}

func (d *wgpuDeviceImpl) CreateTexture(desc TextureDescriptor) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	desc.Layers = max(desc.Layers, 1)
	desc.MipLevels = max(desc.MipLevels, 1)
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: desc.Layers,
		},
		MipLevelCount: desc.MipLevels,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        toWGPUTextureFormat(desc.Format),
		Usage:         toWGPUTextureUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create texture %q: %w", desc.Label, err)
	}
	return &wgpuTexture{desc: desc, tex: tex, views: make(map[viewKey]*wgpu.TextureView)}, nil
}

func (d *wgpuDeviceImpl) WriteTexture(tex Texture, mip, layer int, data []float32) {
	t, ok := tex.(*wgpuTexture)
	if !ok || t.tex == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	w := max(1, t.desc.Width>>mip)
	h := max(1, t.desc.Height>>mip)
	d.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: uint32(mip),
			Origin:   wgpu.Origin3D{Z: uint32(layer)},
			Aspect:   wgpu.TextureAspectAll,
		},
		common.SliceToBytes(data),
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  w * 4,
			RowsPerImage: h,
		},
		&wgpu.Extent3D{
			Width:              w,
			Height:             h,
			DepthOrArrayLayers: 1,
		},
	)
}

func (d *wgpuDeviceImpl) RegisterKernel(k Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.kernels[k.Key]; ok {
		return nil
	}

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: k.Key,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: k.Source,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to compile kernel %s: %w", k.Key, err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, len(k.Layout))
	for i, l := range k.Layout {
		entries[i] = toWGPULayoutEntry(l)
	}
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   k.Key + " Layout",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to create bind group layout for %s: %w", k.Key, err)
	}

	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            k.Key,
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return err
	}
	defer layout.Release()

	created, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  k.Key + " Compute Pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.EntryPoint,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create compute pipeline %s: %w", k.Key, err)
	}

	d.kernels[k.Key] = &wgpuKernel{kernel: k, layout: bgl, pipeline: created}
	return nil
}

func (d *wgpuDeviceImpl) HasKernel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.kernels[key]
	return ok
}

func (d *wgpuDeviceImpl) BeginFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frameEncoder != nil {
		return errors.New("previous compute frame not yet submitted")
	}
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	d.frameEncoder = encoder
	return nil
}

func (d *wgpuDeviceImpl) Dispatch(desc DispatchDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.kernels[desc.Kernel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Kernel)
	}
	if err := validateBindings(&k.kernel, &desc); err != nil {
		return err
	}
	if desc.Groups[0] == 0 || desc.Groups[1] == 0 || desc.Groups[2] == 0 {
		return nil
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(desc.Bindings)+1)
	if desc.Params != nil {
		size := common.AlignUp(uint64(len(desc.Params)), 16)
		params, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Kernel + " Params",
			Size:  size,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("failed to create params for %s: %w", desc.Kernel, err)
		}
		padded := make([]byte, size)
		copy(padded, desc.Params)
		d.queue.WriteBuffer(params, 0, padded)
		d.transientBuffers = append(d.transientBuffers, params)
		entries = append(entries, wgpu.BindGroupEntry{Binding: ParamsBinding, Buffer: params, Size: wgpu.WholeSize})
	}
	for _, b := range desc.Bindings {
		if b.Buffer != nil {
			wb, ok := b.Buffer.(*wgpuBuffer)
			if !ok || wb.buf == nil {
				return fmt.Errorf("%w: binding %d", ErrReleased, b.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{Binding: b.Binding, Buffer: wb.buf, Offset: 0, Size: wgpu.WholeSize})
			continue
		}
		wt, ok := b.Texture.(*wgpuTexture)
		if !ok {
			return fmt.Errorf("%w: binding %d", ErrBinding, b.Binding)
		}
		view, err := wt.view(b.MipLevel, b.AllMips, b.Layer)
		if err != nil {
			return fmt.Errorf("failed to create view for binding %d: %w", b.Binding, err)
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: b.Binding, TextureView: view})
	}

	bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   desc.Kernel + " Bind Group",
		Layout:  k.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to create bind group for %s: %w", desc.Kernel, err)
	}
	d.transientGroups = append(d.transientGroups, bindGroup)

	enc := d.frameEncoder
	oneShot := enc == nil
	if oneShot {
		enc, err = d.device.CreateCommandEncoder(nil)
		if err != nil {
			return err
		}
	}

	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(desc.Groups[0], desc.Groups[1], desc.Groups[2])
	pass.End()

	if oneShot {
		d.submit(enc)
	}
	return nil
}

func (d *wgpuDeviceImpl) EndFrame() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frameEncoder == nil {
		return
	}
	d.submit(d.frameEncoder)
	d.frameEncoder = nil
}

// submit finishes and submits an encoder, then releases resources held for the submission.
// Callers hold d.mu.
func (d *wgpuDeviceImpl) submit(enc *wgpu.CommandEncoder) {
	commandBuffer, err := enc.Finish(nil)
	if err != nil {
		common.Logger().Error("command encoder finish", zap.Error(err))
		enc.Release()
		return
	}
	d.queue.Submit(commandBuffer)
	commandBuffer.Release()
	enc.Release()

	if d.frameEncoder != nil && d.frameEncoder != enc {
		// a one-shot submission while a frame is open; frame resources stay alive
		return
	}
	for _, g := range d.transientGroups {
		g.Release()
	}
	for _, b := range d.transientBuffers {
		b.Release()
	}
	d.transientGroups = d.transientGroups[:0]
	d.transientBuffers = d.transientBuffers[:0]
}

func (d *wgpuDeviceImpl) Poll(wait bool) {
	d.device.Poll(wait, nil)
}

func (d *wgpuDeviceImpl) Release() {
	d.EndFrame()
	d.Poll(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, k := range d.kernels {
		k.pipeline.Release()
		k.layout.Release()
		delete(d.kernels, key)
	}
	if d.surface != nil {
		d.surface.Release()
	}
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

func (d *wgpuDeviceImpl) Instance() *wgpu.Instance { return d.instance }
func (d *wgpuDeviceImpl) Adapter() *wgpu.Adapter   { return d.adapter }
func (d *wgpuDeviceImpl) Device() *wgpu.Device     { return d.device }
func (d *wgpuDeviceImpl) Queue() *wgpu.Queue       { return d.queue }
func (d *wgpuDeviceImpl) Surface() *wgpu.Surface   { return d.surface }

// RawBuffer returns the WebGPU buffer behind a wgpu-backed Buffer, or nil.
func RawBuffer(b Buffer) *wgpu.Buffer {
	if wb, ok := b.(*wgpuBuffer); ok {
		return wb.buf
	}
	return nil
}

// RawTextureView returns a full single-layer view of a wgpu-backed Texture, for use as a render
// attachment.
func RawTextureView(t Texture, layer int) (*wgpu.TextureView, error) {
	wt, ok := t.(*wgpuTexture)
	if !ok {
		return nil, ErrBinding
	}
	return wt.view(0, true, layer)
}

func toWGPUBufferUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&BufferUsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&BufferUsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&BufferUsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	if u&BufferUsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&BufferUsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&BufferUsageVertex != 0 {
		out |= wgpu.BufferUsageVertex
	}
	if u&BufferUsageIndex != 0 {
		out |= wgpu.BufferUsageIndex
	}
	return out
}

func toWGPUTextureUsage(u TextureUsage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&TextureUsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&TextureUsageStorage != 0 {
		out |= wgpu.TextureUsageStorageBinding
	}
	if u&TextureUsageRenderAttachment != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	if u&TextureUsageCopyDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	return out
}

func toWGPUTextureFormat(f TextureFormat) wgpu.TextureFormat {
	if f == TextureFormatDepth32Float {
		return wgpu.TextureFormatDepth32Float
	}
	return wgpu.TextureFormatR32Float
}

func toWGPULayoutEntry(l BindingLayout) wgpu.BindGroupLayoutEntry {
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    l.Binding,
		Visibility: wgpu.ShaderStageCompute,
	}
	switch l.Kind {
	case BindingUniform:
		entry.Buffer.Type = wgpu.BufferBindingTypeUniform
	case BindingStorageRead:
		entry.Buffer.Type = wgpu.BufferBindingTypeReadOnlyStorage
	case BindingStorage:
		entry.Buffer.Type = wgpu.BufferBindingTypeStorage
	case BindingTexture:
		entry.Texture.SampleType = wgpu.TextureSampleTypeUnfilterableFloat
		entry.Texture.ViewDimension = wgpu.TextureViewDimension2D
	case BindingDepthTexture:
		entry.Texture.SampleType = wgpu.TextureSampleTypeDepth
		entry.Texture.ViewDimension = wgpu.TextureViewDimension2D
	case BindingStorageTexture:
		entry.StorageTexture.Access = wgpu.StorageTextureAccessWriteOnly
		entry.StorageTexture.Format = wgpu.TextureFormatR32Float
		entry.StorageTexture.ViewDimension = wgpu.TextureViewDimension2D
	}
	return entry
}
