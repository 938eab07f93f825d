package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"go.uber.org/zap"
)

// softwareBuffer keeps its bytes in a []uint64 backing array so typed views are always aligned.
type softwareBuffer struct {
	label    string
	backing  []uint64
	size     uint64
	released bool
}

var _ Buffer = &softwareBuffer{}

func (b *softwareBuffer) Label() string { return b.label }
func (b *softwareBuffer) Size() uint64  { return b.size }
func (b *softwareBuffer) Release()      { b.released = true; b.backing = nil }

func (b *softwareBuffer) bytes() []byte {
	if len(b.backing) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.backing[0])), b.size)
}

type softwareTexture struct {
	desc     TextureDescriptor
	levels   [][]float32 // indexed layer*mips + mip
	released bool
}

var _ Texture = &softwareTexture{}

func (t *softwareTexture) Label() string         { return t.desc.Label }
func (t *softwareTexture) Width() uint32         { return t.desc.Width }
func (t *softwareTexture) Height() uint32        { return t.desc.Height }
func (t *softwareTexture) Layers() uint32        { return t.desc.Layers }
func (t *softwareTexture) MipLevels() uint32     { return t.desc.MipLevels }
func (t *softwareTexture) Format() TextureFormat { return t.desc.Format }
func (t *softwareTexture) Release()              { t.released = true; t.levels = nil }

func (t *softwareTexture) level(mip, layer int) TextureLevel {
	w := max(1, int(t.desc.Width)>>mip)
	h := max(1, int(t.desc.Height)>>mip)
	return TextureLevel{Width: w, Height: h, Data: t.levels[layer*int(t.desc.MipLevels)+mip]}
}

type pendingRead struct {
	data []byte
	done func([]byte, error)
}

type softwareDeviceImpl struct {
	mu       *sync.Mutex
	caps     Capabilities
	kernels  map[string]Kernel
	pending  []pendingRead
	inFrame  bool
	released bool

	dispatches int
	readbacks  int
}

// SoftwareDevice is the CPU reference backend. Besides Device it exposes inspection helpers used
// by tests and tools.
type SoftwareDevice interface {
	Device

	// BufferBytes returns the live contents of a buffer created by this device.
	//
	// Parameters:
	//   - buf: the buffer
	//
	// Returns:
	//   - []byte: the backing bytes, not a copy
	BufferBytes(buf Buffer) []byte

	// TextureLevel returns one mip of one layer of a texture created by this device.
	//
	// Parameters:
	//   - tex: the texture
	//   - mip: mip level
	//   - layer: array layer
	//
	// Returns:
	//   - TextureLevel: the live texels, not a copy
	TextureLevel(tex Texture, mip, layer int) TextureLevel

	// DispatchCount returns the number of dispatches executed so far.
	DispatchCount() int

	// ReadbackCount returns the number of buffer readbacks scheduled so far.
	ReadbackCount() int

	// PendingReadbacks returns the number of readback callbacks not yet delivered.
	PendingReadbacks() int
}

var _ SoftwareDevice = &softwareDeviceImpl{}

// NewSoftwareDevice creates the CPU reference backend directly, for callers that need its
// inspection helpers.
//
// Parameters:
//   - options: functional options applied to the device configuration
//
// Returns:
//   - SoftwareDevice: the device
func NewSoftwareDevice(options ...DeviceBuilderOption) SoftwareDevice {
	cfg := newDeviceConfig()
	for _, opt := range options {
		opt(cfg)
	}
	return newSoftwareDevice(cfg)
}

func newSoftwareDevice(cfg *deviceConfig) *softwareDeviceImpl {
	caps := cfg.apply(Capabilities{
		Backend:         BackendTypeSoftware,
		ComputeShaders:  true,
		Instancing:      true,
		IndirectDraw:    true,
		StorageTextures: true,
		Limits: Limits{
			MaxBufferSize:                    1 << 30,
			MaxStorageBufferBindingSize:      1 << 30,
			MaxComputeWorkgroupSizeX:         256,
			MaxComputeWorkgroupsPerDimension: 65535,
			MaxTextureDimension2D:            16384,
		},
	})
	return &softwareDeviceImpl{
		mu:      &sync.Mutex{},
		caps:    caps,
		kernels: make(map[string]Kernel),
	}
}

func (d *softwareDeviceImpl) Backend() BackendType { return BackendTypeSoftware }

func (d *softwareDeviceImpl) Capabilities() Capabilities { return d.caps }

func (d *softwareDeviceImpl) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if desc.Size > d.caps.Limits.MaxBufferSize {
		return nil, fmt.Errorf("failed to create buffer %q: size %d exceeds limit %d", desc.Label, desc.Size, d.caps.Limits.MaxBufferSize)
	}
	size := common.AlignUp(desc.Size, 4)
	return &softwareBuffer{
		label:   desc.Label,
		backing: make([]uint64, (size+7)/8),
		size:    size,
	}, nil
}

func (d *softwareDeviceImpl) WriteBuffer(buf Buffer, offset uint64, data []byte) {
	b, ok := buf.(*softwareBuffer)
	if !ok || b.released {
		return
	}
	dst := b.bytes()
	if offset >= uint64(len(dst)) {
		return
	}
	copy(dst[offset:], data)
}

func (d *softwareDeviceImpl) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) {
	s, ok1 := src.(*softwareBuffer)
	t, ok2 := dst.(*softwareBuffer)
	if !ok1 || !ok2 || s.released || t.released {
		return
	}
	if srcOffset+size > s.size || dstOffset+size > t.size {
		common.Logger().Warn("copy out of range",
			zap.String("src", s.label), zap.String("dst", t.label), zap.Uint64("size", size))
		return
	}
	copy(t.bytes()[dstOffset:dstOffset+size], s.bytes()[srcOffset:srcOffset+size])
}

func (d *softwareDeviceImpl) ReadBuffer(buf Buffer, offset, size uint64, done func([]byte, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.readbacks++
	b, ok := buf.(*softwareBuffer)
	if !ok || b.released || offset+size > b.size {
		d.pending = append(d.pending, pendingRead{done: done, data: nil})
		return
	}
	data := make([]byte, size)
	copy(data, b.bytes()[offset:offset+size])
	d.pending = append(d.pending, pendingRead{data: data, done: done})
}

func (d *softwareDeviceImpl) CreateTexture(desc TextureDescriptor) (Texture, error) {
	desc.Layers = max(desc.Layers, 1)
	desc.MipLevels = max(desc.MipLevels, 1)
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("failed to create texture %q: zero size", desc.Label)
	}
	t := &softwareTexture{desc: desc, levels: make([][]float32, desc.Layers*desc.MipLevels)}
	for layer := 0; layer < int(desc.Layers); layer++ {
		for mip := 0; mip < int(desc.MipLevels); mip++ {
			w := max(1, int(desc.Width)>>mip)
			h := max(1, int(desc.Height)>>mip)
			t.levels[layer*int(desc.MipLevels)+mip] = make([]float32, w*h)
		}
	}
	return t, nil
}

func (d *softwareDeviceImpl) WriteTexture(tex Texture, mip, layer int, data []float32) {
	t, ok := tex.(*softwareTexture)
	if !ok || t.released || mip >= int(t.desc.MipLevels) || layer >= int(t.desc.Layers) {
		return
	}
	copy(t.level(mip, layer).Data, data)
}

func (d *softwareDeviceImpl) RegisterKernel(k Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.kernels[k.Key]; ok {
		return nil
	}
	if k.Run == nil {
		return fmt.Errorf("kernel %s has no CPU implementation", k.Key)
	}
	d.kernels[k.Key] = k
	return nil
}

func (d *softwareDeviceImpl) HasKernel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.kernels[key]
	return ok
}

func (d *softwareDeviceImpl) BeginFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return ErrReleased
	}
	d.inFrame = true
	return nil
}

func (d *softwareDeviceImpl) Dispatch(desc DispatchDesc) error {
	d.mu.Lock()
	k, ok := d.kernels[desc.Kernel]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Kernel)
	}
	if err := validateBindings(&k, &desc); err != nil {
		return err
	}
	if desc.Groups[0] == 0 || desc.Groups[1] == 0 || desc.Groups[2] == 0 {
		return nil
	}

	inv := &Invocation{
		Groups:        desc.Groups,
		WorkgroupSize: k.WorkgroupSize,
		params:        desc.Params,
		buffers:       make(map[uint32][]byte, len(desc.Bindings)),
		textures:      make(map[uint32][]TextureLevel),
	}
	for _, b := range desc.Bindings {
		switch {
		case b.Buffer != nil:
			sb, ok := b.Buffer.(*softwareBuffer)
			if !ok || sb.released {
				return fmt.Errorf("%w: binding %d", ErrReleased, b.Binding)
			}
			inv.buffers[b.Binding] = sb.bytes()
		case b.Texture != nil:
			st, ok := b.Texture.(*softwareTexture)
			if !ok || st.released {
				return fmt.Errorf("%w: binding %d", ErrReleased, b.Binding)
			}
			if b.AllMips {
				levels := make([]TextureLevel, st.desc.MipLevels)
				for m := range levels {
					levels[m] = st.level(m, b.Layer)
				}
				inv.textures[b.Binding] = levels
			} else {
				inv.textures[b.Binding] = []TextureLevel{st.level(b.MipLevel, b.Layer)}
			}
		}
	}

	k.Run(inv)

	d.mu.Lock()
	d.dispatches++
	d.mu.Unlock()
	return nil
}

func (d *softwareDeviceImpl) EndFrame() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inFrame = false
}

func (d *softwareDeviceImpl) Poll(wait bool) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		if p.data == nil {
			p.done(nil, fmt.Errorf("%w: readback source", ErrReleased))
			continue
		}
		p.done(p.data, nil)
	}
}

func (d *softwareDeviceImpl) Release() {
	d.Poll(true)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.kernels = map[string]Kernel{}
}

func (d *softwareDeviceImpl) BufferBytes(buf Buffer) []byte {
	if b, ok := buf.(*softwareBuffer); ok {
		return b.bytes()
	}
	return nil
}

func (d *softwareDeviceImpl) TextureLevel(tex Texture, mip, layer int) TextureLevel {
	if t, ok := tex.(*softwareTexture); ok && !t.released {
		return t.level(mip, layer)
	}
	return TextureLevel{}
}

func (d *softwareDeviceImpl) DispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatches
}

func (d *softwareDeviceImpl) ReadbackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readbacks
}

func (d *softwareDeviceImpl) PendingReadbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
