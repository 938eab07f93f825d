package gpu

import (
	"fmt"
	"unsafe"
)

// ParamsBinding is the binding slot reserved for the per-dispatch uniform parameter block.
const ParamsBinding = 0

// BindingKind describes how a kernel accesses one binding slot.
type BindingKind int

const (
	BindingUniform BindingKind = iota
	BindingStorageRead
	BindingStorage
	BindingTexture
	BindingDepthTexture
	BindingStorageTexture
)

// BindingLayout declares one binding slot of a kernel.
type BindingLayout struct {
	Binding uint32
	Kind    BindingKind
}

// Binding attaches a resource to a binding slot for one dispatch.
type Binding struct {
	Binding uint32

	// Buffer is bound for buffer kinds.
	Buffer Buffer

	// Texture is bound for texture kinds, as a single-layer 2D view.
	Texture Texture

	// MipLevel selects the single mip bound. Ignored when AllMips is set.
	MipLevel int

	// AllMips binds the whole mip chain (sampled textures only).
	AllMips bool

	// Layer selects the array layer.
	Layer int
}

// BufferBinding binds a whole buffer.
func BufferBinding(binding uint32, buf Buffer) Binding {
	return Binding{Binding: binding, Buffer: buf}
}

// TextureBinding binds one mip of one layer.
func TextureBinding(binding uint32, tex Texture, mip, layer int) Binding {
	return Binding{Binding: binding, Texture: tex, MipLevel: mip, Layer: layer}
}

// TextureChainBinding binds every mip of one layer.
func TextureChainBinding(binding uint32, tex Texture, layer int) Binding {
	return Binding{Binding: binding, Texture: tex, AllMips: true, Layer: layer}
}

// KernelFunc is the CPU implementation of a kernel, run by the software backend once per
// dispatch. It must produce the same results as the WGSL entry point.
type KernelFunc func(inv *Invocation)

// Kernel describes a compute kernel in both of its forms.
type Kernel struct {
	// Key uniquely identifies the kernel.
	Key string

	// Source is the pre-processed WGSL source.
	Source string

	// EntryPoint is the WGSL entry function.
	EntryPoint string

	// WorkgroupSize must match the @workgroup_size attribute in Source.
	WorkgroupSize [3]uint32

	// Layout declares every binding slot, including ParamsBinding when the kernel takes params.
	Layout []BindingLayout

	// Run is the CPU reference implementation.
	Run KernelFunc
}

// DispatchDesc describes one compute dispatch.
type DispatchDesc struct {
	// Kernel is the registered kernel key.
	Kernel string

	// Params is uploaded to a fresh uniform block bound at ParamsBinding. Nil for none.
	Params []byte

	// Bindings attaches resources to the remaining slots.
	Bindings []Binding

	// Groups is the workgroup count per dimension.
	Groups [3]uint32
}

// validateBindings checks that every declared slot has a resource of a matching kind.
func validateBindings(k *Kernel, d *DispatchDesc) error {
	for _, l := range k.Layout {
		if l.Binding == ParamsBinding && l.Kind == BindingUniform {
			if d.Params == nil {
				return fmt.Errorf("%w: kernel %s needs params", ErrBinding, k.Key)
			}
			continue
		}
		b, ok := findBinding(d.Bindings, l.Binding)
		if !ok {
			return fmt.Errorf("%w: kernel %s binding %d missing", ErrBinding, k.Key, l.Binding)
		}
		switch l.Kind {
		case BindingUniform, BindingStorage, BindingStorageRead:
			if b.Buffer == nil {
				return fmt.Errorf("%w: kernel %s binding %d wants a buffer", ErrBinding, k.Key, l.Binding)
			}
		default:
			if b.Texture == nil {
				return fmt.Errorf("%w: kernel %s binding %d wants a texture", ErrBinding, k.Key, l.Binding)
			}
		}
	}
	return nil
}

func findBinding(bindings []Binding, slot uint32) (Binding, bool) {
	for _, b := range bindings {
		if b.Binding == slot {
			return b, true
		}
	}
	return Binding{}, false
}

// TextureLevel is one mip level of one layer, exposed to CPU kernels as float texels.
type TextureLevel struct {
	Width  int
	Height int
	Data   []float32
}

// At returns the texel at (x, y). Coordinates must be in range.
func (l TextureLevel) At(x, y int) float32 {
	return l.Data[y*l.Width+x]
}

// Set stores a texel at (x, y). Coordinates must be in range.
func (l TextureLevel) Set(x, y int, v float32) {
	l.Data[y*l.Width+x] = v
}

// Invocation is what a KernelFunc sees of one dispatch.
type Invocation struct {
	Groups        [3]uint32
	WorkgroupSize [3]uint32

	params   []byte
	buffers  map[uint32][]byte
	textures map[uint32][]TextureLevel
}

// Params returns the raw parameter block.
func (inv *Invocation) Params() []byte { return inv.params }

// Bytes returns the bytes of a bound buffer.
func (inv *Invocation) Bytes(binding uint32) []byte { return inv.buffers[binding] }

// Uint32s views a bound buffer as 32-bit words.
func (inv *Invocation) Uint32s(binding uint32) []uint32 {
	return bytesAs[uint32](inv.buffers[binding])
}

// Float32s views a bound buffer as floats.
func (inv *Invocation) Float32s(binding uint32) []float32 {
	return bytesAs[float32](inv.buffers[binding])
}

// Levels returns the bound texture levels. A single-mip binding has one level.
func (inv *Invocation) Levels(binding uint32) []TextureLevel { return inv.textures[binding] }

// Threads returns the total invocation count along x, including y spill.
func (inv *Invocation) Threads() uint32 {
	return inv.Groups[0] * inv.Groups[1] * inv.WorkgroupSize[0]
}

// ParamsAs decodes the parameter block into a struct of matching layout.
func ParamsAs[T any](inv *Invocation) T {
	var out T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&out)), unsafe.Sizeof(out)), inv.params)
	return out
}

// BytesAs views an aligned byte slice as a slice of T without copying.
func BytesAs[T any](b []byte) []T {
	return bytesAs[T](b)
}

func bytesAs[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}
