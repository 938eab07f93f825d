package gpu

import (
	"errors"
)

var (
	// ErrUnsupported is returned when the device lacks a capability the engine requires.
	ErrUnsupported = errors.New("gpu: unsupported platform")

	// ErrUnknownKernel is returned when dispatching a kernel that was never registered.
	ErrUnknownKernel = errors.New("gpu: unknown kernel")

	// ErrReleased is returned by operations on a released device or resource.
	ErrReleased = errors.New("gpu: resource released")

	// ErrBinding is returned when dispatch bindings do not match the kernel layout.
	ErrBinding = errors.New("gpu: binding mismatch")
)

// BackendType identifies the GPU backend implementation behind a Device.
type BackendType int

const (
	// BackendTypeWGPU selects the WebGPU-based backend.
	BackendTypeWGPU BackendType = iota

	// BackendTypeSoftware selects the CPU reference backend. Kernels run as Go functions.
	BackendTypeSoftware
)

func (b BackendType) String() string {
	switch b {
	case BackendTypeWGPU:
		return "wgpu"
	case BackendTypeSoftware:
		return "software"
	default:
		return "unknown"
	}
}

// BufferUsage is a bit set describing how a buffer will be bound.
type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageIndirect
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageVertex
	BufferUsageIndex
)

// TextureFormat enumerates the texel formats the engine allocates.
type TextureFormat int

const (
	TextureFormatR32Float TextureFormat = iota
	TextureFormatDepth32Float
)

// TextureUsage is a bit set describing how a texture will be bound.
type TextureUsage uint32

const (
	TextureUsageSampled TextureUsage = 1 << iota
	TextureUsageStorage
	TextureUsageRenderAttachment
	TextureUsageCopyDst
)

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// TextureDescriptor describes a 2D (array) texture allocation.
type TextureDescriptor struct {
	Label     string
	Width     uint32
	Height    uint32
	Layers    uint32
	MipLevels uint32
	Format    TextureFormat
	Usage     TextureUsage
}

// Buffer is a device-resident linear allocation.
type Buffer interface {
	// Label returns the debug label the buffer was created with.
	Label() string

	// Size returns the allocation size in bytes.
	Size() uint64

	// Release frees the underlying allocation. Safe to call more than once.
	Release()
}

// Texture is a device-resident 2D texture, optionally with array layers and mips.
type Texture interface {
	Label() string
	Width() uint32
	Height() uint32
	Layers() uint32
	MipLevels() uint32
	Format() TextureFormat
	Release()
}

// Device is the engine's view of a GPU: buffer and texture allocation, compute dispatch, queue
// copies and asynchronous readback.
//
// Ordering: WriteBuffer, CopyBuffer, WriteTexture and ReadBuffer are queue operations executed
// in call order. Dispatch is recorded into the open frame when BeginFrame has been called and
// submitted with EndFrame; outside a frame it is submitted immediately.
type Device interface {
	// Backend reports which implementation is in use.
	//
	// Returns:
	//   - BackendType: the backend type
	Backend() BackendType

	// Capabilities returns the capability flags resolved when the device was created.
	//
	// Returns:
	//   - Capabilities: the resolved flags and limits
	Capabilities() Capabilities

	// CreateBuffer allocates a zero-filled buffer.
	//
	// Parameters:
	//   - desc: the buffer descriptor
	//
	// Returns:
	//   - Buffer: the new buffer
	//   - error: if the size exceeds the device limits or allocation fails
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// WriteBuffer uploads data at the given byte offset.
	//
	// Parameters:
	//   - buf: the destination buffer
	//   - offset: destination byte offset, multiple of 4
	//   - data: the bytes to upload, length multiple of 4
	WriteBuffer(buf Buffer, offset uint64, data []byte)

	// CopyBuffer copies size bytes between buffers on the queue.
	//
	// Parameters:
	//   - src: the source buffer
	//   - srcOffset: source byte offset
	//   - dst: the destination buffer
	//   - dstOffset: destination byte offset
	//   - size: number of bytes, multiple of 4
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64)

	// ReadBuffer schedules an asynchronous copy of a buffer range back to the CPU. The callback
	// fires from a later Poll call, never synchronously.
	//
	// Parameters:
	//   - buf: the source buffer
	//   - offset: source byte offset
	//   - size: number of bytes
	//   - done: receives the bytes, or an error if the mapping failed
	ReadBuffer(buf Buffer, offset, size uint64, done func(data []byte, err error))

	// CreateTexture allocates a texture.
	//
	// Parameters:
	//   - desc: the texture descriptor
	//
	// Returns:
	//   - Texture: the new texture
	//   - error: if allocation fails
	CreateTexture(desc TextureDescriptor) (Texture, error)

	// WriteTexture uploads one mip level of one layer of a float texture.
	//
	// Parameters:
	//   - tex: the destination texture
	//   - mip: mip level
	//   - layer: array layer
	//   - data: width*height texels for that level
	WriteTexture(tex Texture, mip, layer int, data []float32)

	// RegisterKernel compiles a compute kernel. Registering the same key again is a no-op.
	//
	// Parameters:
	//   - k: the kernel description
	//
	// Returns:
	//   - error: if compilation fails
	RegisterKernel(k Kernel) error

	// HasKernel reports whether a kernel key has been registered.
	HasKernel(key string) bool

	// BeginFrame opens a command stream that subsequent dispatches are recorded into.
	BeginFrame() error

	// Dispatch records or submits one compute dispatch.
	//
	// Parameters:
	//   - d: the dispatch description
	//
	// Returns:
	//   - error: if the kernel is unknown or bindings do not match its layout
	Dispatch(d DispatchDesc) error

	// EndFrame submits the open command stream. No-op without a frame.
	EndFrame()

	// Poll drives pending readback callbacks.
	//
	// Parameters:
	//   - wait: block until the queue is idle before delivering callbacks
	Poll(wait bool)

	// Release frees every device-owned resource.
	Release()
}

// NewDevice creates a device for the requested backend.
//
// Parameters:
//   - backend: the backend implementation
//   - options: functional options applied to the device configuration
//
// Returns:
//   - Device: the created device
//   - error: if the backend could not be initialized
func NewDevice(backend BackendType, options ...DeviceBuilderOption) (Device, error) {
	cfg := newDeviceConfig()
	for _, opt := range options {
		opt(cfg)
	}
	switch backend {
	case BackendTypeSoftware:
		return newSoftwareDevice(cfg), nil
	default:
		return newWGPUDevice(cfg)
	}
}
