package common

import (
	"math"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
)

// SliceToBytes converts any slice to a byte slice for GPU buffer uploads.
// Uses unsafe pointer operations to create a view into the original data.
// WARNING: The returned slice shares memory with the input - do not modify.
//
// Parameters:
//   - data: source slice of any type
//
// Returns:
//   - []byte: byte slice view of the input data, or nil if input is empty
func SliceToBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	totalBytes := int(size) * len(data)
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), totalBytes)
}

// BytesToSlice copies raw bytes into a freshly allocated slice of T. Trailing bytes that do not
// fill a whole element are dropped. The copy keeps the result correctly aligned for T regardless
// of the source alignment.
//
// Parameters:
//   - data: raw little-endian bytes, typically from a GPU readback
//
// Returns:
//   - []T: decoded elements
func BytesToSlice[T any](data []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 || len(data) < size {
		return nil
	}
	out := make([]T, len(data)/size)
	copy(SliceToBytes(out), data)
	return out
}

// StructToBytes reinterprets a pointer to a struct as a raw byte slice using unsafe.
// The returned slice has length equal to the struct's size in memory.
//
// Parameters:
//   - v: pointer to the struct to reinterpret
//
// Returns:
//   - []byte: byte slice view of the struct's memory
func StructToBytes[T any](v *T) []byte {
	size := unsafe.Sizeof(*v)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), int(size))
}

// Perspective creates a right-handed perspective projection with WebGPU clip depth in [0, 1].
// With reversedZ the near plane maps to depth 1 and the far plane to 0.
//
// Parameters:
//   - fovY: vertical field of view in radians
//   - aspect: viewport aspect ratio (width/height)
//   - near: near clipping plane distance (must be > 0)
//   - far: far clipping plane distance (must be > near)
//   - reversedZ: whether to use the reversed depth convention
//
// Returns:
//   - mgl32.Mat4: the projection matrix (column-major)
func Perspective(fovY, aspect, near, far float32, reversedZ bool) mgl32.Mat4 {
	f := 1.0 / float32(math.Tan(float64(fovY)/2.0))

	var out mgl32.Mat4
	out[0] = f / aspect
	out[5] = f
	out[11] = -1.0
	if reversedZ {
		out[10] = near / (far - near)
		out[14] = (near * far) / (far - near)
	} else {
		out[10] = far / (near - far)
		out[14] = (near * far) / (near - far)
	}
	return out
}

// ComposeTRS builds a model matrix from translation, rotation and per-axis scale.
//
// Parameters:
//   - pos: translation in world space
//   - rot: rotation quaternion
//   - scale: per-axis scale
//
// Returns:
//   - mgl32.Mat4: T * R * S
func ComposeTRS(pos mgl32.Vec3, rot mgl32.Quat, scale mgl32.Vec3) mgl32.Mat4 {
	m := rot.Normalize().Mat4()
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			m[c*4+r] *= scale[c]
		}
	}
	m[12], m[13], m[14] = pos[0], pos[1], pos[2]
	return m
}

// DecomposeTRS splits an affine model matrix without shear into translation, rotation and scale.
// A zero-length basis column yields a zero scale on that axis and an identity rotation.
//
// Parameters:
//   - m: the model matrix
//
// Returns:
//   - mgl32.Vec3: translation
//   - mgl32.Quat: rotation
//   - mgl32.Vec3: per-axis scale
func DecomposeTRS(m mgl32.Mat4) (mgl32.Vec3, mgl32.Quat, mgl32.Vec3) {
	pos := mgl32.Vec3{m[12], m[13], m[14]}
	scale := mgl32.Vec3{m.Col(0).Vec3().Len(), m.Col(1).Vec3().Len(), m.Col(2).Vec3().Len()}
	if scale[0] == 0 || scale[1] == 0 || scale[2] == 0 {
		return pos, mgl32.QuatIdent(), scale
	}

	rot := mgl32.Ident4()
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			rot[c*4+r] = m[c*4+r] / scale[c]
		}
	}
	return pos, mgl32.Mat4ToQuat(rot).Normalize(), scale
}

// Log2Ceil returns ceil(log2(n)) for n >= 1, and 0 for n <= 1.
func Log2Ceil(n int) int {
	r := 0
	for v := 1; v < n; v <<= 1 {
		r++
	}
	return r
}

// AlignUp rounds n up to the next multiple of align. align must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// DivCeil returns ceil(a / b) for positive b.
func DivCeil(a, b uint32) uint32 {
	return (a + b - 1) / b
}
