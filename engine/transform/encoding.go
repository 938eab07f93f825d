package transform

import (
	"math"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/x448/float16"
)

// Encode writes m into dst using the encoding. dst must hold enc.Words() words.
//
// Parameters:
//   - enc: the transform encoding
//   - m: the affine transform, without shear
//   - dst: destination words
func Encode(enc prototype.TransformEncoding, m mgl32.Mat4, dst []uint32) {
	switch enc {
	case prototype.EncodingCompact:
		pos, rot, scale := common.DecomposeTRS(m)
		vals := [10]float32{
			pos[0], pos[1], pos[2],
			rot.V[0], rot.V[1], rot.V[2], rot.W,
			scale[0], scale[1], scale[2],
		}
		for i, v := range vals {
			dst[i] = math.Float32bits(v)
		}
	case prototype.EncodingCompressed:
		pos, rot, scale := common.DecomposeTRS(m)
		s := (scale[0] + scale[1] + scale[2]) / 3
		dst[0] = packHalf2(pos[0], pos[1])
		dst[1] = packHalf2(pos[2], s)
		dst[2] = packSnorm2(rot.V[0], rot.V[1])
		dst[3] = packSnorm2(rot.V[2], rot.W)
	default:
		for i, v := range m {
			dst[i] = math.Float32bits(v)
		}
	}
}

// Decode reads one transform encoded with enc from src.
//
// Parameters:
//   - enc: the transform encoding
//   - src: enc.Words() words
//
// Returns:
//   - mgl32.Mat4: the decoded transform
func Decode(enc prototype.TransformEncoding, src []uint32) mgl32.Mat4 {
	switch enc {
	case prototype.EncodingCompact:
		f := func(i int) float32 { return math.Float32frombits(src[i]) }
		pos := mgl32.Vec3{f(0), f(1), f(2)}
		rot := mgl32.Quat{W: f(6), V: mgl32.Vec3{f(3), f(4), f(5)}}
		scale := mgl32.Vec3{f(7), f(8), f(9)}
		return common.ComposeTRS(pos, rot, scale)
	case prototype.EncodingCompressed:
		px, py := unpackHalf2(src[0])
		pz, s := unpackHalf2(src[1])
		qx, qy := unpackSnorm2(src[2])
		qz, qw := unpackSnorm2(src[3])
		rot := mgl32.Quat{W: qw, V: mgl32.Vec3{qx, qy, qz}}
		return common.ComposeTRS(mgl32.Vec3{px, py, pz}, rot, mgl32.Vec3{s, s, s})
	default:
		var m mgl32.Mat4
		for i := range m {
			m[i] = math.Float32frombits(src[i])
		}
		return m
	}
}

// Translation returns the translation of one encoded transform without decoding the rest.
func Translation(enc prototype.TransformEncoding, src []uint32) mgl32.Vec3 {
	switch enc {
	case prototype.EncodingCompact:
		return mgl32.Vec3{math.Float32frombits(src[0]), math.Float32frombits(src[1]), math.Float32frombits(src[2])}
	case prototype.EncodingCompressed:
		px, py := unpackHalf2(src[0])
		pz, _ := unpackHalf2(src[1])
		return mgl32.Vec3{px, py, pz}
	default:
		return mgl32.Vec3{math.Float32frombits(src[12]), math.Float32frombits(src[13]), math.Float32frombits(src[14])}
	}
}

// EncodeAll encodes transforms into a fresh word slice.
func EncodeAll(enc prototype.TransformEncoding, transforms []mgl32.Mat4) []uint32 {
	w := enc.Words()
	out := make([]uint32, len(transforms)*w)
	for i, m := range transforms {
		Encode(enc, m, out[i*w:(i+1)*w])
	}
	return out
}

func packHalf2(a, b float32) uint32 {
	return uint32(float16.Fromfloat32(a).Bits()) | uint32(float16.Fromfloat32(b).Bits())<<16
}

func unpackHalf2(w uint32) (float32, float32) {
	return float16.Frombits(uint16(w)).Float32(), float16.Frombits(uint16(w >> 16)).Float32()
}

// packSnorm2 matches WGSL pack2x16snorm.
func packSnorm2(a, b float32) uint32 {
	return uint32(uint16(snorm16(a))) | uint32(uint16(snorm16(b)))<<16
}

func unpackSnorm2(w uint32) (float32, float32) {
	return max(float32(int16(uint16(w)))/32767, -1), max(float32(int16(uint16(w>>16)))/32767, -1)
}

func snorm16(v float32) int16 {
	v = common.Clamp(v, -1, 1)
	return int16(math.Floor(float64(v)*32767 + 0.5))
}
