package visibility

import (
	"embed"
	"fmt"
	"math"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/go-gl/mathgl/mgl32"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

const (
	KernelReset    = "visibility_reset"
	KernelCommands = "visibility_commands"

	workgroupSize = 64
)

// Cull dispatch flags.
const (
	flagFrustum uint32 = 1 << iota
	flagOcclusion
	flagRelative
	flagMasks
)

var encodings = []prototype.TransformEncoding{
	prototype.EncodingMatrix,
	prototype.EncodingCompact,
	prototype.EncodingCompressed,
}

// CullKernel returns the key of the cull kernel specialized for an encoding.
func CullKernel(enc prototype.TransformEncoding) string {
	return "visibility_cull_" + enc.String()
}

type countParams struct {
	Count uint32
	_     [3]uint32
}

type cullParams struct {
	Start       uint32
	Count       uint32
	EntryBase   uint32
	ParamOffset uint32
	Flags       uint32
	_           [3]uint32
}

// cameraUniform mirrors the WGSL Camera struct.
type cameraUniform struct {
	ViewProj [2]mgl32.Mat4
	Planes   [12]mgl32.Vec4
	Position mgl32.Vec4
	Viewport mgl32.Vec4
	HiZ      mgl32.Vec4
}

func (u *cameraUniform) eyes() int { return int(u.Position[3]) }

func (u *cameraUniform) reversed() bool { return u.Viewport[3] > 0.5 }

func mustRead(name string) string {
	b, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(fmt.Sprintf("visibility: missing embedded shader %s: %v", name, err))
	}
	return string(b)
}

func storage(n int) []gpu.BindingLayout {
	out := []gpu.BindingLayout{{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform}}
	for i := 1; i <= n; i++ {
		out = append(out, gpu.BindingLayout{Binding: uint32(i), Kind: gpu.BindingStorage})
	}
	return out
}

// RegisterKernels compiles the reset, command and per-encoding cull kernels on the device.
//
// Parameters:
//   - device: the device to register on
//   - lib: the shared include library
//
// Returns:
//   - error: if any kernel fails to pre-process or compile
func RegisterKernels(device gpu.Device, lib *gpu.ShaderLibrary) error {
	lib = lib.With(map[string]string{"visibility_types": mustRead("types.wgsl")})

	register := func(key, file string, extra map[string]string, layout []gpu.BindingLayout, run gpu.KernelFunc) error {
		src, err := lib.With(extra).Process(mustRead(file))
		if err != nil {
			return fmt.Errorf("failed to process %s: %w", key, err)
		}
		err = device.RegisterKernel(gpu.Kernel{
			Key:           key,
			Source:        src,
			EntryPoint:    "main",
			WorkgroupSize: [3]uint32{workgroupSize, 1, 1},
			Layout:        layout,
			Run:           run,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", key, err)
		}
		return nil
	}

	if err := register(KernelReset, "reset.wgsl", nil, storage(1), resetKernel); err != nil {
		return err
	}
	commandLayout := []gpu.BindingLayout{
		{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
		{Binding: 1, Kind: gpu.BindingStorageRead},
		{Binding: 2, Kind: gpu.BindingStorageRead},
		{Binding: 3, Kind: gpu.BindingStorageRead},
		{Binding: 4, Kind: gpu.BindingStorage},
	}
	if err := register(KernelCommands, "commands.wgsl", nil, commandLayout, commandsKernel); err != nil {
		return err
	}

	cullLayout := []gpu.BindingLayout{
		{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
		{Binding: 1, Kind: gpu.BindingUniform},
		{Binding: 2, Kind: gpu.BindingStorageRead},
		{Binding: 3, Kind: gpu.BindingStorageRead},
		{Binding: 4, Kind: gpu.BindingStorage},
		{Binding: 5, Kind: gpu.BindingStorageRead},
		{Binding: 6, Kind: gpu.BindingStorage},
		{Binding: 7, Kind: gpu.BindingStorageRead},
		{Binding: 8, Kind: gpu.BindingTexture},
	}
	for _, enc := range encodings {
		decode, err := transform.DecodeSource(enc)
		if err != nil {
			return fmt.Errorf("failed to build decode for %s: %w", enc, err)
		}
		extra := map[string]string{transform.DecodeInclude: decode}
		if err := register(CullKernel(enc), "cull.wgsl", extra, cullLayout, cullKernel(enc)); err != nil {
			return err
		}
	}
	return nil
}

func resetKernel(inv *gpu.Invocation) {
	p := gpu.ParamsAs[countParams](inv)
	entries := gpu.BytesAs[Entry](inv.Bytes(1))
	n := min(int(p.Count), int(inv.Threads()), len(entries))
	for i := range n {
		entries[i].VisibleCount = 0
	}
}

func commandsKernel(inv *gpu.Invocation) {
	p := gpu.ParamsAs[countParams](inv)
	owners := inv.Uint32s(1)
	entries := gpu.BytesAs[Entry](inv.Bytes(2))
	regions := inv.Uint32s(3)
	args := gpu.BytesAs[IndirectArgs](inv.Bytes(4))
	n := min(int(p.Count), int(inv.Threads()), len(owners), len(args))
	for i := range n {
		owner := owners[i]
		if int(owner) >= len(entries) || int(owner) >= len(regions) {
			continue
		}
		args[i].InstanceCount = entries[owner].VisibleCount
		args[i].FirstInstance = regions[owner]
	}
}

// cullState is the CPU form of one cull dispatch's inputs.
type cullState struct {
	p         cullParams
	cam       *cameraUniform
	transform []uint32
	params    []float32
	entries   []Entry
	regions   []uint32
	instances []VisibleInstance
	masks     []uint32
	hiz       []gpu.TextureLevel
}

func (s *cullState) gp(i int) float32 {
	if j := int(s.p.ParamOffset) + i; j < len(s.params) {
		return s.params[j]
	}
	return 0
}

func (s *cullState) append(entry int, index uint32, fade float32) {
	e := int(s.p.EntryBase) + entry
	if e >= len(s.entries) || e >= len(s.regions) {
		return
	}
	slot := s.regions[e] + s.entries[e].VisibleCount
	s.entries[e].VisibleCount++
	if int(slot) < len(s.instances) {
		s.instances[slot] = VisibleInstance{Index: index, Fade: fade}
	}
}

func cullKernel(enc prototype.TransformEncoding) gpu.KernelFunc {
	return func(inv *gpu.Invocation) {
		cam := gpu.BytesAs[cameraUniform](inv.Bytes(1))
		if len(cam) == 0 {
			return
		}
		s := &cullState{
			p:         gpu.ParamsAs[cullParams](inv),
			cam:       &cam[0],
			transform: inv.Uint32s(2),
			params:    inv.Float32s(3),
			entries:   gpu.BytesAs[Entry](inv.Bytes(4)),
			regions:   inv.Uint32s(5),
			instances: gpu.BytesAs[VisibleInstance](inv.Bytes(6)),
			masks:     inv.Uint32s(7),
			hiz:       inv.Levels(8),
		}
		w := enc.Words()
		n := min(s.p.Count, inv.Threads())
		for t := uint32(0); t < n; t++ {
			index := s.p.Start + t
			end := int(index+1) * w
			if end > len(s.transform) {
				return
			}
			s.cull(index, transform.Decode(enc, s.transform[end-w:end]))
		}
	}
}

func (s *cullState) cull(index uint32, m mgl32.Mat4) {
	cam := s.cam
	if s.p.Flags&flagRelative != 0 {
		m[12] += cam.Position[0]
		m[13] += cam.Position[1]
		m[14] += cam.Position[2]
	}
	localCenter := mgl32.Vec3{s.gp(rendersource.ParamBoundsCenter), s.gp(rendersource.ParamBoundsCenter + 1), s.gp(rendersource.ParamBoundsCenter + 2)}
	localExtents := mgl32.Vec3{s.gp(rendersource.ParamBoundsExtents), s.gp(rendersource.ParamBoundsExtents + 1), s.gp(rendersource.ParamBoundsExtents + 2)}
	center := m.Mul4x1(localCenter.Vec4(1)).Vec3()
	var extents mgl32.Vec3
	for axis := range 3 {
		col := m.Col(axis).Vec3()
		extents = extents.Add(mgl32.Vec3{abs(col[0]), abs(col[1]), abs(col[2])}.Mul(localExtents[axis]))
	}
	radius := extents.Len()
	dist := center.Sub(cam.Position.Vec3()).Len()

	height := radius * cam.Viewport[2] / max(dist, 1e-5) * s.gp(rendersource.ParamLODBias)
	lods := int(s.gp(rendersource.ParamLODCount))
	lod := lods
	for l := range lods {
		if height >= s.gp(rendersource.ParamThresholds+l) {
			lod = l
			break
		}
	}
	if lod >= lods {
		return
	}

	visible := true
	if dist >= s.gp(rendersource.ParamMinCullingDistance) {
		if s.p.Flags&flagFrustum != 0 && !s.inFrustum(center, radius) {
			visible = false
		}
		if visible && s.p.Flags&flagOcclusion != 0 && s.occluded(center.Sub(extents), center.Add(extents)) {
			visible = false
		}
	}
	shadow := dist <= s.gp(rendersource.ParamShadowDistance)

	fade := float32(1)
	crossFade := s.gp(rendersource.ParamCrossFade)
	threshold := s.gp(rendersource.ParamThresholds + lod)
	blend := crossFade > 0 && lod+1 < lods && threshold > 0 && height < threshold*(1+crossFade)
	if blend {
		fade = (height - threshold) / (threshold * crossFade)
	}

	if visible {
		s.append(EntryIndex(lod, prototype.PassInstance), index, fade)
		if blend {
			s.append(EntryIndex(lod+1, prototype.PassInstance), index, 1-fade)
		}
	}
	if shadow {
		s.append(EntryIndex(lod, prototype.PassShadow), index, 1)
	}

	optional := int(s.gp(rendersource.ParamOptionalCount))
	if optional == 0 {
		return
	}
	mask := uint32(math.MaxUint32)
	if s.p.Flags&flagMasks != 0 && int(index) < len(s.masks) {
		mask = ^s.masks[index]
	}
	for k := range optional {
		if mask&(1<<k) == 0 {
			continue
		}
		if visible {
			s.append(OptionalEntryIndex(lods, k, prototype.PassInstance), index, 1)
		}
		if shadow {
			s.append(OptionalEntryIndex(lods, k, prototype.PassShadow), index, 1)
		}
	}
}

func (s *cullState) inFrustum(center mgl32.Vec3, radius float32) bool {
	for eye := range s.cam.eyes() {
		inside := true
		for p := range 6 {
			plane := s.cam.Planes[eye*6+p]
			if plane.Vec3().Dot(center)+plane[3] < -radius {
				inside = false
				break
			}
		}
		if inside {
			return true
		}
	}
	return false
}

func (s *cullState) occluded(lo, hi mgl32.Vec3) bool {
	for eye := range s.cam.eyes() {
		if !s.occludedInEye(eye, lo, hi) {
			return false
		}
	}
	return true
}

func (s *cullState) occludedInEye(eye int, lo, hi mgl32.Vec3) bool {
	cam := s.cam
	reversed := cam.reversed()
	uvMin := mgl32.Vec2{1, 1}
	uvMax := mgl32.Vec2{0, 0}
	nearest := float32(1)
	if reversed {
		nearest = 0
	}
	for c := range 8 {
		corner := lo
		if c&1 != 0 {
			corner[0] = hi[0]
		}
		if c&2 != 0 {
			corner[1] = hi[1]
		}
		if c&4 != 0 {
			corner[2] = hi[2]
		}
		clip := cam.ViewProj[eye].Mul4x1(corner.Vec4(1))
		if clip[3] <= 0 {
			return false
		}
		ndc := clip.Vec3().Mul(1 / clip[3])
		uv := mgl32.Vec2{ndc[0]*0.5 + 0.5, 0.5 - ndc[1]*0.5}
		uvMin = mgl32.Vec2{min(uvMin[0], uv[0]), min(uvMin[1], uv[1])}
		uvMax = mgl32.Vec2{max(uvMax[0], uv[0]), max(uvMax[1], uv[1])}
		if reversed {
			nearest = max(nearest, ndc[2])
		} else {
			nearest = min(nearest, ndc[2])
		}
	}
	for i := range 2 {
		uvMin[i] = mgl32.Clamp(uvMin[i], 0, 1)
		uvMax[i] = mgl32.Clamp(uvMax[i], 0, 1)
	}

	size := mgl32.Vec2{cam.HiZ[0], cam.HiZ[1]}
	mips := min(int(cam.HiZ[2]), len(s.hiz))
	if mips == 0 {
		return false
	}
	longest := max((uvMax[0]-uvMin[0])*size[0], (uvMax[1]-uvMin[1])*size[1])
	mip := 0
	if longest > 1 {
		mip = int(math.Ceil(math.Log2(float64(longest))))
	}
	mip = min(mip, mips-1)

	levelW := max(1, int(size[0])>>mip)
	levelH := max(1, int(size[1])>>mip)
	texel := func(u, v float32) (int, int) {
		x := min(int(float32(math.Floor(float64(u*size[0]))))>>mip, levelW-1)
		y := min(int(float32(math.Floor(float64(v*size[1]))))>>mip, levelH-1)
		return x, y
	}
	level := s.hiz[mip]
	x0, y0 := texel(uvMin[0], uvMin[1])
	x1, y1 := texel(uvMax[0], uvMax[1])
	d0, d1, d2, d3 := level.At(x0, y0), level.At(x1, y0), level.At(x0, y1), level.At(x1, y1)
	if reversed {
		return nearest < min(d0, d1, d2, d3)
	}
	return nearest > max(d0, d1, d2, d3)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
