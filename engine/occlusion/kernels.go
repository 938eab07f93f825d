package occlusion

import (
	"embed"
	"fmt"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

const (
	KernelCopy      = "hiz_copy"
	KernelReduceMin = "hiz_reduce_min"
	KernelReduceMax = "hiz_reduce_max"
	KernelClear     = "hiz_clear"

	tileSize = 8
)

type copyParams struct {
	Width    uint32
	Height   uint32
	Layers   uint32
	Reversed uint32
}

type reduceParams struct {
	SrcWidth  uint32
	SrcHeight uint32
	DstWidth  uint32
	DstHeight uint32
}

type clearParams struct {
	ActiveWidth  uint32
	ActiveHeight uint32
	Width        uint32
	Height       uint32
	Value        float32
	_            [3]uint32
}

func mustRead(name string) string {
	b, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(fmt.Sprintf("occlusion: missing embedded shader %s: %v", name, err))
	}
	return string(b)
}

// RegisterKernels compiles the pyramid kernels on the device.
//
// Parameters:
//   - device: the device to register on
//   - lib: the shared include library
//
// Returns:
//   - error: if any kernel fails to pre-process or compile
func RegisterKernels(device gpu.Device, lib *gpu.ShaderLibrary) error {
	type entry struct {
		key    string
		file   string
		extra  map[string]string
		layout []gpu.BindingLayout
		run    gpu.KernelFunc
	}
	reduceLayout := []gpu.BindingLayout{
		{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
		{Binding: 1, Kind: gpu.BindingTexture},
		{Binding: 2, Kind: gpu.BindingStorageTexture},
	}
	entries := []entry{
		{
			key:  KernelCopy,
			file: "hiz_copy.wgsl",
			layout: []gpu.BindingLayout{
				{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
				{Binding: 1, Kind: gpu.BindingDepthTexture},
				{Binding: 2, Kind: gpu.BindingDepthTexture},
				{Binding: 3, Kind: gpu.BindingStorageTexture},
			},
			run: copyKernel,
		},
		{
			key:    KernelReduceMin,
			file:   "hiz_reduce.wgsl",
			extra:  map[string]string{"hiz_reduce_op": "fn reduce4(a: f32, b: f32, c: f32, d: f32) -> f32 { return min(min(a, b), min(c, d)); }"},
			layout: reduceLayout,
			run:    reduceKernel(min4),
		},
		{
			key:    KernelReduceMax,
			file:   "hiz_reduce.wgsl",
			extra:  map[string]string{"hiz_reduce_op": "fn reduce4(a: f32, b: f32, c: f32, d: f32) -> f32 { return max(max(a, b), max(c, d)); }"},
			layout: reduceLayout,
			run:    reduceKernel(max4),
		},
		{
			key:  KernelClear,
			file: "hiz_clear.wgsl",
			layout: []gpu.BindingLayout{
				{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
				{Binding: 1, Kind: gpu.BindingStorageTexture},
			},
			run: clearKernel,
		},
	}

	for _, e := range entries {
		src, err := lib.With(e.extra).Process(mustRead(e.file))
		if err != nil {
			return fmt.Errorf("failed to process %s: %w", e.key, err)
		}
		err = device.RegisterKernel(gpu.Kernel{
			Key:           e.key,
			Source:        src,
			EntryPoint:    "main",
			WorkgroupSize: [3]uint32{tileSize, tileSize, 1},
			Layout:        e.layout,
			Run:           e.run,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", e.key, err)
		}
	}
	return nil
}

func min4(a, b, c, d float32) float32 { return min(a, b, c, d) }
func max4(a, b, c, d float32) float32 { return max(a, b, c, d) }

func copyKernel(inv *gpu.Invocation) {
	p := gpu.ParamsAs[copyParams](inv)
	d0 := inv.Levels(1)[0]
	d1 := inv.Levels(2)[0]
	dst := inv.Levels(3)[0]
	for y := 0; y < int(p.Height) && y < dst.Height; y++ {
		for x := 0; x < int(p.Width) && x < dst.Width; x++ {
			sx, sy := min(x, d0.Width-1), min(y, d0.Height-1)
			v := d0.At(sx, sy)
			if p.Layers > 1 {
				w := d1.At(min(sx, d1.Width-1), min(sy, d1.Height-1))
				if p.Reversed != 0 {
					v = min(v, w)
				} else {
					v = max(v, w)
				}
			}
			dst.Set(x, y, v)
		}
	}
}

func reduceKernel(op func(a, b, c, d float32) float32) gpu.KernelFunc {
	return func(inv *gpu.Invocation) {
		p := gpu.ParamsAs[reduceParams](inv)
		src := inv.Levels(1)[0]
		dst := inv.Levels(2)[0]
		lastX, lastY := int(p.SrcWidth)-1, int(p.SrcHeight)-1
		for y := 0; y < int(p.DstHeight) && y < dst.Height; y++ {
			fh := footprint(y, int(p.DstHeight), int(p.SrcHeight))
			for x := 0; x < int(p.DstWidth) && x < dst.Width; x++ {
				fw := footprint(x, int(p.DstWidth), int(p.SrcWidth))
				bx, by := x*2, y*2
				v := src.At(min(bx, lastX), min(by, lastY))
				for j := range fh {
					for i := range fw {
						s := src.At(min(bx+i, lastX), min(by+j, lastY))
						v = op(v, s, v, s)
					}
				}
				dst.Set(x, y, v)
			}
		}
	}
}

// footprint is how many finer texels one coarse texel spans along an axis.
func footprint(x, dstSize, srcSize int) int {
	if x == dstSize-1 && srcSize > dstSize*2 {
		return 3
	}
	return 2
}

func clearKernel(inv *gpu.Invocation) {
	p := gpu.ParamsAs[clearParams](inv)
	dst := inv.Levels(1)[0]
	for y := 0; y < int(p.Height) && y < dst.Height; y++ {
		for x := 0; x < int(p.Width) && x < dst.Width; x++ {
			if x < int(p.ActiveWidth) && y < int(p.ActiveHeight) {
				continue
			}
			dst.Set(x, y, p.Value)
		}
	}
}
