package transform

import (
	"embed"
	"fmt"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

const (
	// KernelProbeScatter writes packed probe records into the probe buffer.
	KernelProbeScatter = "probe_scatter"

	// DecodeInclude is the include name kernels use to pull in load_transform for the
	// encoding they were specialized for. The including source must declare a storage
	// array<u32> named transforms.
	DecodeInclude = "transform_decode"

	// probeWords is the size of one probe element in words.
	probeWords = 16

	// recordWords is one packed scatter record: index plus coefficients.
	recordWords = probeWords + 1

	workgroupSize = 64
)

// copyWordCounts are the element sizes, in words, a copy kernel exists for: the three transform
// encodings plus the single-word instance mask. Probe elements share the 64-byte kernel.
var copyWordCounts = []int{16, 10, 4, 1}

// CopyKernel returns the key of the copy kernel for elements of the given word count.
func CopyKernel(words int) string {
	return fmt.Sprintf("transform_copy_%d", words*4)
}

type copyParams struct {
	Src   uint32
	Dst   uint32
	Count uint32
	_     uint32
}

type scatterParams struct {
	Count uint32
	_     [3]uint32
}

func mustRead(name string) string {
	b, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(fmt.Sprintf("transform: missing embedded shader %s: %v", name, err))
	}
	return string(b)
}

// DecodeSource returns the WGSL defining load_transform for an encoding, with its own includes
// already resolved.
//
// Parameters:
//   - enc: the transform encoding
//
// Returns:
//   - string: the WGSL snippet
//   - error: if the snippet fails to pre-process
func DecodeSource(enc prototype.TransformEncoding) (string, error) {
	lib := gpu.NewShaderLibrary(map[string]string{"transform_trs": mustRead("decode_trs.wgsl")})
	switch enc {
	case prototype.EncodingCompact:
		return lib.Process(mustRead("decode_compact.wgsl"))
	case prototype.EncodingCompressed:
		return lib.Process(mustRead("decode_compressed.wgsl"))
	default:
		return lib.Process(mustRead("decode_matrix.wgsl"))
	}
}

// RegisterKernels compiles the copy and probe kernels on the device.
//
// Parameters:
//   - device: the device to register on
//   - lib: the shared include library
//
// Returns:
//   - error: if any kernel fails to pre-process or compile
func RegisterKernels(device gpu.Device, lib *gpu.ShaderLibrary) error {
	copySrc := mustRead("copy.wgsl")
	for _, words := range copyWordCounts {
		src, err := lib.With(map[string]string{
			"copy_words": fmt.Sprintf("const WORDS: u32 = %du;", words),
		}).Process(copySrc)
		if err != nil {
			return fmt.Errorf("failed to process %s: %w", CopyKernel(words), err)
		}
		err = device.RegisterKernel(gpu.Kernel{
			Key:           CopyKernel(words),
			Source:        src,
			EntryPoint:    "main",
			WorkgroupSize: [3]uint32{workgroupSize, 1, 1},
			Layout: []gpu.BindingLayout{
				{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
				{Binding: 1, Kind: gpu.BindingStorageRead},
				{Binding: 2, Kind: gpu.BindingStorage},
			},
			Run: copyKernel(words),
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", CopyKernel(words), err)
		}
	}

	src, err := lib.Process(mustRead("probe_scatter.wgsl"))
	if err != nil {
		return fmt.Errorf("failed to process %s: %w", KernelProbeScatter, err)
	}
	err = device.RegisterKernel(gpu.Kernel{
		Key:           KernelProbeScatter,
		Source:        src,
		EntryPoint:    "main",
		WorkgroupSize: [3]uint32{workgroupSize, 1, 1},
		Layout: []gpu.BindingLayout{
			{Binding: gpu.ParamsBinding, Kind: gpu.BindingUniform},
			{Binding: 1, Kind: gpu.BindingStorageRead},
			{Binding: 2, Kind: gpu.BindingStorage},
		},
		Run: probeScatterKernel,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", KernelProbeScatter, err)
	}
	return nil
}

func copyKernel(words int) gpu.KernelFunc {
	return func(inv *gpu.Invocation) {
		p := gpu.ParamsAs[copyParams](inv)
		src := inv.Uint32s(1)
		dst := inv.Uint32s(2)
		n := min(p.Count, inv.Threads())
		w := uint32(words)
		for i := uint32(0); i < n; i++ {
			s := (p.Src + i) * w
			d := (p.Dst + i) * w
			if int(s+w) > len(src) || int(d+w) > len(dst) {
				return
			}
			copy(dst[d:d+w], src[s:s+w])
		}
	}
}

func probeScatterKernel(inv *gpu.Invocation) {
	p := gpu.ParamsAs[scatterParams](inv)
	records := inv.Uint32s(1)
	probes := inv.Uint32s(2)
	n := min(p.Count, inv.Threads())
	for i := uint32(0); i < n; i++ {
		r := i * recordWords
		dst := records[r] * probeWords
		if int(dst+probeWords) > len(probes) {
			continue
		}
		copy(probes[dst:dst+probeWords], records[r+1:r+recordWords])
	}
}
