package occlusion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"go.uber.org/zap"
)

// ErrNotAllocated is returned by Build before the first Resize.
var ErrNotAllocated = errors.New("occlusion: pyramid not allocated")

// MipCount returns the number of levels of a pyramid for a w x h viewport.
func MipCount(w, h int) int {
	return common.Log2Ceil(max(w, h, 1)) + 1
}

// allocSide is the side of the square power-of-two texture that holds all MipCount(w, h) levels.
func allocSide(w, h int) int {
	return 1 << common.Log2Ceil(max(w, h, 1))
}

// levelSize is the size of a mip level. The odd texel dropped by rounding down is folded into
// the last texel of the coarser level by the reduction.
func levelSize(n, mip int) int {
	return max(1, n>>mip)
}

type pyramidImpl struct {
	mu *sync.Mutex

	device    gpu.Device
	label     string
	reversedZ bool
	stereo    bool

	tex           gpu.Texture
	allocW        int
	allocH        int
	mips          int
	width, height int
	built         bool
	disposed      bool
}

// Pyramid is a hierarchical depth buffer: mip 0 holds the camera depth and every coarser level
// holds the farthest depth of the texels it covers. Texels outside the active viewport hold the
// safe value, which never causes an incorrect cull.
type Pyramid interface {
	// Texture returns the R32Float pyramid texture, nil before the first Resize.
	Texture() gpu.Texture

	// Size returns the active viewport size.
	Size() (width, height int)

	// AllocatedSize returns the size of mip 0 of the texture, a power-of-two square at least as
	// large as the viewport it was allocated for.
	AllocatedSize() (width, height int)

	// MipCount returns the level count of the texture.
	MipCount() int

	// ActiveMipCount returns the level count for the active viewport.
	ActiveMipCount() int

	// ReversedZ reports the depth convention.
	ReversedZ() bool

	// SafeValue returns the depth stored outside the active region: the far plane.
	SafeValue() float32

	// Ready reports whether Build succeeded since the last Resize.
	Ready() bool

	// Resize sets the active viewport. A size that fits the allocation keeps the texture and
	// clears the border of every level to the safe value; a larger one recreates it.
	//
	// Parameters:
	//   - w: viewport width
	//   - h: viewport height
	//
	// Returns:
	//   - bool: true if the texture was recreated
	//   - error: if allocation or a clear dispatch failed
	Resize(w, h int) (bool, error)

	// Build refreshes the pyramid from a depth texture: one copy into mip 0, then one
	// reduction per remaining level.
	//
	// Parameters:
	//   - depth: the camera depth, with two layers for stereo
	//
	// Returns:
	//   - error: if the pyramid is not allocated or a dispatch failed
	Build(depth gpu.Texture) error

	// Dispose releases the texture. Calling it again is a no-op.
	Dispose()
}

var _ Pyramid = &pyramidImpl{}

// NewPyramid creates an unallocated pyramid; call Resize before Build.
//
// Parameters:
//   - device: the device owning the texture
//   - options: functional options
//
// Returns:
//   - Pyramid: the pyramid
func NewPyramid(device gpu.Device, options ...PyramidBuilderOption) Pyramid {
	p := &pyramidImpl{
		mu:     &sync.Mutex{},
		device: device,
		label:  "hiz",
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *pyramidImpl) Texture() gpu.Texture {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tex
}

func (p *pyramidImpl) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *pyramidImpl) AllocatedSize() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocW, p.allocH
}

func (p *pyramidImpl) MipCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mips
}

func (p *pyramidImpl) ActiveMipCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tex == nil {
		return 0
	}
	return min(MipCount(p.width, p.height), p.mips)
}

func (p *pyramidImpl) ReversedZ() bool { return p.reversedZ }

func (p *pyramidImpl) SafeValue() float32 {
	if p.reversedZ {
		return 0
	}
	return 1
}

func (p *pyramidImpl) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.built
}

func (p *pyramidImpl) Resize(w, h int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return false, ErrNotAllocated
	}
	if w <= 0 || h <= 0 {
		return false, fmt.Errorf("invalid pyramid size %dx%d", w, h)
	}
	if p.tex != nil && w <= p.allocW && h <= p.allocH {
		if w == p.width && h == p.height {
			return false, nil
		}
		p.built = false
		p.width, p.height = w, h
		if err := p.clearBorders(w, h); err != nil {
			return false, err
		}
		common.Logger().Debug("pyramid border cleared",
			zap.String("pyramid", p.label), zap.Int("width", w), zap.Int("height", h))
		return false, nil
	}

	side, mips := allocSide(w, h), MipCount(w, h)
	tex, err := p.device.CreateTexture(gpu.TextureDescriptor{
		Label:     p.label,
		Width:     uint32(side),
		Height:    uint32(side),
		Layers:    1,
		MipLevels: uint32(mips),
		Format:    gpu.TextureFormatR32Float,
		Usage:     gpu.TextureUsageSampled | gpu.TextureUsageStorage,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create pyramid texture: %w", err)
	}
	if p.tex != nil {
		p.tex.Release()
	}
	p.tex = tex
	p.allocW, p.allocH = side, side
	p.width, p.height = w, h
	p.mips = mips
	p.built = false

	// a fresh texture is zero-filled; the safe value must cover everything until Build
	if err := p.clearBorders(0, 0); err != nil {
		return true, err
	}
	common.Logger().Debug("pyramid allocated",
		zap.String("pyramid", p.label), zap.Int("width", w), zap.Int("height", h),
		zap.Int("side", side), zap.Int("mips", mips))
	return true, nil
}

// clearBorders fills every level outside the region covered by an activeW x activeH viewport.
// Callers hold p.mu.
func (p *pyramidImpl) clearBorders(activeW, activeH int) error {
	activeMips := 0
	if activeW > 0 && activeH > 0 {
		activeMips = MipCount(activeW, activeH)
	}
	for mip := 0; mip < p.mips; mip++ {
		lw, lh := levelSize(p.allocW, mip), levelSize(p.allocH, mip)
		aw, ah := 0, 0
		if mip < activeMips {
			aw, ah = levelSize(activeW, mip), levelSize(activeH, mip)
		}
		params := clearParams{
			ActiveWidth:  uint32(aw),
			ActiveHeight: uint32(ah),
			Width:        uint32(lw),
			Height:       uint32(lh),
			Value:        p.SafeValue(),
		}
		err := p.device.Dispatch(gpu.DispatchDesc{
			Kernel:   KernelClear,
			Params:   common.StructToBytes(&params),
			Bindings: []gpu.Binding{gpu.TextureBinding(1, p.tex, mip, 0)},
			Groups:   tiles(lw, lh),
		})
		if err != nil {
			return fmt.Errorf("failed to clear pyramid mip %d: %w", mip, err)
		}
	}
	return nil
}

func (p *pyramidImpl) Build(depth gpu.Texture) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed || p.tex == nil {
		return ErrNotAllocated
	}
	if depth == nil {
		return fmt.Errorf("pyramid %s: nil depth texture", p.label)
	}

	layers := uint32(1)
	second := 0
	if p.stereo && depth.Layers() > 1 {
		layers = 2
		second = 1
	}
	reversed := uint32(0)
	if p.reversedZ {
		reversed = 1
	}
	cp := copyParams{Width: uint32(p.width), Height: uint32(p.height), Layers: layers, Reversed: reversed}
	err := p.device.Dispatch(gpu.DispatchDesc{
		Kernel: KernelCopy,
		Params: common.StructToBytes(&cp),
		Bindings: []gpu.Binding{
			gpu.TextureBinding(1, depth, 0, 0),
			gpu.TextureBinding(2, depth, 0, second),
			gpu.TextureBinding(3, p.tex, 0, 0),
		},
		Groups: tiles(p.width, p.height),
	})
	if err != nil {
		return fmt.Errorf("failed to copy depth into pyramid: %w", err)
	}

	kernel := KernelReduceMax
	if p.reversedZ {
		kernel = KernelReduceMin
	}
	active := min(MipCount(p.width, p.height), p.mips)
	for mip := 1; mip < active; mip++ {
		rp := reduceParams{
			SrcWidth:  uint32(levelSize(p.width, mip-1)),
			SrcHeight: uint32(levelSize(p.height, mip-1)),
			DstWidth:  uint32(levelSize(p.width, mip)),
			DstHeight: uint32(levelSize(p.height, mip)),
		}
		err := p.device.Dispatch(gpu.DispatchDesc{
			Kernel: kernel,
			Params: common.StructToBytes(&rp),
			Bindings: []gpu.Binding{
				gpu.TextureBinding(1, p.tex, mip-1, 0),
				gpu.TextureBinding(2, p.tex, mip, 0),
			},
			Groups: tiles(int(rp.DstWidth), int(rp.DstHeight)),
		})
		if err != nil {
			return fmt.Errorf("failed to reduce pyramid mip %d: %w", mip, err)
		}
	}
	p.built = true
	return nil
}

func (p *pyramidImpl) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return
	}
	p.disposed = true
	p.built = false
	if p.tex != nil {
		p.tex.Release()
		p.tex = nil
	}
}

func tiles(w, h int) [3]uint32 {
	return [3]uint32{common.DivCeil(uint32(w), tileSize), common.DivCeil(uint32(h), tileSize), 1}
}
