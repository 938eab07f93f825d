package occlusion

import (
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

func newTestDevice(t *testing.T) gpu.SoftwareDevice {
	t.Helper()
	d := gpu.NewSoftwareDevice()
	if err := RegisterKernels(d, gpu.NewShaderLibrary(nil)); err != nil {
		t.Fatalf("RegisterKernels() error = %v", err)
	}
	return d
}

func newDepth(t *testing.T, d gpu.SoftwareDevice, w, h, layers int, texels ...[]float32) gpu.Texture {
	t.Helper()
	tex, err := d.CreateTexture(gpu.TextureDescriptor{
		Label:  "depth",
		Width:  uint32(w),
		Height: uint32(h),
		Layers: uint32(layers),
		Format: gpu.TextureFormatDepth32Float,
	})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	for layer, data := range texels {
		d.WriteTexture(tex, 0, layer, data)
	}
	return tex
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMipCount(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{1920, 1080, 12},
		{1024, 1024, 11},
		{1, 1, 1},
		{5, 3, 4},
		{0, 0, 1},
	}
	for _, tt := range tests {
		if got := MipCount(tt.w, tt.h); got != tt.want {
			t.Errorf("MipCount(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestPyramidFullHDChain(t *testing.T) {
	d := newTestDevice(t)
	p := NewPyramid(d)

	if _, err := p.Resize(1920, 1080); err != nil {
		t.Fatalf("Resize(1920, 1080) error = %v", err)
	}
	if w, h := p.AllocatedSize(); w != 2048 || h != 2048 {
		t.Errorf("AllocatedSize() = %dx%d, want 2048x2048", w, h)
	}
	if p.MipCount() != 12 {
		t.Errorf("MipCount() = %d, want 12", p.MipCount())
	}
	if p.ActiveMipCount() != 12 {
		t.Errorf("ActiveMipCount() = %d, want 12", p.ActiveMipCount())
	}
	if got := p.Texture().MipLevels(); got != 12 {
		t.Errorf("Texture().MipLevels() = %d, want 12", got)
	}

	realloc, err := p.Resize(960, 540)
	if err != nil || realloc {
		t.Fatalf("Resize(960, 540) = %v, %v, want false, nil", realloc, err)
	}
	if p.ActiveMipCount() != 11 {
		t.Errorf("ActiveMipCount() = %d, want 11", p.ActiveMipCount())
	}

	if err := p.Build(newDepth(t, d, 960, 540, 1, fill(960*540, 0.5))); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	last := d.TextureLevel(p.Texture(), 10, 0)
	if got := last.At(0, 0); got != 0.5 {
		t.Errorf("mip 10 (0,0) = %v, want 0.5", got)
	}
	if got := d.TextureLevel(p.Texture(), 11, 0).At(0, 0); got != 1 {
		t.Errorf("mip 11 outside the active chain = %v, want safe value 1", got)
	}
}

func TestPyramidBuildBeforeResize(t *testing.T) {
	d := newTestDevice(t)
	p := NewPyramid(d)
	depth := newDepth(t, d, 4, 4, 1)
	if err := p.Build(depth); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Build() error = %v, want ErrNotAllocated", err)
	}
	if p.Ready() {
		t.Error("Ready() = true before any Build")
	}
}

func TestPyramidResizeReusesTexture(t *testing.T) {
	d := newTestDevice(t)
	p := NewPyramid(d, WithLabel("hiz-test"))

	realloc, err := p.Resize(16, 8)
	if err != nil || !realloc {
		t.Fatalf("Resize(16, 8) = %v, %v, want true, nil", realloc, err)
	}
	tex := p.Texture()
	if p.MipCount() != 5 {
		t.Errorf("MipCount() = %d, want 5", p.MipCount())
	}
	for mip := 0; mip < p.MipCount(); mip++ {
		if got := d.TextureLevel(tex, mip, 0).At(0, 0); got != 1 {
			t.Errorf("fresh mip %d = %v, want safe value 1", mip, got)
		}
	}

	realloc, err = p.Resize(8, 4)
	if err != nil || realloc {
		t.Fatalf("Resize(8, 4) = %v, %v, want false, nil", realloc, err)
	}
	if p.Texture() != tex {
		t.Fatal("Resize within the allocation replaced the texture")
	}
	if w, h := p.AllocatedSize(); w != 16 || h != 16 {
		t.Errorf("AllocatedSize() = %dx%d, want 16x16", w, h)
	}
	if p.ActiveMipCount() != 4 {
		t.Errorf("ActiveMipCount() = %d, want 4", p.ActiveMipCount())
	}

	depth := newDepth(t, d, 8, 4, 1, fill(32, 0.25))
	if err := p.Build(depth); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !p.Ready() {
		t.Error("Ready() = false after Build")
	}

	mip0 := d.TextureLevel(tex, 0, 0)
	if got := mip0.At(7, 3); got != 0.25 {
		t.Errorf("mip 0 active texel = %v, want 0.25", got)
	}
	if got := mip0.At(8, 0); got != 1 {
		t.Errorf("mip 0 border texel = %v, want 1", got)
	}
	if got := mip0.At(0, 4); got != 1 {
		t.Errorf("mip 0 border row = %v, want 1", got)
	}
	mip1 := d.TextureLevel(tex, 1, 0)
	if got := mip1.At(3, 1); got != 0.25 {
		t.Errorf("mip 1 active texel = %v, want 0.25", got)
	}
	if got := mip1.At(4, 0); got != 1 {
		t.Errorf("mip 1 border texel = %v, want 1", got)
	}
	if got := d.TextureLevel(tex, 4, 0).At(0, 0); got != 1 {
		t.Errorf("mip 4 = %v, want 1 past the active chain", got)
	}

	realloc, err = p.Resize(32, 8)
	if err != nil || !realloc {
		t.Fatalf("Resize(32, 8) = %v, %v, want true, nil", realloc, err)
	}
	if p.Texture() == tex {
		t.Error("Resize beyond the allocation kept the old texture")
	}
	if p.Ready() {
		t.Error("Ready() = true after reallocation")
	}
}

func TestPyramidSameSizeKeepsReady(t *testing.T) {
	d := newTestDevice(t)
	p := NewPyramid(d)
	if _, err := p.Resize(4, 4); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if err := p.Build(newDepth(t, d, 4, 4, 1, fill(16, 0.5))); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if realloc, err := p.Resize(4, 4); err != nil || realloc {
		t.Fatalf("Resize(4, 4) = %v, %v, want false, nil", realloc, err)
	}
	if !p.Ready() {
		t.Error("Ready() = false after resizing to the same size")
	}
}

func TestPyramidReduction(t *testing.T) {
	depth := []float32{
		0.1, 0.2, 0.3, 0.4, 0.5,
		0.6, 0.1, 0.1, 0.1, 0.1,
		0.1, 0.1, 0.1, 0.1, 0.9,
	}
	tests := []struct {
		name     string
		reversed bool
		mip1     [2]float32
		mip2     float32
	}{
		{name: "standard keeps farthest", reversed: false, mip1: [2]float32{0.6, 0.9}, mip2: 0.9},
		{name: "reversed keeps nearest value", reversed: true, mip1: [2]float32{0.1, 0.1}, mip2: 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			p := NewPyramid(d, WithReversedZ(tt.reversed))
			if _, err := p.Resize(5, 3); err != nil {
				t.Fatalf("Resize() error = %v", err)
			}
			if p.MipCount() != 4 {
				t.Fatalf("MipCount() = %d, want 4", p.MipCount())
			}
			if err := p.Build(newDepth(t, d, 5, 3, 1, depth)); err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			mip1 := d.TextureLevel(p.Texture(), 1, 0)
			for x, want := range tt.mip1 {
				if got := mip1.At(x, 0); got != want {
					t.Errorf("mip 1 (%d,0) = %v, want %v", x, got, want)
				}
			}
			if got := d.TextureLevel(p.Texture(), 2, 0).At(0, 0); got != tt.mip2 {
				t.Errorf("mip 2 = %v, want %v", got, tt.mip2)
			}
		})
	}
}

func TestPyramidSafeValue(t *testing.T) {
	d := newTestDevice(t)
	if got := NewPyramid(d).SafeValue(); got != 1 {
		t.Errorf("standard SafeValue() = %v, want 1", got)
	}
	if got := NewPyramid(d, WithReversedZ(true)).SafeValue(); got != 0 {
		t.Errorf("reversed SafeValue() = %v, want 0", got)
	}
}

func TestPyramidStereoCombinesEyes(t *testing.T) {
	tests := []struct {
		name     string
		reversed bool
		want     float32
	}{
		{name: "standard", reversed: false, want: 0.7},
		{name: "reversed", reversed: true, want: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			p := NewPyramid(d, WithStereo(true), WithReversedZ(tt.reversed))
			if _, err := p.Resize(2, 2); err != nil {
				t.Fatalf("Resize() error = %v", err)
			}
			left := fill(4, 0.5)
			right := fill(4, 0.5)
			right[0] = 0.7
			if err := p.Build(newDepth(t, d, 2, 2, 2, left, right)); err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if got := d.TextureLevel(p.Texture(), 0, 0).At(0, 0); got != tt.want {
				t.Errorf("mip 0 (0,0) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPyramidDispose(t *testing.T) {
	d := newTestDevice(t)
	p := NewPyramid(d)
	if _, err := p.Resize(4, 4); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	p.Dispose()
	p.Dispose()
	if p.Texture() != nil {
		t.Error("Texture() != nil after Dispose")
	}
	if _, err := p.Resize(4, 4); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("Resize() after Dispose error = %v, want ErrNotAllocated", err)
	}
}
