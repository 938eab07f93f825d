package instancer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/engine/camera"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
)

// limitedDevice reports capabilities a software device would not.
type limitedDevice struct {
	gpu.Device
	caps gpu.Capabilities
}

func (d limitedDevice) Capabilities() gpu.Capabilities { return d.caps }

func newInstancer(t *testing.T, deviceOptions []gpu.DeviceBuilderOption, options ...InstancerBuilderOption) (*Instancer, gpu.SoftwareDevice) {
	t.Helper()
	d := gpu.NewSoftwareDevice(deviceOptions...)
	in := New(d, options...)
	if err := in.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(in.Shutdown)
	return in, d
}

func cube(t *testing.T) prototype.Prototype {
	t.Helper()
	p, err := prototype.FromModel("cube", prototype.CubeMesh(1, [4]float32{1, 1, 1, 1}), prototype.NewMaterial("m", "lit"))
	if err != nil {
		t.Fatalf("FromModel() error = %v", err)
	}
	return p
}

func translations(n int, offset float32) []mgl32.Mat4 {
	out := make([]mgl32.Mat4, n)
	for i := range out {
		out[i] = mgl32.Translate3D(float32(i)+offset, 0, 0)
	}
	return out
}

func register(t *testing.T, in *Instancer, proto prototype.Prototype, options ...RegisterOption) RendererKey {
	t.Helper()
	key, ok := in.RegisterRenderer(nil, proto, prototype.Profile{}, options...)
	if !ok || !key.Valid() {
		t.Fatalf("RegisterRenderer() = %d, %v, want a valid key", key, ok)
	}
	return key
}

func TestRegisterHundredInstances(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))

	if !in.SetTransformBufferData(key, translations(100, 0), 0, 0, 100, true) {
		t.Fatal("SetTransformBufferData() = false")
	}
	g, ok := in.Group(key)
	if !ok {
		t.Fatal("Group() = false")
	}
	if g.BufferSize() < 100 {
		t.Errorf("BufferSize() = %d, want >= 100", g.BufferSize())
	}
	if n, _ := in.InstanceCount(key); n != 100 {
		t.Errorf("InstanceCount() = %d, want 100", n)
	}
	buf, start, size, ok := in.TryGetTransformBuffer(key)
	if !ok || buf == nil {
		t.Fatal("TryGetTransformBuffer() returned no buffer")
	}
	if start+size < 100 {
		t.Errorf("start+size = %d, want >= 100", start+size)
	}
}

func TestDisposeRendererIsIdempotent(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t), WithInitialBufferSize(4))

	in.DisposeRenderer(key)
	in.DisposeRenderer(key)

	if s := in.Stats(); s.Renderers != 0 || s.Groups != 0 {
		t.Errorf("Stats() = %+v, want no renderers or groups", s)
	}
	if in.SetInstanceCount(key, 1) {
		t.Error("SetInstanceCount() on a disposed key = true")
	}
}

func TestRemovingSourceCompactsGroup(t *testing.T) {
	in, _ := newInstancer(t, nil)
	proto := cube(t)
	first := register(t, in, proto)
	second := register(t, in, proto)

	if !in.SetTransformBufferData(first, translations(50, 0), 0, 0, 50, true) {
		t.Fatal("SetTransformBufferData(first) = false")
	}
	if !in.SetTransformBufferData(second, translations(30, 1000), 0, 0, 30, true) {
		t.Fatal("SetTransformBufferData(second) = false")
	}
	g, _ := in.Group(second)
	if g2, _ := in.Group(first); g2 != g {
		t.Fatal("renderers of one prototype and profile landed in different groups")
	}
	if g.BufferSize() != 80 {
		t.Fatalf("BufferSize() = %d, want 80", g.BufferSize())
	}

	in.DisposeRenderer(first)

	_, start, size, ok := in.TryGetTransformBuffer(second)
	if !ok || start != 0 || size != 30 {
		t.Fatalf("TryGetTransformBuffer() = start %d size %d ok %v, want 0 30 true", start, size, ok)
	}
	if g.BufferSize() != 30 {
		t.Errorf("BufferSize() = %d, want 30", g.BufferSize())
	}
	data := g.TransformData()
	for i := range 30 {
		if x := data.Transform(i).Col(3).X(); x != float32(1000+i) {
			t.Fatalf("Transform(%d).x = %v, want %v", i, x, 1000+i)
		}
	}
}

func TestDisposeRendererKeepsRegistrationWhenRemovalFails(t *testing.T) {
	in, d := newInstancer(t, nil)
	proto := cube(t)
	first := register(t, in, proto, WithInitialBufferSize(2))
	second := register(t, in, proto)
	in.SetTransformBufferData(second, translations(3, 40), 0, 0, 3, true)

	// without kernels the compaction copy cannot run
	d.Release()
	in.DisposeRenderer(first)

	if s := in.Stats(); s.Renderers != 2 || s.Groups != 1 {
		t.Errorf("Stats() = %+v, want both renderers in one group", s)
	}
	if _, start, size, ok := in.TryGetTransformBuffer(first); !ok || start != 0 || size != 2 {
		t.Errorf("TryGetTransformBuffer(first) = start %d size %d ok %v, want 0 2 true", start, size, ok)
	}
	if n, ok := in.InstanceCount(second); !ok || n != 3 {
		t.Errorf("InstanceCount(second) = %d, %v, want 3, true", n, ok)
	}
}

func TestUnsupportedDeviceIsNoOp(t *testing.T) {
	soft := gpu.NewSoftwareDevice()
	caps := soft.Capabilities()
	caps.ComputeShaders = false
	in := New(limitedDevice{Device: soft, caps: caps})

	if err := in.Init(); !errors.Is(err, gpu.ErrUnsupported) {
		t.Fatalf("Init() error = %v, want ErrUnsupported", err)
	}
	if in.State() != StateUnsupported {
		t.Errorf("State() = %v, want unsupported", in.State())
	}
	if _, ok := in.RegisterRenderer(nil, cube(t), prototype.Profile{}); ok {
		t.Error("RegisterRenderer() = true on an unsupported device")
	}
	if ctx := in.AddCamera(camera.NewCamera()); ctx != nil {
		t.Error("AddCamera() returned a context on an unsupported device")
	}
	if err := in.Frame(); err != nil {
		t.Errorf("Frame() error = %v, want nil", err)
	}
	in.Shutdown()
}

func TestRegisterRejectsBadInput(t *testing.T) {
	in, _ := newInstancer(t, nil)

	if _, ok := in.RegisterRenderer(nil, nil, prototype.Profile{}); ok {
		t.Error("RegisterRenderer(nil) = true")
	}
	if _, ok := in.RegisterRenderer(nil, cube(t), prototype.Profile{}, WithInitialBufferSize(-1)); ok {
		t.Error("RegisterRenderer() with a negative size = true")
	}
	if s := in.Stats(); s.Groups != 0 {
		t.Errorf("Stats().Groups = %d after rejected registrations, want 0", s.Groups)
	}
}

func TestOversizeBufferKeepsPrevious(t *testing.T) {
	in, _ := newInstancer(t, []gpu.DeviceBuilderOption{gpu.WithMaxBufferSize(4096)})
	key := register(t, in, cube(t), WithInitialBufferSize(10))

	if in.SetBufferSize(key, 1000) {
		t.Fatal("SetBufferSize() beyond the device limit = true")
	}
	if _, _, size, ok := in.TryGetTransformBuffer(key); !ok || size != 10 {
		t.Errorf("TryGetTransformBuffer() size = %d, ok %v, want 10 true", size, ok)
	}
}

func TestGroupsSplitByKeywordsAndID(t *testing.T) {
	in, _ := newInstancer(t, nil)
	proto := cube(t)
	a := register(t, in, proto, WithKeywords("fog", "wind"))
	b := register(t, in, proto, WithKeywords("wind", "fog", "fog"))
	c := register(t, in, proto, WithGroupID(2))

	ga, _ := in.Group(a)
	gb, _ := in.Group(b)
	gc, _ := in.Group(c)
	if ga != gb {
		t.Error("equal keyword sets landed in different groups")
	}
	if ga == gc {
		t.Error("different group ids share a group")
	}
}

func TestMaterialOverrides(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))

	if in.AddMaterialPropertyOverride(key, 3, rendersource.Unscoped, "_Color", mgl32.Vec4{1, 0, 0, 1}, false) {
		t.Error("override for a missing LOD = true")
	}
	if !in.AddMaterialPropertyOverride(key, rendersource.Unscoped, rendersource.Unscoped, "_Color", mgl32.Vec4{1, 0, 0, 1}, true) {
		t.Fatal("AddMaterialPropertyOverride() = false")
	}
	g, _ := in.Group(key)
	if got := g.Overrides().SharedBlock()["_Color"]; got != (mgl32.Vec4{1, 0, 0, 1}) {
		t.Errorf("shared _Color = %v, want red", got)
	}
	if !in.RemoveMaterialPropertyOverrides(key, "_Color") {
		t.Error("RemoveMaterialPropertyOverrides() = false")
	}
	if !in.ClearMaterialPropertyOverrides(key) {
		t.Error("ClearMaterialPropertyOverrides() = false")
	}
	if in.ClearMaterialPropertyOverrides(RendererKey(999)) {
		t.Error("ClearMaterialPropertyOverrides() on an unknown key = true")
	}
}

func TestMaterialOverrideScope(t *testing.T) {
	in, _ := newInstancer(t, nil)
	r := prototype.Renderer{
		Mesh:      prototype.CubeMesh(1, [4]float32{1, 1, 1, 1}),
		Materials: []*prototype.Material{prototype.NewMaterial("m", "lit")},
	}
	proto, err := prototype.New("rock", prototype.WithLOD(0.5, r, r), prototype.WithLOD(0.1, r))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := register(t, in, proto)

	tests := []struct {
		name     string
		lod      int
		renderer int
		want     bool
	}{
		{name: "unscoped", lod: rendersource.Unscoped, renderer: rendersource.Unscoped, want: true},
		{name: "lod only", lod: 1, renderer: rendersource.Unscoped, want: true},
		{name: "lod and renderer", lod: 0, renderer: 1, want: true},
		{name: "renderer in some lod", lod: rendersource.Unscoped, renderer: 1, want: true},
		{name: "missing lod", lod: 2, renderer: rendersource.Unscoped, want: false},
		{name: "negative lod", lod: -2, renderer: rendersource.Unscoped, want: false},
		{name: "renderer past its lod", lod: 1, renderer: 1, want: false},
		{name: "renderer in no lod", lod: rendersource.Unscoped, renderer: 2, want: false},
		{name: "negative renderer", lod: 0, renderer: -2, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := in.Group(key)
			before := g.Overrides().Len()
			got := in.AddMaterialPropertyOverride(key, tt.lod, tt.renderer, "_Tint", mgl32.Vec4{0, 1, 0, 1}, false)
			if got != tt.want {
				t.Errorf("AddMaterialPropertyOverride(%d, %d) = %v, want %v", tt.lod, tt.renderer, got, tt.want)
			}
			if !tt.want && g.Overrides().Len() != before {
				t.Errorf("rejected override was stored: Len() = %d, want %d", g.Overrides().Len(), before)
			}
		})
	}
	if in.AddMaterialPropertyOverride(key, 0, 0, "", mgl32.Vec4{}, false) {
		t.Error("AddMaterialPropertyOverride() with an empty property = true")
	}
}

func TestOptionalRendererMask(t *testing.T) {
	in, _ := newInstancer(t, nil)
	renderer := func(optional bool) prototype.Renderer {
		return prototype.Renderer{
			Mesh:      prototype.CubeMesh(1, [4]float32{1, 1, 1, 1}),
			Materials: []*prototype.Material{prototype.NewMaterial("m", "lit")},
			Optional:  optional,
		}
	}
	proto, err := prototype.New("tree", prototype.WithLOD(0, renderer(false), renderer(true)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := register(t, in, proto, WithInitialBufferSize(2))

	if !in.SetOptionalRendererMask(key, 1, 0) {
		t.Fatal("SetOptionalRendererMask() = false")
	}
	g, _ := in.Group(key)
	if got := g.TransformData().Mask(1); got != 0 {
		t.Errorf("Mask(1) = %#x, want 0", got)
	}
	if in.SetOptionalRendererMask(key, 2, 1) {
		t.Error("SetOptionalRendererMask() past the slice = true")
	}

	plain := register(t, in, cube(t), WithInitialBufferSize(2))
	if in.SetOptionalRendererMask(plain, 0, 1) {
		t.Error("SetOptionalRendererMask() without optional renderers = true")
	}
}

func newCamera() camera.Camera {
	return camera.NewCamera(
		camera.WithController(camera.NewOrbitController(camera.WithOrbit(10, 0, 0))),
		camera.WithViewport(64, 64),
	)
}

func TestFrameCullsEveryCamera(t *testing.T) {
	var rendered []uint64
	in, d := newInstancer(t, nil, WithRenderFunc(func(ctx *visibility.CameraContext) error {
		rendered = append(rendered, ctx.Camera().ID())
		return nil
	}))
	key := register(t, in, cube(t))
	in.SetTransformBufferData(key, translations(3, -1), 0, 0, 3, true)

	cam := newCamera()
	ctx := in.AddCamera(cam)
	if ctx == nil {
		t.Fatal("AddCamera() = nil")
	}
	if again := in.AddCamera(cam); again != ctx {
		t.Error("AddCamera() twice returned a different context")
	}

	var order []string
	in.OnPreCull(func(*visibility.CameraContext) { order = append(order, "cull") })
	in.OnPreRender(func(*visibility.CameraContext) { order = append(order, "render") })
	in.OnPostRender(func(*visibility.CameraContext) { order = append(order, "post") })

	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if len(order) != 3 || order[0] != "cull" || order[1] != "render" || order[2] != "post" {
		t.Errorf("hook order = %v, want [cull render post]", order)
	}
	if len(rendered) != 1 || rendered[0] != cam.ID() {
		t.Errorf("rendered = %v, want [%d]", rendered, cam.ID())
	}

	g, _ := in.Group(key)
	base, ok := ctx.EntryBase(g.ID())
	if !ok {
		t.Fatal("EntryBase() = false after Frame")
	}
	var entries []visibility.Entry
	ctx.ReadbackEntries(func(data []visibility.Entry, ok bool) {
		if ok {
			entries = data
		}
	})
	d.Poll(true)
	if len(entries) <= base+1 {
		t.Fatalf("read back %d entries, want more than %d", len(entries), base+1)
	}
	if got := entries[base+visibility.EntryIndex(0, prototype.PassInstance)].VisibleCount; got != 3 {
		t.Errorf("instance visible count = %d, want 3", got)
	}
	if got := entries[base+visibility.EntryIndex(0, prototype.PassShadow)].VisibleCount; got != 3 {
		t.Errorf("shadow visible count = %d, want 3", got)
	}
	if s := in.Stats(); s.Frame != 1 || len(s.Culled) != 1 || s.Culled[0].Groups != 1 {
		t.Errorf("Stats() = %+v, want frame 1 with one culled group", s)
	}
}

func TestDisposeReleasesCameraEntries(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))
	in.SetTransformBufferData(key, translations(2, 0), 0, 0, 2, true)
	ctx := in.AddCamera(newCamera())
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	g, _ := in.Group(key)
	if ctx.Commands().Len() == 0 {
		t.Fatal("no draw commands after Frame")
	}

	in.DisposeRenderer(key)
	if _, ok := ctx.EntryBase(g.ID()); ok {
		t.Error("EntryBase() still reserved after the group was released")
	}
	if n := ctx.Commands().Len(); n != 0 {
		t.Errorf("Commands().Len() = %d after release, want 0", n)
	}
	if err := in.Frame(); err != nil {
		t.Errorf("Frame() with no groups error = %v", err)
	}
}

func firstX(d gpu.SoftwareDevice, buf gpu.Buffer) float32 {
	words := gpu.BytesAs[uint32](d.BufferBytes(buf))
	return transform.Translation(prototype.EncodingMatrix, words[:16]).X()
}

func TestMotionVectorsLagOneFrame(t *testing.T) {
	var g rendersource.Group
	var d gpu.SoftwareDevice
	type sample struct{ world, previous float32 }
	var rendered []sample

	in, dev := newInstancer(t, nil, WithRenderFunc(func(*visibility.CameraContext) error {
		data := g.TransformData()
		rendered = append(rendered, sample{firstX(d, data.WorldBuffer()), firstX(d, data.PreviousBuffer())})
		return nil
	}))
	d = dev
	profile := prototype.NewProfile(prototype.WithMotionVectors(true), prototype.WithEncoding(prototype.EncodingMatrix))
	key, ok := in.RegisterRenderer(nil, cube(t), profile)
	if !ok {
		t.Fatal("RegisterRenderer() = false")
	}
	g, _ = in.Group(key)
	in.AddCamera(newCamera())

	in.SetTransformBufferData(key, translations(2, 0), 0, 0, 2, true)
	if err := in.Frame(); err != nil {
		t.Fatalf("first Frame() error = %v", err)
	}
	if got := firstX(d, g.TransformData().PreviousBuffer()); got != 0 {
		t.Errorf("previous after first frame = %v, want 0", got)
	}

	in.SetTransformBufferData(key, translations(2, 100), 0, 0, 2, false)
	if got := firstX(d, g.TransformData().PreviousBuffer()); got != 0 {
		t.Errorf("previous before second frame = %v, want 0", got)
	}
	if err := in.Frame(); err != nil {
		t.Fatalf("second Frame() error = %v", err)
	}
	if got := firstX(d, g.TransformData().PreviousBuffer()); got != 100 {
		t.Errorf("previous after second frame = %v, want 100", got)
	}
	if err := in.Frame(); err != nil {
		t.Fatalf("third Frame() error = %v", err)
	}

	want := []sample{{0, 0}, {100, 0}, {100, 100}}
	if len(rendered) != len(want) {
		t.Fatalf("rendered %d frames, want %d", len(rendered), len(want))
	}
	for i, w := range want {
		if rendered[i] != w {
			t.Errorf("frame %d rendered world %v previous %v, want %v %v",
				i+1, rendered[i].world, rendered[i].previous, w.world, w.previous)
		}
	}
}

func TestMutationsFromHooksApplyNextFrame(t *testing.T) {
	in, _ := newInstancer(t, nil)
	proto := cube(t)
	key := register(t, in, proto)
	in.SetTransformBufferData(key, translations(4, 0), 0, 0, 4, true)
	in.AddCamera(newCamera())

	var extra RendererKey
	var counts []int
	in.OnPreRender(func(*visibility.CameraContext) {
		if extra == 0 {
			if !in.SetInstanceCount(key, 2) {
				t.Error("SetInstanceCount() during a frame = false")
			}
			var ok bool
			extra, ok = in.RegisterRenderer(nil, proto, prototype.Profile{})
			if !ok {
				t.Error("RegisterRenderer() during a frame = false")
			}
			if !in.SetTransformBufferData(extra, translations(3, 50), 0, 0, 3, true) {
				t.Error("SetTransformBufferData() on a queued renderer = false")
			}
			if in.SetInstanceCount(RendererKey(999), 1) {
				t.Error("SetInstanceCount() on an unknown key during a frame = true")
			}
		}
		n, _ := in.InstanceCount(key)
		counts = append(counts, n)
	})

	if err := in.Frame(); err != nil {
		t.Fatalf("first Frame() error = %v", err)
	}
	if n, _ := in.InstanceCount(key); n != 4 {
		t.Errorf("InstanceCount() after the frame = %d, want 4 until the next frame", n)
	}
	if s := in.Stats(); s.Renderers != 1 {
		t.Errorf("Stats().Renderers = %d, want 1 until the next frame", s.Renderers)
	}

	if err := in.Frame(); err != nil {
		t.Fatalf("second Frame() error = %v", err)
	}
	if len(counts) != 2 || counts[0] != 4 || counts[1] != 2 {
		t.Errorf("instance counts seen by the hook = %v, want [4 2]", counts)
	}
	if n, ok := in.InstanceCount(extra); !ok || n != 3 {
		t.Errorf("InstanceCount(extra) = %d, %v, want 3, true", n, ok)
	}
	if s := in.Stats(); s.Renderers != 2 || s.Groups != 1 {
		t.Errorf("Stats() = %+v, want two renderers in one group", s)
	}
}

func TestDisposeFromHookKeepsGroupForTheFrame(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))
	in.SetTransformBufferData(key, translations(2, 0), 0, 0, 2, true)
	ctx := in.AddCamera(newCamera())
	g, _ := in.Group(key)

	disposed := false
	in.OnPreCull(func(*visibility.CameraContext) {
		if !disposed {
			disposed = true
			in.DisposeRenderer(key)
		}
	})
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if _, ok := ctx.EntryBase(g.ID()); !ok {
		t.Error("group released in the middle of the frame that disposed it")
	}

	if err := in.Frame(); err != nil {
		t.Fatalf("second Frame() error = %v", err)
	}
	if s := in.Stats(); s.Renderers != 0 || s.Groups != 0 {
		t.Errorf("Stats() = %+v, want no renderers or groups", s)
	}
	if _, ok := ctx.EntryBase(g.ID()); ok {
		t.Error("EntryBase() still reserved after the queued disposal ran")
	}
}

func TestShutdownDuringFrame(t *testing.T) {
	in, _ := newInstancer(t, nil)
	in.AddCamera(newCamera())

	var nested error
	in.OnPostRender(func(*visibility.CameraContext) {
		nested = in.Frame()
		in.Shutdown()
		if in.State() != StateReady {
			t.Errorf("State() inside the frame = %v, want ready", in.State())
		}
	})
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if !errors.Is(nested, ErrFrameInProgress) {
		t.Errorf("nested Frame() error = %v, want ErrFrameInProgress", nested)
	}
	if in.State() != StateShutdown {
		t.Errorf("State() after the frame = %v, want shutdown", in.State())
	}
	if err := in.Frame(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Frame() after Shutdown error = %v, want ErrShutdown", err)
	}
}

func TestMutationsConcurrentWithFrames(t *testing.T) {
	in, _ := newInstancer(t, nil)
	proto := cube(t)
	key := register(t, in, proto)
	in.SetTransformBufferData(key, translations(8, 0), 0, 0, 8, true)
	in.AddCamera(newCamera())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			n := 8 + i%16
			in.SetInstanceCount(key, n)
			in.SetTransformBufferData(key, translations(n, float32(i)), 0, 0, n, false)
			if extra, ok := in.RegisterRenderer(nil, proto, prototype.Profile{}); ok {
				in.SetTransformBufferData(extra, translations(2, 500), 0, 0, 2, true)
				in.DisposeRenderer(extra)
			}
		}
	}()

	for i := range 40 {
		if err := in.Frame(); err != nil {
			t.Errorf("Frame() %d error = %v", i, err)
		}
	}
	close(done)
	wg.Wait()
	// apply whatever the last frame queued
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	if s := in.Stats(); s.Renderers != 1 || s.Groups != 1 {
		t.Errorf("Stats() = %+v, want one renderer in one group", s)
	}
	g, _ := in.Group(key)
	offset := 0
	for _, src := range g.Sources() {
		if src.Start() != offset {
			t.Errorf("source %d Start() = %d, want %d", src.Key(), src.Start(), offset)
		}
		offset += src.Size()
	}
	if offset != g.BufferSize() || g.TransformData().Len() != g.BufferSize() {
		t.Errorf("slices cover %d, BufferSize() = %d, data Len() = %d", offset, g.BufferSize(), g.TransformData().Len())
	}
}

func TestRemoveCamera(t *testing.T) {
	in, _ := newInstancer(t, nil)
	cam := newCamera()
	ctx := in.AddCamera(cam)
	in.RemoveCamera(cam)

	if _, ok := in.Camera(cam); ok {
		t.Error("Camera() found a removed camera")
	}
	if ctx.State() != visibility.StateDisposed {
		t.Errorf("context state = %v, want disposed", ctx.State())
	}
}

func waitSnapshots(t *testing.T, in *Instancer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for in.PendingSnapshots() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("snapshots still pending")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))
	in.SetTransformBufferData(key, translations(4, 10), 0, 0, 4, true)

	blob, err := in.CaptureSnapshot(key)
	if err != nil {
		t.Fatalf("CaptureSnapshot() error = %v", err)
	}
	in.SetInstanceCount(key, 1)
	in.SetTransformBufferData(key, translations(1, -50), 0, 0, 1, true)

	if !in.LoadSnapshot(key, blob) {
		t.Fatal("LoadSnapshot() = false")
	}
	waitSnapshots(t, in)
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	if n, _ := in.InstanceCount(key); n != 4 {
		t.Fatalf("InstanceCount() = %d, want 4", n)
	}
	g, _ := in.Group(key)
	for i := range 4 {
		if x := g.TransformData().Transform(i).Col(3).X(); x != float32(10+i) {
			t.Errorf("Transform(%d).x = %v, want %v", i, x, 10+i)
		}
	}
}

func TestSnapshotRejectsOtherEncoding(t *testing.T) {
	in, _ := newInstancer(t, nil)
	proto := cube(t)
	matrix := register(t, in, proto)
	in.SetTransformBufferData(matrix, translations(2, 0), 0, 0, 2, true)
	blob, err := in.CaptureSnapshot(matrix)
	if err != nil {
		t.Fatalf("CaptureSnapshot() error = %v", err)
	}

	compact, ok := in.RegisterRenderer(nil, proto, prototype.NewProfile(prototype.WithEncoding(prototype.EncodingCompact)))
	if !ok {
		t.Fatal("RegisterRenderer(compact) = false")
	}
	if in.LoadSnapshot(compact, blob) {
		t.Error("LoadSnapshot() across encodings = true")
	}
	if in.LoadSnapshot(matrix, []byte("junk")) {
		t.Error("LoadSnapshot() with a corrupt blob = true")
	}
}

func TestCancelSnapshotsDropsResults(t *testing.T) {
	in, _ := newInstancer(t, nil)
	key := register(t, in, cube(t))
	in.SetTransformBufferData(key, translations(3, 0), 0, 0, 3, true)
	blob, _ := in.CaptureSnapshot(key)
	in.SetInstanceCount(key, 1)

	in.LoadSnapshot(key, blob)
	in.CancelSnapshots()
	waitSnapshots(t, in)
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if n, _ := in.InstanceCount(key); n != 1 {
		t.Errorf("InstanceCount() = %d, want 1", n)
	}
}

func TestLifecycle(t *testing.T) {
	d := gpu.NewSoftwareDevice()
	in := New(d)
	if err := in.Frame(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Frame() before Init error = %v, want ErrNotInitialized", err)
	}
	if err := in.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := in.Init(); err != nil {
		t.Errorf("second Init() error = %v", err)
	}
	in.Shutdown()
	in.Shutdown()
	if err := in.Frame(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Frame() after Shutdown error = %v, want ErrShutdown", err)
	}
	if err := in.Init(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Init() after Shutdown error = %v, want ErrShutdown", err)
	}
	if _, ok := in.RegisterRenderer(nil, nil, prototype.Profile{}); ok {
		t.Error("RegisterRenderer() after Shutdown = true")
	}
}
