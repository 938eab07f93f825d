package visibility

import (
	"errors"
	"math"
	"testing"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/occlusion"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/go-gl/mathgl/mgl32"
)

const testFov = math.Pi / 3

type testCamera struct {
	id       uint64
	pos      mgl32.Vec3
	reversed bool
	size     int
	depth    gpu.Texture
}

func (c *testCamera) ID() uint64           { return c.id }
func (c *testCamera) EyeCount() int        { return 1 }
func (c *testCamera) Position() mgl32.Vec3 { return c.pos }
func (c *testCamera) ReversedZ() bool      { return c.reversed }
func (c *testCamera) Viewport() (int, int) { return c.size, c.size }

func (c *testCamera) DepthTexture() gpu.Texture { return c.depth }

func (c *testCamera) ProjectionScale() float32 {
	return float32(1 / math.Tan(testFov/2))
}

func (c *testCamera) EyeViewProjection(int) mgl32.Mat4 {
	view := mgl32.LookAtV(c.pos, c.pos.Sub(mgl32.Vec3{0, 0, 1}), mgl32.Vec3{0, 1, 0})
	return common.Perspective(testFov, 1, 0.1, 1000, c.reversed).Mul4(view)
}

type testEnv struct {
	device gpu.SoftwareDevice
	params buffer.ParameterBuffer
	camera *testCamera
	ctx    *CameraContext
}

func newTestEnv(t *testing.T, deviceOptions []gpu.DeviceBuilderOption, options ...CameraContextBuilderOption) *testEnv {
	t.Helper()
	d := gpu.NewSoftwareDevice(deviceOptions...)
	lib := gpu.NewShaderLibrary(nil)
	for _, register := range []func(gpu.Device, *gpu.ShaderLibrary) error{
		transform.RegisterKernels,
		occlusion.RegisterKernels,
		RegisterKernels,
	} {
		if err := register(d, lib); err != nil {
			t.Fatalf("RegisterKernels() error = %v", err)
		}
	}
	env := &testEnv{
		device: d,
		params: buffer.NewParameterBuffer(d, "params"),
		camera: &testCamera{id: 1, pos: mgl32.Vec3{0, 0, 10}, size: 64},
	}
	env.ctx = NewCameraContext(d, env.camera, env.params, options...)
	if err := env.ctx.Initialize(d.Capabilities()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(env.ctx.Dispose)
	return env
}

func cubeRenderer(optional bool) prototype.Renderer {
	return prototype.Renderer{
		Mesh:       prototype.CubeMesh(1, [4]float32{1, 1, 1, 1}),
		Materials:  []*prototype.Material{prototype.NewMaterial("m", "lit")},
		ShadowMode: prototype.ShadowModeOn,
		Optional:   optional,
	}
}

func (env *testEnv) group(t *testing.T, proto prototype.Prototype, profile prototype.Profile, positions ...mgl32.Vec3) rendersource.Group {
	t.Helper()
	data := transform.NewBufferData(env.device, "group", profile, 0, transform.WithInstanceMasks(len(proto.OptionalRenderers()) > 0))
	g := rendersource.NewGroup(data, proto, profile, 0, nil)
	if len(positions) == 0 {
		return g
	}
	src := g.AddSource(1, nil, len(positions))
	transforms := make([]mgl32.Mat4, len(positions))
	for i, p := range positions {
		transforms[i] = mgl32.Translate3D(p[0], p[1], p[2])
	}
	if !g.SetTransforms(src, transforms, 0, 0, len(transforms), true) {
		t.Fatal("SetTransforms() = false")
	}
	return g
}

func (env *testEnv) entries(t *testing.T) []Entry {
	t.Helper()
	var got []Entry
	if !env.ctx.ReadbackEntries(func(data []Entry, ok bool) {
		if ok {
			got = data
		}
	}) {
		t.Fatal("ReadbackEntries() = false")
	}
	env.device.Poll(true)
	return got
}

func (env *testEnv) instances(t *testing.T) []VisibleInstance {
	t.Helper()
	var got []VisibleInstance
	if !env.ctx.ReadbackInstances(func(data []VisibleInstance, ok bool) {
		if ok {
			got = data
		}
	}) {
		t.Fatal("ReadbackInstances() = false")
	}
	env.device.Poll(true)
	return got
}

func (env *testEnv) args() []IndirectArgs {
	return gpu.BytesAs[IndirectArgs](env.device.BufferBytes(env.ctx.ArgsBuffer()))
}

func mustFromModel(t *testing.T) prototype.Prototype {
	t.Helper()
	p, err := prototype.FromModel("cube", prototype.CubeMesh(1, [4]float32{1, 1, 1, 1}), prototype.NewMaterial("m", "lit"))
	if err != nil {
		t.Fatalf("FromModel() error = %v", err)
	}
	return p
}

func TestCullCountsVisibleInstances(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	profile := prototype.NewProfile(prototype.WithShadowDistance(50))
	g := env.group(t, mustFromModel(t), profile,
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{1, 0, 0},
		mgl32.Vec3{0, 0, 20}, // behind the camera
	)

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	base, ok := env.ctx.EntryBase(g.ID())
	if !ok {
		t.Fatal("EntryBase() = false after Cull")
	}

	entries := env.entries(t)
	if got := entries[base+EntryIndex(0, prototype.PassInstance)].VisibleCount; got != 2 {
		t.Errorf("instance pass VisibleCount = %d, want 2", got)
	}
	if got := entries[base+EntryIndex(0, prototype.PassShadow)].VisibleCount; got != 3 {
		t.Errorf("shadow pass VisibleCount = %d, want 3", got)
	}
	if entries[base].Tag != TagInstance || entries[base+1].Tag != TagShadow {
		t.Errorf("tags = %v, %v, want instance, shadow", entries[base].Tag, entries[base+1].Tag)
	}

	args := env.args()
	want := []IndirectArgs{
		{IndexCount: 36, InstanceCount: 2, FirstInstance: 0},
		{IndexCount: 36, InstanceCount: 3, FirstInstance: 3},
	}
	for i, w := range want {
		if args[i] != w {
			t.Errorf("args[%d] = %+v, want %+v", i, args[i], w)
		}
	}

	inst := env.instances(t)
	seen := map[uint32]bool{inst[0].Index: true, inst[1].Index: true}
	if !seen[0] || !seen[1] || inst[0].Fade != 1 {
		t.Errorf("visible instances = %+v, want indices 0 and 1 with fade 1", inst[:2])
	}

	stats := env.ctx.Stats()
	if stats.Dispatches != 3 || stats.Groups != 1 || stats.Commands != 2 || stats.Skipped != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCullSkipsEmptyGroups(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	empty := env.group(t, mustFromModel(t), prototype.NewProfile())

	if err := env.ctx.Cull([]rendersource.Group{empty, nil}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	if _, ok := env.ctx.EntryBase(empty.ID()); ok {
		t.Error("empty group got an entry reservation")
	}
	stats := env.ctx.Stats()
	if stats.Skipped != 2 || stats.Groups != 0 || stats.Dispatches != 1 || stats.Commands != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCullDispatchesPerRange(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	g := env.group(t, mustFromModel(t), prototype.NewProfile(), mgl32.Vec3{}, mgl32.Vec3{}, mgl32.Vec3{}, mgl32.Vec3{})
	partial := g.AddSource(2, nil, 4)
	if !g.SetInstanceCount(partial, 2) {
		t.Fatal("SetInstanceCount() = false")
	}

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	if got := env.ctx.Stats().Dispatches; got != 4 {
		t.Errorf("Stats().Dispatches = %d, want 4", got)
	}
}

func TestCullSelectsLOD(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	proto, err := prototype.New("lods",
		prototype.WithLOD(0.5, cubeRenderer(false)),
		prototype.WithLOD(0.01, cubeRenderer(false)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g := env.group(t, proto, prototype.NewProfile(prototype.WithShadowDistance(0)),
		mgl32.Vec3{0, 0, 8},    // relative height 0.75
		mgl32.Vec3{0, 0, 0},    // 0.15
		mgl32.Vec3{0, 0, -490}, // 0.003, past the last LOD
	)

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	base, _ := env.ctx.EntryBase(g.ID())
	entries := env.entries(t)
	for lod, want := range []uint32{1, 1} {
		if got := entries[base+EntryIndex(lod, prototype.PassInstance)].VisibleCount; got != want {
			t.Errorf("LOD %d VisibleCount = %d, want %d", lod, got, want)
		}
		if got := entries[base+EntryIndex(lod, prototype.PassShadow)].VisibleCount; got != 0 {
			t.Errorf("LOD %d shadow VisibleCount = %d, want 0", lod, got)
		}
	}
	inst := env.instances(t)
	if inst[0].Index != 0 {
		t.Errorf("LOD 0 instance = %d, want 0", inst[0].Index)
	}
	// LOD 1 instance entry region starts after two regions of three
	if inst[6].Index != 1 {
		t.Errorf("LOD 1 instance = %d, want 1", inst[6].Index)
	}
}

func TestCullCrossFade(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	proto, err := prototype.New("fade",
		prototype.WithLOD(0.5, cubeRenderer(false)),
		prototype.WithLOD(0, cubeRenderer(false)),
		prototype.WithCrossFade(0.5),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	profile := prototype.NewProfile(prototype.WithLODCrossFade(true), prototype.WithShadowDistance(0))
	g := env.group(t, proto, profile, mgl32.Vec3{0, 0, 7.5}) // relative height 0.6

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	base, _ := env.ctx.EntryBase(g.ID())
	entries := env.entries(t)
	if entries[base].VisibleCount != 1 || entries[base+2].VisibleCount != 1 {
		t.Fatalf("VisibleCount = %d, %d, want 1, 1", entries[base].VisibleCount, entries[base+2].VisibleCount)
	}
	inst := env.instances(t)
	// one instance per entry region
	if diff := inst[0].Fade - 0.4; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("LOD 0 fade = %v, want 0.4", inst[0].Fade)
	}
	if diff := inst[2].Fade - 0.6; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("LOD 1 fade = %v, want 0.6", inst[2].Fade)
	}
}

func TestCullOptionalRendererMasks(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	proto, err := prototype.New("optional", prototype.WithLOD(0, cubeRenderer(false), cubeRenderer(true)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g := env.group(t, proto, prototype.NewProfile(prototype.WithShadowDistance(0)), mgl32.Vec3{}, mgl32.Vec3{1, 0, 0})
	if !g.TransformData().SetMask(1, 0) {
		t.Fatal("SetMask() = false")
	}

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	base, _ := env.ctx.EntryBase(g.ID())
	entries := env.entries(t)
	if got := entries[base+EntryIndex(0, prototype.PassInstance)].VisibleCount; got != 2 {
		t.Errorf("base renderer VisibleCount = %d, want 2", got)
	}
	if got := entries[base+OptionalEntryIndex(1, 0, prototype.PassInstance)].VisibleCount; got != 1 {
		t.Errorf("optional renderer VisibleCount = %d, want 1", got)
	}
	if got := env.ctx.Stats().Commands; got != 4 {
		t.Errorf("Stats().Commands = %d, want 4", got)
	}
}

func TestCullHiZOcclusion(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.ctx.Occlusion() != OcclusionHiZ {
		t.Fatalf("Occlusion() = %v, want hiz", env.ctx.Occlusion())
	}
	depth, err := env.device.CreateTexture(gpu.TextureDescriptor{
		Label:  "depth",
		Width:  64,
		Height: 64,
		Format: gpu.TextureFormatDepth32Float,
	})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	env.camera.depth = depth
	g := env.group(t, mustFromModel(t), prototype.NewProfile(prototype.WithShadowDistance(0)), mgl32.Vec3{})

	tests := []struct {
		depth float32
		want  uint32
	}{
		{depth: 0.5, want: 0},
		{depth: 1, want: 1},
	}
	for frame, tt := range tests {
		texels := make([]float32, 64*64)
		for i := range texels {
			texels[i] = tt.depth
		}
		env.device.WriteTexture(depth, 0, 0, texels)

		if err := env.ctx.Cull([]rendersource.Group{g}, uint64(frame)); err != nil {
			t.Fatalf("Cull() error = %v", err)
		}
		if !env.ctx.Stats().HiZBuilt {
			t.Errorf("frame %d: HiZBuilt = false", frame)
		}
		base, _ := env.ctx.EntryBase(g.ID())
		if got := env.entries(t)[base].VisibleCount; got != tt.want {
			t.Errorf("depth %v: VisibleCount = %d, want %d", tt.depth, got, tt.want)
		}
	}
}

func TestInitializeFallsBackWithoutStorageTextures(t *testing.T) {
	env := newTestEnv(t, []gpu.DeviceBuilderOption{gpu.WithStorageTextures(false)})
	if env.ctx.Occlusion() != OcclusionNone {
		t.Errorf("Occlusion() = %v, want none", env.ctx.Occlusion())
	}
	if env.ctx.Pyramid() != nil {
		t.Error("Pyramid() != nil without storage textures")
	}
	if env.ctx.State() != StateReady {
		t.Errorf("State() = %v, want ready", env.ctx.State())
	}
}

func TestEntryIndicesStayStable(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	profile := prototype.NewProfile()
	a := env.group(t, mustFromModel(t), profile, mgl32.Vec3{})
	b := env.group(t, mustFromModel(t), profile, mgl32.Vec3{}, mgl32.Vec3{})

	if err := env.ctx.Cull([]rendersource.Group{a, b}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	baseB, _ := env.ctx.EntryBase(b.ID())
	if baseB != 2 {
		t.Fatalf("EntryBase(b) = %d, want 2", baseB)
	}

	src := b.Sources()[0]
	if !b.SetBufferSize(src, 40, true) {
		t.Fatal("SetBufferSize() = false")
	}
	env.ctx.ReleaseGroup(a.ID())
	if _, ok := env.ctx.EntryBase(a.ID()); ok {
		t.Error("released group kept its reservation")
	}
	c := env.group(t, mustFromModel(t), profile, mgl32.Vec3{})
	if err := env.ctx.Cull([]rendersource.Group{b, c}, 1); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	if got, _ := env.ctx.EntryBase(b.ID()); got != baseB {
		t.Errorf("EntryBase(b) = %d after resize and release, want %d", got, baseB)
	}
	if got, _ := env.ctx.EntryBase(c.ID()); got != 0 {
		t.Errorf("EntryBase(c) = %d, want the released range at 0", got)
	}
	if got := env.ctx.Stats().Commands; got != 4 {
		t.Errorf("Stats().Commands = %d, want 4 after rebuild", got)
	}
	if got := env.ctx.Entry(baseB).Tag; got != TagInstance {
		t.Errorf("Entry(b).Tag = %v, want instance", got)
	}
}

type noVariants struct{}

func (noVariants) Has(string, []string) bool { return false }

func TestDrawCommands(t *testing.T) {
	errMat := prototype.NewMaterial("error", "error")
	env := newTestEnv(t, nil, WithOcclusion(false), WithShaderVariants(noVariants{}), WithErrorMaterial(errMat))
	g := env.group(t, mustFromModel(t), prototype.NewProfile(), mgl32.Vec3{})
	color := mgl32.Vec4{1, 0, 0, 1}
	g.Overrides().Add(rendersource.Unscoped, rendersource.Unscoped, "_Color", color, false)

	if err := env.ctx.Cull([]rendersource.Group{g}, 0); err != nil {
		t.Fatalf("Cull() error = %v", err)
	}
	cmds := env.ctx.DrawCommands()
	if len(cmds) != 2 {
		t.Fatalf("len(DrawCommands()) = %d, want 2", len(cmds))
	}
	for i, cmd := range cmds {
		if cmd.Material != errMat {
			t.Errorf("command %d material = %v, want error material", i, cmd.Material.Name)
		}
		if cmd.ArgsOffset != uint64(i)*IndirectArgsSize {
			t.Errorf("command %d ArgsOffset = %d, want %d", i, cmd.ArgsOffset, i*IndirectArgsSize)
		}
		if cmd.Properties["_Color"] != color {
			t.Errorf("command %d _Color = %v, want %v", i, cmd.Properties["_Color"], color)
		}
	}
	if cmds[0].Pass != prototype.PassInstance || cmds[1].Pass != prototype.PassShadow {
		t.Errorf("passes = %v, %v", cmds[0].Pass, cmds[1].Pass)
	}
}

func TestUpdateCommandBufferRunsOncePerGroup(t *testing.T) {
	env := newTestEnv(t, nil, WithOcclusion(false))
	g := env.group(t, mustFromModel(t), prototype.NewProfile(), mgl32.Vec3{})

	if n := env.ctx.UpdateCommandBuffer(g); n != 2 {
		t.Fatalf("UpdateCommandBuffer() = %d, want 2", n)
	}
	if n := env.ctx.UpdateCommandBuffer(g); n != 0 {
		t.Errorf("second UpdateCommandBuffer() = %d, want 0", n)
	}

	env.ctx.ReleaseGroup(g.ID())
	if n := env.ctx.UpdateCommandBuffer(g); n != 2 {
		t.Errorf("UpdateCommandBuffer() after ReleaseGroup = %d, want 2", n)
	}
	if n := env.ctx.UpdateCommandBuffer(nil); n != 0 {
		t.Errorf("UpdateCommandBuffer(nil) = %d, want 0", n)
	}
}

func TestCameraContextLifecycle(t *testing.T) {
	d := gpu.NewSoftwareDevice()
	ctx := NewCameraContext(d, &testCamera{id: 7, size: 8}, buffer.NewParameterBuffer(d, "params"))
	if err := ctx.Cull(nil, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Cull() before Initialize error = %v, want ErrNotInitialized", err)
	}
	if err := ctx.Initialize(d.Capabilities()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	ctx.Dispose()
	ctx.Dispose()
	if ctx.State() != StateDisposed {
		t.Errorf("State() = %v, want disposed", ctx.State())
	}
	if err := ctx.Cull(nil, 1); !errors.Is(err, ErrDisposed) {
		t.Errorf("Cull() after Dispose error = %v, want ErrDisposed", err)
	}
	if err := ctx.Initialize(d.Capabilities()); !errors.Is(err, ErrDisposed) {
		t.Errorf("Initialize() after Dispose error = %v, want ErrDisposed", err)
	}
}
