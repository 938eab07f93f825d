package renderer

import (
	"strings"
	"testing"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
)

func newTestGroup(t *testing.T, enc prototype.TransformEncoding, offset mgl32.Mat4) rendersource.Group {
	t.Helper()
	d := gpu.NewSoftwareDevice()
	mesh := prototype.CubeMesh(1, [4]float32{1, 1, 1, 1})
	proto, err := prototype.New("cube", prototype.WithLOD(0, prototype.Renderer{
		Mesh:       mesh,
		Materials:  []*prototype.Material{prototype.NewMaterial("m", "lit").WithProperty(colorProperty, mgl32.Vec4{0, 1, 0, 1})},
		ShadowMode: prototype.ShadowModeOn,
		Offset:     offset,
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	profile := prototype.NewProfile(prototype.WithEncoding(enc))
	data := transform.NewBufferData(d, "group", profile, 0)
	t.Cleanup(data.Dispose)
	return rendersource.NewGroup(data, proto, profile, 0, nil)
}

func command(g rendersource.Group, pass prototype.Pass, argsOffset uint64) visibility.DrawCommand {
	lod := g.Prototype().LODs()[0]
	return visibility.DrawCommand{
		Group:      g,
		Pass:       pass,
		Optional:   -1,
		Material:   lod.Renderers[0].Materials[0],
		Mesh:       lod.Renderers[0].Mesh,
		ArgsOffset: argsOffset,
	}
}

func TestPlanDrawsFiltersPasses(t *testing.T) {
	g := newTestGroup(t, prototype.EncodingMatrix, mgl32.Mat4{})
	cmds := []visibility.DrawCommand{
		command(g, prototype.PassInstance, 0),
		command(g, prototype.PassShadow, visibility.IndirectArgsSize),
		command(g, prototype.PassInstance, 2*visibility.IndirectArgsSize),
	}
	items, skipped := planDraws(cmds, prototype.PassInstance)
	if len(items) != 2 || skipped != 1 {
		t.Fatalf("planDraws() = %d items, %d skipped, want 2 and 1", len(items), skipped)
	}
	if items[0].cmd.ArgsOffset != 0 || items[1].cmd.ArgsOffset != 2*visibility.IndirectArgsSize {
		t.Errorf("args offsets = %d, %d", items[0].cmd.ArgsOffset, items[1].cmd.ArgsOffset)
	}
}

func TestPlanDrawsSkipsMissingGeometry(t *testing.T) {
	g := newTestGroup(t, prototype.EncodingMatrix, mgl32.Mat4{})
	noMesh := command(g, prototype.PassInstance, 0)
	noMesh.Mesh = nil
	badSubmesh := command(g, prototype.PassInstance, 0)
	badSubmesh.Submesh = 5

	items, skipped := planDraws([]visibility.DrawCommand{noMesh, badSubmesh}, prototype.PassInstance)
	if len(items) != 0 || skipped != 2 {
		t.Fatalf("planDraws() = %d items, %d skipped, want 0 and 2", len(items), skipped)
	}
}

func TestPlanDrawsGroupsByEncoding(t *testing.T) {
	compressed := newTestGroup(t, prototype.EncodingCompressed, mgl32.Mat4{})
	matrix := newTestGroup(t, prototype.EncodingMatrix, mgl32.Mat4{})
	compact := newTestGroup(t, prototype.EncodingCompact, mgl32.Mat4{})
	cmds := []visibility.DrawCommand{
		command(compressed, prototype.PassInstance, 0),
		command(matrix, prototype.PassInstance, 20),
		command(compact, prototype.PassInstance, 40),
		command(matrix, prototype.PassInstance, 60),
	}
	items, _ := planDraws(cmds, prototype.PassInstance)
	want := []uint64{20, 60, 40, 0}
	for i, item := range items {
		if item.cmd.ArgsOffset != want[i] {
			t.Fatalf("item %d args offset = %d, want %d", i, item.cmd.ArgsOffset, want[i])
		}
	}
}

func TestColorResolution(t *testing.T) {
	g := newTestGroup(t, prototype.EncodingMatrix, mgl32.Mat4{})
	cmd := command(g, prototype.PassInstance, 0)

	if got := colorOf(cmd); got != (mgl32.Vec4{0, 1, 0, 1}) {
		t.Errorf("material color = %v", got)
	}
	cmd.Properties = rendersource.PropertyBlock{colorProperty: {1, 0, 0, 1}}
	if got := colorOf(cmd); got != (mgl32.Vec4{1, 0, 0, 1}) {
		t.Errorf("override color = %v", got)
	}
	cmd.Properties = nil
	cmd.Material = nil
	if got := colorOf(cmd); got != (mgl32.Vec4{1, 1, 1, 1}) {
		t.Errorf("fallback color = %v", got)
	}
}

func TestDrawUniformCarriesOffset(t *testing.T) {
	offset := mgl32.Translate3D(0, 3, 0)
	g := newTestGroup(t, prototype.EncodingMatrix, offset)
	plain := newTestGroup(t, prototype.EncodingMatrix, mgl32.Mat4{})

	items, _ := planDraws([]visibility.DrawCommand{command(g, prototype.PassInstance, 0)}, prototype.PassInstance)
	u := newDrawUniform(items[0])
	if u.Offset != offset || u.Flags[0] != 0 {
		t.Errorf("uniform = %+v", u)
	}

	items, _ = planDraws([]visibility.DrawCommand{command(plain, prototype.PassInstance, 0)}, prototype.PassInstance)
	if items[0].offset != mgl32.Ident4() {
		t.Errorf("zero offset should resolve to identity, got %v", items[0].offset)
	}
}

func TestShaderSourceResolvesDecode(t *testing.T) {
	for _, enc := range []prototype.TransformEncoding{prototype.EncodingMatrix, prototype.EncodingCompact, prototype.EncodingCompressed} {
		src, err := shaderSource(enc)
		if err != nil {
			t.Fatalf("shaderSource(%s) error = %v", enc, err)
		}
		if strings.Contains(src, "//@oxy:include") {
			t.Errorf("%s: unresolved include", enc)
		}
		if !strings.Contains(src, "fn load_transform") || !strings.Contains(src, "fn vs_main") {
			t.Errorf("%s: missing entry points or decode", enc)
		}
	}
}
