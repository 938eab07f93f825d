package importer

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/go-gl/mathgl/mgl32"
)

// triangleBuffer packs one counter-clockwise triangle in the XY plane: three float positions
// followed by three uint16 indices padded to four bytes.
func triangleBuffer() []byte {
	positions := []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}
	buf := make([]byte, 0, 44)
	for _, f := range positions {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	for _, i := range []uint16{0, 1, 2} {
		buf = binary.LittleEndian.AppendUint16(buf, i)
	}
	return append(buf, 0, 0)
}

func ptr[T any](v T) *T { return &v }

// triangleDoc describes one mesh drawn by each named node. The buffer URI is left empty.
func triangleDoc(nodes ...gltfNode) gltfDocument {
	doc := gltfDocument{
		Asset: gltfAsset{Version: "2.0"},
		Meshes: []gltfMesh{{
			Name: "tri",
			Primitives: []gltfPrimitive{{
				Attributes: map[string]int{"POSITION": 0},
				Indices:    ptr(1),
				Material:   ptr(0),
			}},
		}},
		Accessors: []gltfAccessor{
			{BufferView: ptr(0), ComponentType: gltfComponentTypeFloat, Count: 3, Type: gltfAccessorTypeVec3},
			{BufferView: ptr(1), ComponentType: gltfComponentTypeUnsignedShort, Count: 3, Type: gltfAccessorTypeScalar},
		},
		BufferViews: []gltfBufferView{
			{Buffer: 0, ByteLength: 36},
			{Buffer: 0, ByteOffset: 36, ByteLength: 6},
		},
		Buffers: []gltfBuffer{{ByteLength: 44}},
		Materials: []gltfMaterial{{
			Name:                 "stone",
			PbrMetallicRoughness: &gltfPbrMetallicRoughness{BaseColorFactor: &[4]float32{0.5, 0.25, 1, 1}},
		}},
	}
	for i := range nodes {
		if nodes[i].Mesh == nil {
			nodes[i].Mesh = ptr(0)
		}
		doc.Nodes = append(doc.Nodes, nodes[i])
	}
	return doc
}

func embedded(t *testing.T, doc gltfDocument) []byte {
	t.Helper()
	doc.Buffers[0].URI = "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(triangleBuffer())
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func glb(t *testing.T, doc gltfDocument, bin []byte) []byte {
	t.Helper()
	js, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}
	total := glbHeaderSize + glbChunkHeader + len(js) + glbChunkHeader + len(bin)
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, glbMagic)
	out = binary.LittleEndian.AppendUint32(out, glbVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(js)))
	out = binary.LittleEndian.AppendUint32(out, glbChunkJSON)
	out = append(out, js...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(bin)))
	out = binary.LittleEndian.AppendUint32(out, glbChunkBIN)
	return append(out, bin...)
}

func TestParseGroupsLODsByNodeName(t *testing.T) {
	doc := triangleDoc(
		gltfNode{Name: "Rock_LOD1", Translation: &[3]float32{0, 2, 0}},
		gltfNode{Name: "Rock_LOD0"},
	)
	p, err := NewImporter().Parse("rock", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Name() != "rock" {
		t.Fatalf("name = %q", p.Name())
	}
	lods := p.LODs()
	if len(lods) != 2 {
		t.Fatalf("got %d LODs, want 2", len(lods))
	}
	if lods[0].ScreenRelativeHeight != 0.6 || lods[1].ScreenRelativeHeight != 0 {
		t.Fatalf("thresholds = %v, %v", lods[0].ScreenRelativeHeight, lods[1].ScreenRelativeHeight)
	}
	if got := lods[0].Renderers[0].Offset; got != mgl32.Ident4() {
		t.Fatalf("LOD0 offset = %v, want identity", got)
	}
	if got := lods[1].Renderers[0].Offset.Col(3); got != (mgl32.Vec4{0, 2, 0, 1}) {
		t.Fatalf("LOD1 translation = %v", got)
	}
	if lods[0].Renderers[0].Mesh != lods[1].Renderers[0].Mesh {
		t.Fatal("nodes sharing a mesh should share the imported mesh")
	}
}

func TestParseThresholdOverride(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "a_lod0"}, gltfNode{Name: "a_lod3"})
	p, err := NewImporter(WithLODThresholds(0.5, 0.1), WithCrossFade(0.2)).Parse("a", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	th := p.Thresholds()
	if len(th) != 2 || th[0] != 0.5 || th[1] != 0.1 {
		t.Fatalf("thresholds = %v", th)
	}
	if p.CrossFade() != 0.2 {
		t.Fatalf("cross fade = %v", p.CrossFade())
	}
}

func TestParseChildTransforms(t *testing.T) {
	doc := triangleDoc(
		gltfNode{Name: "root", Mesh: ptr(-1), Children: []int{1}, Translation: &[3]float32{1, 0, 0}, Scale: &[3]float32{2, 2, 2}},
		gltfNode{Name: "child", Translation: &[3]float32{0, 0, 3}},
	)
	doc.Nodes[0].Mesh = nil
	doc.Scenes = []gltfScene{{Nodes: []int{0}}}
	doc.Scene = ptr(0)

	p, err := NewImporter().Parse("nested", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.LODCount() != 1 || len(p.LODs()[0].Renderers) != 1 {
		t.Fatalf("unexpected layout: %d LODs", p.LODCount())
	}
	if got := p.LODs()[0].Renderers[0].Offset.Col(3); got != (mgl32.Vec4{1, 0, 6, 1}) {
		t.Fatalf("world translation = %v", got)
	}
}

func TestParseGLB(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "tri"})
	p, err := NewImporter(WithShader("unlit")).Parse("glb", glb(t, doc, triangleBuffer()))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	r := p.LODs()[0].Renderers[0]
	if len(r.Mesh.Indices) != 3 || len(r.Mesh.Vertices) != 3 {
		t.Fatalf("mesh has %d vertices and %d indices", len(r.Mesh.Vertices), len(r.Mesh.Indices))
	}
	if r.Materials[0].Shader != "unlit" {
		t.Fatalf("shader = %q", r.Materials[0].Shader)
	}
}

func TestMaterialMapping(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "tri"})
	doc.Materials[0].EmissiveFactor = &[3]float32{1, 0, 0}
	doc.Materials[0].AlphaMode = "MASK"
	p, err := NewImporter().Parse("mat", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := p.LODs()[0].Renderers[0].Materials[0]
	if m.Name != "stone" {
		t.Fatalf("material name = %q", m.Name)
	}
	if got := m.Properties["_Color"]; got != (mgl32.Vec4{0.5, 0.25, 1, 1}) {
		t.Fatalf("_Color = %v", got)
	}
	if got := m.Properties["_Emission"]; got != (mgl32.Vec4{1, 0, 0, 1}) {
		t.Fatalf("_Emission = %v", got)
	}
	if got := m.Properties["_Cutoff"][0]; got != 0.5 {
		t.Fatalf("_Cutoff = %v", got)
	}
}

func TestMissingMaterialUsesDefault(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "tri"})
	doc.Meshes[0].Primitives[0].Material = nil
	p, err := NewImporter().Parse("plain", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := p.LODs()[0].Renderers[0].Materials[0]
	if m.Name != "default" || m.Properties["_Color"] != (mgl32.Vec4{1, 1, 1, 1}) {
		t.Fatalf("default material = %+v", m)
	}
}

func TestGeneratedNormals(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "tri"})
	p, err := NewImporter().Parse("n", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for i, v := range p.LODs()[0].Renderers[0].Mesh.Vertices {
		if v.Normal != [3]float32{0, 0, 1} {
			t.Fatalf("vertex %d normal = %v, want +Z", i, v.Normal)
		}
	}
}

func TestMeshBounds(t *testing.T) {
	doc := triangleDoc(gltfNode{Name: "tri"})
	p, err := NewImporter().Parse("b", embedded(t, doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	b := p.LODs()[0].Renderers[0].Mesh.Bounds
	if b.Center != (mgl32.Vec3{0.5, 0.5, 0}) || b.Extents != (mgl32.Vec3{0.5, 0.5, 0}) {
		t.Fatalf("bounds = %+v", b)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		target error
	}{
		{
			name: "version",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Asset.Version = "1.0"
				return embedded(t, doc)
			},
			target: ErrInvalidVersion,
		},
		{
			name: "glb version",
			data: func(t *testing.T) []byte {
				data := glb(t, triangleDoc(gltfNode{Name: "tri"}), triangleBuffer())
				binary.LittleEndian.PutUint32(data[4:], 1)
				return data
			},
			target: ErrInvalidGLB,
		},
		{
			name: "glb truncated",
			data: func(t *testing.T) []byte {
				data := glb(t, triangleDoc(gltfNode{Name: "tri"}), triangleBuffer())
				return data[:len(data)-8]
			},
			target: ErrInvalidGLB,
		},
		{
			name: "no position",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Meshes[0].Primitives[0].Attributes = map[string]int{"NORMAL": 0}
				return embedded(t, doc)
			},
			target: ErrAccessor,
		},
		{
			name: "lines",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Meshes[0].Primitives[0].Mode = ptr(1)
				return embedded(t, doc)
			},
			target: ErrUnsupportedMode,
		},
		{
			name: "index past vertices",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Accessors[0].Count = 2
				return embedded(t, doc)
			},
			target: ErrAccessor,
		},
		{
			name: "accessor overrun",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Accessors[1].ByteOffset = 40
				return embedded(t, doc)
			},
			target: ErrAccessor,
		},
		{
			name: "external buffer",
			data: func(t *testing.T) []byte {
				doc := triangleDoc(gltfNode{Name: "tri"})
				doc.Buffers[0].URI = "tri.bin"
				data, _ := json.Marshal(doc)
				return data
			},
			target: ErrBufferURI,
		},
		{
			name: "no mesh nodes",
			data: func(t *testing.T) []byte {
				doc := triangleDoc()
				return embedded(t, doc)
			},
			target: prototype.ErrNoLODs,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewImporter().Parse(tt.name, tt.data(t))
			if !errors.Is(err, tt.target) {
				t.Fatalf("err = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestLoadCachesByPath(t *testing.T) {
	dir := t.TempDir()
	doc := triangleDoc(gltfNode{Name: "tri"})
	doc.Buffers[0].URI = "tri.bin"
	js, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	path := filepath.Join(dir, "tri.gltf")
	if err := os.WriteFile(path, js, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tri.bin"), triangleBuffer(), 0o644); err != nil {
		t.Fatal(err)
	}

	im := NewImporter()
	first, err := im.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if first.Name() != "tri" {
		t.Fatalf("name = %q, want file stem", first.Name())
	}
	second, err := im.Load(filepath.Join(dir, ".", "tri.gltf"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if first.ID() != second.ID() {
		t.Fatal("second load should hit the cache")
	}
	if _, ok := im.Cached(path); !ok {
		t.Fatal("Cached should report the loaded path")
	}

	im.Evict(path)
	if _, ok := im.Cached(path); ok {
		t.Fatal("Evict should drop the path")
	}
	third, err := im.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if third.ID() == first.ID() {
		t.Fatal("load after evict should import again")
	}
}
