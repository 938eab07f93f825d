package prototype

import (
	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/go-gl/mathgl/mgl32"
)

// Vertex is the interleaved vertex layout consumed by the reference renderer.
type Vertex struct {
	// Position is the object-space position.
	Position [3]float32

	// Normal is the object-space normal.
	Normal [3]float32

	// Color is the linear RGBA vertex color.
	Color [4]float32
}

// Submesh is one indexed range of a mesh, drawn with its own material.
type Submesh struct {
	// IndexCount is the number of indices in the range.
	IndexCount uint32

	// FirstIndex is the offset of the first index in the shared index buffer.
	FirstIndex uint32

	// BaseVertex is added to every index before fetching a vertex.
	BaseVertex int32
}

// Mesh is a vertex and index stream split into submeshes. Vertices and Indices may be empty
// when the host keeps its own geometry and only the submesh ranges matter.
type Mesh struct {
	Name      string
	Vertices  []Vertex
	Indices   []uint32
	Submeshes []Submesh
	Bounds    common.Bounds
}

// cubeFace holds four corner positions and the shared face normal.
type cubeFace struct {
	positions [4][3]float32
	normal    [3]float32
}

var cubeFaces = [6]cubeFace{
	// +X
	{positions: [4][3]float32{{0.5, -0.5, -0.5}, {0.5, 0.5, -0.5}, {0.5, 0.5, 0.5}, {0.5, -0.5, 0.5}}, normal: [3]float32{1, 0, 0}},
	// -X
	{positions: [4][3]float32{{-0.5, -0.5, 0.5}, {-0.5, 0.5, 0.5}, {-0.5, 0.5, -0.5}, {-0.5, -0.5, -0.5}}, normal: [3]float32{-1, 0, 0}},
	// +Y
	{positions: [4][3]float32{{-0.5, 0.5, -0.5}, {-0.5, 0.5, 0.5}, {0.5, 0.5, 0.5}, {0.5, 0.5, -0.5}}, normal: [3]float32{0, 1, 0}},
	// -Y
	{positions: [4][3]float32{{-0.5, -0.5, 0.5}, {-0.5, -0.5, -0.5}, {0.5, -0.5, -0.5}, {0.5, -0.5, 0.5}}, normal: [3]float32{0, -1, 0}},
	// +Z
	{positions: [4][3]float32{{-0.5, -0.5, 0.5}, {0.5, -0.5, 0.5}, {0.5, 0.5, 0.5}, {-0.5, 0.5, 0.5}}, normal: [3]float32{0, 0, 1}},
	// -Z
	{positions: [4][3]float32{{0.5, -0.5, -0.5}, {-0.5, -0.5, -0.5}, {-0.5, 0.5, -0.5}, {0.5, 0.5, -0.5}}, normal: [3]float32{0, 0, -1}},
}

// CubeMesh builds an axis-aligned cube with edge length size, 24 vertices and one submesh.
//
// Parameters:
//   - size: the edge length
//   - color: the vertex color for every face
//
// Returns:
//   - *Mesh: the cube mesh
func CubeMesh(size float32, color [4]float32) *Mesh {
	vertices := make([]Vertex, 0, 24)
	for _, face := range cubeFaces {
		for _, p := range face.positions {
			vertices = append(vertices, Vertex{
				Position: [3]float32{p[0] * size, p[1] * size, p[2] * size},
				Normal:   face.normal,
				Color:    color,
			})
		}
	}

	indices := make([]uint32, 0, 36)
	for fi := range 6 {
		base := uint32(fi * 4)
		indices = append(indices,
			base+0, base+1, base+2,
			base+0, base+2, base+3,
		)
	}

	half := size / 2
	return &Mesh{
		Name:      "cube",
		Vertices:  vertices,
		Indices:   indices,
		Submeshes: []Submesh{{IndexCount: 36}},
		Bounds:    common.Bounds{Extents: mgl32.Vec3{half, half, half}},
	}
}

// QuadMesh builds a double-sided quad of the given size in the XY plane. The front and back
// faces are separate submeshes so each can carry its own material.
//
// Parameters:
//   - width: extent along X
//   - height: extent along Y
//   - color: the vertex color
//
// Returns:
//   - *Mesh: the quad mesh
func QuadMesh(width, height float32, color [4]float32) *Mesh {
	w, h := width/2, height/2
	front := [3]float32{0, 0, 1}
	back := [3]float32{0, 0, -1}
	vertices := []Vertex{
		{Position: [3]float32{-w, -h, 0}, Normal: front, Color: color},
		{Position: [3]float32{w, -h, 0}, Normal: front, Color: color},
		{Position: [3]float32{w, h, 0}, Normal: front, Color: color},
		{Position: [3]float32{-w, h, 0}, Normal: front, Color: color},
		{Position: [3]float32{-w, -h, 0}, Normal: back, Color: color},
		{Position: [3]float32{w, -h, 0}, Normal: back, Color: color},
		{Position: [3]float32{w, h, 0}, Normal: back, Color: color},
		{Position: [3]float32{-w, h, 0}, Normal: back, Color: color},
	}
	indices := []uint32{
		0, 1, 2, 0, 2, 3,
		0, 2, 1, 0, 3, 2,
	}
	return &Mesh{
		Name:     "quad",
		Vertices: vertices,
		Indices:  indices,
		Submeshes: []Submesh{
			{IndexCount: 6, FirstIndex: 0},
			{IndexCount: 6, FirstIndex: 6, BaseVertex: 4},
		},
		Bounds: common.Bounds{Extents: mgl32.Vec3{w, h, 0}},
	}
}
