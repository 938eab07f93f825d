package importer

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/go-gl/mathgl/mgl32"
)

// extractMesh merges every primitive of a glTF mesh into one prototype mesh, one submesh per
// primitive. The returned slice holds each primitive's material index, -1 when unset.
func (p *gltfParser) extractMesh(index int) (*prototype.Mesh, []int, error) {
	if index < 0 || index >= len(p.doc.Meshes) {
		return nil, nil, fmt.Errorf("mesh index %d out of range", index)
	}
	src := &p.doc.Meshes[index]
	mesh := &prototype.Mesh{Name: common.Coalesce(src.Name, fmt.Sprintf("mesh_%d", index))}

	materials := make([]int, 0, len(src.Primitives))
	var bounds common.Bounds
	for pi := range src.Primitives {
		prim := &src.Primitives[pi]
		vertices, indices, err := p.extractPrimitive(prim)
		if err != nil {
			return nil, nil, fmt.Errorf("mesh %d primitive %d: %w", index, pi, err)
		}

		mesh.Submeshes = append(mesh.Submeshes, prototype.Submesh{
			IndexCount: uint32(len(indices)),
			FirstIndex: uint32(len(mesh.Indices)),
			BaseVertex: int32(len(mesh.Vertices)),
		})
		mesh.Vertices = append(mesh.Vertices, vertices...)
		mesh.Indices = append(mesh.Indices, indices...)

		b := vertexBounds(vertices)
		if pi == 0 {
			bounds = b
		} else {
			bounds = bounds.Encapsulate(b)
		}

		mat := -1
		if prim.Material != nil {
			mat = *prim.Material
		}
		materials = append(materials, mat)
	}
	mesh.Bounds = bounds
	return mesh, materials, nil
}

func (p *gltfParser) extractPrimitive(prim *gltfPrimitive) ([]prototype.Vertex, []uint32, error) {
	if prim.Mode != nil && *prim.Mode != gltfPrimitiveModeTriangles {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, *prim.Mode)
	}
	posAccessor, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: primitive has no POSITION", ErrAccessor)
	}
	positions, err := p.readFloats(posAccessor, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read positions: %w", err)
	}

	vertices := make([]prototype.Vertex, len(positions))
	for i, pos := range positions {
		vertices[i].Position = [3]float32{pos[0], pos[1], pos[2]}
		vertices[i].Color = [4]float32{1, 1, 1, 1}
	}

	hasNormals := false
	if a, ok := prim.Attributes["NORMAL"]; ok {
		normals, err := p.readFloats(a, 3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read normals: %w", err)
		}
		for i := range min(len(normals), len(vertices)) {
			vertices[i].Normal = [3]float32{normals[i][0], normals[i][1], normals[i][2]}
		}
		hasNormals = true
	}

	if a, ok := prim.Attributes["COLOR_0"]; ok {
		colors, err := p.readFloats(a, 3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read colors: %w", err)
		}
		rgb := componentCount(p.doc.Accessors[a].Type) == 3
		for i := range min(len(colors), len(vertices)) {
			c := colors[i]
			if rgb {
				c[3] = 1
			}
			vertices[i].Color = c
		}
	}

	var indices []uint32
	if prim.Indices != nil {
		if indices, err = p.readIndices(*prim.Indices); err != nil {
			return nil, nil, fmt.Errorf("failed to read indices: %w", err)
		}
		for _, idx := range indices {
			if int(idx) >= len(vertices) {
				return nil, nil, fmt.Errorf("%w: index %d past %d vertices", ErrAccessor, idx, len(vertices))
			}
		}
	} else {
		indices = make([]uint32, len(vertices))
		for i := range indices {
			indices[i] = uint32(i)
		}
	}

	if !hasNormals {
		generateNormals(vertices, indices)
	}
	return vertices, indices, nil
}

// generateNormals accumulates area-weighted face normals onto each vertex. Vertices no
// triangle touches get +Y.
func generateNormals(vertices []prototype.Vertex, indices []uint32) {
	accum := make([]mgl32.Vec3, len(vertices))
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
		p0 := mgl32.Vec3(vertices[i0].Position)
		e1 := mgl32.Vec3(vertices[i1].Position).Sub(p0)
		e2 := mgl32.Vec3(vertices[i2].Position).Sub(p0)
		face := e1.Cross(e2)
		accum[i0] = accum[i0].Add(face)
		accum[i1] = accum[i1].Add(face)
		accum[i2] = accum[i2].Add(face)
	}
	for i, n := range accum {
		if n.Len() < 1e-6 {
			vertices[i].Normal = [3]float32{0, 1, 0}
			continue
		}
		vertices[i].Normal = n.Normalize()
	}
}

func vertexBounds(vertices []prototype.Vertex) common.Bounds {
	if len(vertices) == 0 {
		return common.Bounds{}
	}
	lo := mgl32.Vec3(vertices[0].Position)
	hi := lo
	for _, v := range vertices[1:] {
		for c := range 3 {
			lo[c] = min(lo[c], v.Position[c])
			hi[c] = max(hi[c], v.Position[c])
		}
	}
	return common.BoundsFromMinMax(lo, hi)
}

// extractMaterial maps a glTF PBR material onto the property slots the reference shader reads.
func (p *gltfParser) extractMaterial(index int, shader string) *prototype.Material {
	if index < 0 || index >= len(p.doc.Materials) {
		return prototype.NewMaterial("default", shader).WithProperty("_Color", mgl32.Vec4{1, 1, 1, 1})
	}
	src := &p.doc.Materials[index]
	m := prototype.NewMaterial(common.Coalesce(src.Name, fmt.Sprintf("material_%d", index)), shader)

	color := mgl32.Vec4{1, 1, 1, 1}
	metallic, roughness := float32(1), float32(1)
	if pbr := src.PbrMetallicRoughness; pbr != nil {
		if pbr.BaseColorFactor != nil {
			color = *pbr.BaseColorFactor
		}
		if pbr.MetallicFactor != nil {
			metallic = *pbr.MetallicFactor
		}
		if pbr.RoughnessFactor != nil {
			roughness = *pbr.RoughnessFactor
		}
	}
	m.WithProperty("_Color", color)
	m.WithProperty("_Metallic", mgl32.Vec4{metallic})
	m.WithProperty("_Roughness", mgl32.Vec4{roughness})
	if src.EmissiveFactor != nil {
		e := src.EmissiveFactor
		m.WithProperty("_Emission", mgl32.Vec4{e[0], e[1], e[2], 1})
	}
	if src.AlphaMode == "MASK" {
		cutoff := float32(0.5)
		if src.AlphaCutoff != nil {
			cutoff = *src.AlphaCutoff
		}
		m.WithProperty("_Cutoff", mgl32.Vec4{cutoff})
	}
	return m
}

// localMatrix returns a node's transform relative to its parent.
func localMatrix(n *gltfNode) mgl32.Mat4 {
	if n.Matrix != nil {
		return mgl32.Mat4(*n.Matrix)
	}
	pos := mgl32.Vec3{}
	if n.Translation != nil {
		pos = *n.Translation
	}
	rot := mgl32.QuatIdent()
	if n.Rotation != nil {
		r := n.Rotation
		rot = mgl32.Quat{W: r[3], V: mgl32.Vec3{r[0], r[1], r[2]}}
	}
	scale := mgl32.Vec3{1, 1, 1}
	if n.Scale != nil {
		scale = *n.Scale
	}
	return common.ComposeTRS(pos, rot, scale)
}
