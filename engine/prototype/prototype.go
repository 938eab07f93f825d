package prototype

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrNoLODs              = errors.New("prototype has no LODs")
	ErrNoRenderers         = errors.New("LOD has no renderers")
	ErrNoMesh              = errors.New("renderer has no mesh")
	ErrNoSubmeshes         = errors.New("mesh has no submeshes")
	ErrNoMaterials         = errors.New("renderer has no materials")
	ErrThresholdOrder      = errors.New("LOD thresholds must be strictly decreasing")
	ErrOptionalNeedsOneLOD = errors.New("optional renderers require exactly one LOD")
)

// ShadowMode selects which passes a renderer is drawn in.
type ShadowMode int

const (
	ShadowModeOff ShadowMode = iota
	ShadowModeOn
	ShadowModeShadowsOnly
)

// Pass is a draw pass of the visibility pipeline.
type Pass int

const (
	PassInstance Pass = iota
	PassShadow

	// PassCount is the number of passes per LOD.
	PassCount = 2
)

func (p Pass) String() string {
	if p == PassShadow {
		return "shadow"
	}
	return "instance"
}

// Renderer is one drawable part of an LOD.
type Renderer struct {
	// Mesh is the geometry; every submesh becomes one draw command.
	Mesh *Mesh

	// Materials are matched to submeshes by index. Extra submeshes reuse the last material.
	Materials []*Material

	// ShadowMode selects the passes this renderer appears in.
	ShadowMode ShadowMode

	// Offset is applied before the instance transform. The zero matrix means identity.
	Offset mgl32.Mat4

	// Optional renderers are toggled per instance through the optional-renderer mask.
	Optional bool
}

// DrawsIn reports whether the renderer takes part in the given pass.
func (r *Renderer) DrawsIn(pass Pass) bool {
	switch r.ShadowMode {
	case ShadowModeOff:
		return pass == PassInstance
	case ShadowModeShadowsOnly:
		return pass == PassShadow
	default:
		return true
	}
}

// LOD is one level of detail, used while the instance's screen-relative height is at least
// ScreenRelativeHeight.
type LOD struct {
	Renderers            []Renderer
	ScreenRelativeHeight float32
}

// Draw describes one indirect draw command of a prototype.
type Draw struct {
	// Renderer is the renderer index within its LOD.
	Renderer int

	// Submesh is the submesh index within the renderer's mesh.
	Submesh int

	Material   *Material
	IndexCount uint32
	FirstIndex uint32
	BaseVertex int32
}

var prototypeIDs atomic.Uint64

// prototype is the implementation of the Prototype interface.
type prototype struct {
	id        uint64
	name      string
	lods      []LOD
	bounds    *common.Bounds
	crossFade float32
	optional  []int
}

// Prototype is the immutable description instances are drawn from: an ordered list of LODs,
// fine to coarse, plus local bounds and LOD transition settings.
type Prototype interface {
	// ID returns the process-unique identity of the prototype.
	//
	// Returns:
	//   - uint64: the prototype id
	ID() uint64

	// Name returns the debug name.
	//
	// Returns:
	//   - string: the name
	Name() string

	// LODs returns the levels of detail, fine to coarse. The slice must not be modified.
	//
	// Returns:
	//   - []LOD: the levels
	LODs() []LOD

	// LODCount returns the number of LODs.
	//
	// Returns:
	//   - int: the LOD count
	LODCount() int

	// Bounds returns the local-space bounding box covering every LOD.
	//
	// Returns:
	//   - common.Bounds: the bounds
	Bounds() common.Bounds

	// CrossFade returns the width of the LOD cross-fade band as a fraction of each
	// threshold, or 0 when cross-fading is off.
	//
	// Returns:
	//   - float32: the fade width
	CrossFade() float32

	// Thresholds returns the screen-relative height threshold of each LOD.
	//
	// Returns:
	//   - []float32: one threshold per LOD
	Thresholds() []float32

	// OptionalRenderers returns the renderer indices of the optional renderers in LOD 0.
	//
	// Returns:
	//   - []int: renderer indices, in order
	OptionalRenderers() []int

	// Draws returns the draw commands of the non-optional renderers of an LOD in a pass.
	//
	// Parameters:
	//   - lod: the LOD index
	//   - pass: the pass
	//
	// Returns:
	//   - []Draw: one draw per renderer submesh, in renderer order
	Draws(lod int, pass Pass) []Draw

	// OptionalDraws returns the draw commands of one optional renderer in a pass.
	//
	// Parameters:
	//   - optional: index into OptionalRenderers
	//   - pass: the pass
	//
	// Returns:
	//   - []Draw: one draw per submesh
	OptionalDraws(optional int, pass Pass) []Draw

	// EntryCount returns the number of visibility entries the prototype needs per camera.
	//
	// Returns:
	//   - int: (LODCount + len(OptionalRenderers)) * PassCount
	EntryCount() int
}

var _ Prototype = &prototype{}

// New creates and validates a Prototype.
//
// Parameters:
//   - name: the debug name
//   - options: functional options, at least one WithLOD
//
// Returns:
//   - Prototype: the prototype
//   - error: if the description is not renderable
func New(name string, options ...PrototypeBuilderOption) (Prototype, error) {
	p := &prototype{name: name}
	for _, opt := range options {
		opt(p)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid prototype %q: %w", name, err)
	}

	for li := range p.lods {
		for ri := range p.lods[li].Renderers {
			r := &p.lods[li].Renderers[ri]
			if r.Offset == (mgl32.Mat4{}) {
				r.Offset = mgl32.Ident4()
			}
			if li == 0 && r.Optional {
				p.optional = append(p.optional, ri)
			}
		}
	}
	p.id = prototypeIDs.Add(1)
	return p, nil
}

// FromModel builds a single-LOD prototype drawing every submesh of mesh with mat, never culled
// by size and casting shadows.
//
// Parameters:
//   - name: the debug name
//   - mesh: the geometry
//   - mat: the material for every submesh
//   - options: extra options applied after the LOD
//
// Returns:
//   - Prototype: the prototype
//   - error: if mesh or mat is missing
func FromModel(name string, mesh *Mesh, mat *Material, options ...PrototypeBuilderOption) (Prototype, error) {
	var mats []*Material
	if mat != nil {
		mats = []*Material{mat}
	}
	opts := append([]PrototypeBuilderOption{
		WithLOD(0, Renderer{Mesh: mesh, Materials: mats, ShadowMode: ShadowModeOn}),
	}, options...)
	return New(name, opts...)
}

func (p *prototype) validate() error {
	if len(p.lods) == 0 {
		return ErrNoLODs
	}
	hasOptional := false
	for li, lod := range p.lods {
		if len(lod.Renderers) == 0 {
			return fmt.Errorf("LOD %d: %w", li, ErrNoRenderers)
		}
		if li > 0 && lod.ScreenRelativeHeight >= p.lods[li-1].ScreenRelativeHeight {
			return fmt.Errorf("LOD %d: %w", li, ErrThresholdOrder)
		}
		for ri, r := range lod.Renderers {
			switch {
			case r.Mesh == nil:
				return fmt.Errorf("LOD %d renderer %d: %w", li, ri, ErrNoMesh)
			case len(r.Mesh.Submeshes) == 0:
				return fmt.Errorf("LOD %d renderer %d: %w", li, ri, ErrNoSubmeshes)
			case len(r.Materials) == 0:
				return fmt.Errorf("LOD %d renderer %d: %w", li, ri, ErrNoMaterials)
			}
			for _, m := range r.Materials {
				if m == nil {
					return fmt.Errorf("LOD %d renderer %d: %w", li, ri, ErrNoMaterials)
				}
			}
			hasOptional = hasOptional || r.Optional
		}
	}
	if hasOptional && len(p.lods) != 1 {
		return fmt.Errorf("%d LODs: %w", len(p.lods), ErrOptionalNeedsOneLOD)
	}
	return nil
}

func (p *prototype) ID() uint64 { return p.id }

func (p *prototype) Name() string { return p.name }

func (p *prototype) LODs() []LOD { return p.lods }

func (p *prototype) LODCount() int { return len(p.lods) }

func (p *prototype) CrossFade() float32 { return p.crossFade }

func (p *prototype) OptionalRenderers() []int { return p.optional }

func (p *prototype) EntryCount() int { return (len(p.lods) + len(p.optional)) * PassCount }

func (p *prototype) Bounds() common.Bounds {
	if p.bounds != nil {
		return *p.bounds
	}
	var out common.Bounds
	first := true
	for _, lod := range p.lods {
		for _, r := range lod.Renderers {
			b := r.Mesh.Bounds.Transform(r.Offset)
			if first {
				out = b
				first = false
				continue
			}
			out = out.Encapsulate(b)
		}
	}
	return out
}

func (p *prototype) Thresholds() []float32 {
	out := make([]float32, len(p.lods))
	for i, lod := range p.lods {
		out[i] = lod.ScreenRelativeHeight
	}
	return out
}

func (p *prototype) Draws(lod int, pass Pass) []Draw {
	if lod < 0 || lod >= len(p.lods) {
		return nil
	}
	var out []Draw
	for ri := range p.lods[lod].Renderers {
		r := &p.lods[lod].Renderers[ri]
		if r.Optional || !r.DrawsIn(pass) {
			continue
		}
		out = appendDraws(out, ri, r)
	}
	return out
}

func (p *prototype) OptionalDraws(optional int, pass Pass) []Draw {
	if optional < 0 || optional >= len(p.optional) {
		return nil
	}
	ri := p.optional[optional]
	r := &p.lods[0].Renderers[ri]
	if !r.DrawsIn(pass) {
		return nil
	}
	return appendDraws(nil, ri, r)
}

func appendDraws(out []Draw, ri int, r *Renderer) []Draw {
	for si, sm := range r.Mesh.Submeshes {
		out = append(out, Draw{
			Renderer:   ri,
			Submesh:    si,
			Material:   r.Materials[min(si, len(r.Materials)-1)],
			IndexCount: sm.IndexCount,
			FirstIndex: sm.FirstIndex,
			BaseVertex: sm.BaseVertex,
		})
	}
	return out
}
