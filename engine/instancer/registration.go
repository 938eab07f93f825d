package instancer

import (
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/rendersource"
)

// RendererKey identifies a registered renderer. The zero key is never issued.
type RendererKey uint64

// Valid reports whether the key could name a registration.
func (k RendererKey) Valid() bool { return k != 0 }

// registration is the instancer's record of one renderer.
type registration struct {
	key    RendererKey
	owner  any
	group  rendersource.Group
	source *rendersource.Source
}

type registerConfig struct {
	groupID     int
	keywords    []string
	initialSize int
}

// RegisterOption configures a RegisterRenderer call.
type RegisterOption func(*registerConfig)

// WithGroupID places the renderer in a caller-chosen partition. Renderers only share buffers
// when their group ids match.
//
// Parameters:
//   - id: the partition, 0 for the default
//
// Returns:
//   - RegisterOption: functional option to set the group id
func WithGroupID(id int) RegisterOption {
	return func(c *registerConfig) {
		c.groupID = id
	}
}

// WithKeywords sets the shader keywords the renderer's materials are drawn with.
//
// Parameters:
//   - keywords: shader keywords, order and duplicates ignored
//
// Returns:
//   - RegisterOption: functional option to set the keywords
func WithKeywords(keywords ...string) RegisterOption {
	return func(c *registerConfig) {
		c.keywords = keywords
	}
}

// WithInitialBufferSize reserves slice capacity at registration.
//
// Parameters:
//   - n: instances to reserve
//
// Returns:
//   - RegisterOption: functional option to set the initial size
func WithInitialBufferSize(n int) RegisterOption {
	return func(c *registerConfig) {
		c.initialSize = n
	}
}

// validPrototype reports the first reason a prototype cannot be registered.
func validPrototype(proto prototype.Prototype) error {
	if proto == nil || proto.LODCount() == 0 {
		return prototype.ErrNoLODs
	}
	if len(proto.OptionalRenderers()) > 0 && proto.LODCount() != 1 {
		return prototype.ErrOptionalNeedsOneLOD
	}
	for _, lod := range proto.LODs() {
		if len(lod.Renderers) == 0 {
			return prototype.ErrNoRenderers
		}
		for _, r := range lod.Renderers {
			switch {
			case r.Mesh == nil:
				return prototype.ErrNoMesh
			case len(r.Mesh.Submeshes) == 0:
				return prototype.ErrNoSubmeshes
			case len(r.Materials) == 0:
				return prototype.ErrNoMaterials
			}
		}
	}
	return nil
}

// validOverrideScope reports whether lod and renderer address part of proto. Either may be
// rendersource.Unscoped; with an unscoped LOD the renderer index must exist in some LOD.
func validOverrideScope(proto prototype.Prototype, lod, renderer int) bool {
	lods := proto.LODs()
	if lod < rendersource.Unscoped || lod >= len(lods) {
		return false
	}
	switch {
	case renderer == rendersource.Unscoped:
		return true
	case renderer < 0:
		return false
	case lod != rendersource.Unscoped:
		return renderer < len(lods[lod].Renderers)
	}
	for _, l := range lods {
		if renderer < len(l.Renderers) {
			return true
		}
	}
	return false
}
