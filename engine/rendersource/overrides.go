package rendersource

import (
	"maps"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Unscoped matches every LOD or every renderer in an override key.
const Unscoped = -1

// PropertyBlock maps material property names to values.
type PropertyBlock map[string]mgl32.Vec4

// OverrideKey addresses one override. LOD and Renderer may be Unscoped.
type OverrideKey struct {
	LOD      int
	Renderer int
	Property string
}

type override struct {
	value      mgl32.Vec4
	persistent bool
}

// MaterialOverrides is a group's table of draw-time material property overrides. Persistent
// unscoped overrides are baked into the shared block; the rest are layered per LOD and renderer
// at draw time, the most specific key winning.
type MaterialOverrides struct {
	mu      *sync.Mutex
	entries map[OverrideKey]override
	shared  PropertyBlock
	dirty   bool
	version uint64
}

// NewMaterialOverrides creates an empty table.
func NewMaterialOverrides() *MaterialOverrides {
	return &MaterialOverrides{
		mu:      &sync.Mutex{},
		entries: make(map[OverrideKey]override),
		shared:  PropertyBlock{},
	}
}

// Add sets an override, replacing an existing one with the same key.
//
// Parameters:
//   - lod: LOD index or Unscoped
//   - renderer: renderer index or Unscoped
//   - property: the material property name
//   - value: the override value
//   - persistent: keep across frames in the shared block when also unscoped
func (o *MaterialOverrides) Add(lod, renderer int, property string, value mgl32.Vec4, persistent bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.entries[OverrideKey{LOD: lod, Renderer: renderer, Property: property}] = override{value: value, persistent: persistent}
	o.dirty = true
	o.version++
}

// Remove deletes every override of a property, whatever its scope.
//
// Returns:
//   - bool: true if anything was removed
func (o *MaterialOverrides) Remove(property string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := false
	for k := range o.entries {
		if k.Property == property {
			delete(o.entries, k)
			removed = true
		}
	}
	if removed {
		o.dirty = true
		o.version++
	}
	return removed
}

// Clear deletes every override.
func (o *MaterialOverrides) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return
	}
	clear(o.entries)
	o.dirty = true
	o.version++
}

// Len returns the number of overrides.
func (o *MaterialOverrides) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Version increases with every change, so callers can cache resolved blocks.
func (o *MaterialOverrides) Version() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.version
}

// Recompute rebuilds the shared block if the table changed. Calling it again is cheap.
func (o *MaterialOverrides) Recompute() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recomputeLocked()
}

func (o *MaterialOverrides) recomputeLocked() {
	if !o.dirty {
		return
	}
	shared := PropertyBlock{}
	for k, v := range o.entries {
		if v.persistent && k.LOD == Unscoped && k.Renderer == Unscoped {
			shared[k.Property] = v.value
		}
	}
	o.shared = shared
	o.dirty = false
}

// SharedBlock returns a copy of the baked persistent unscoped overrides.
func (o *MaterialOverrides) SharedBlock() PropertyBlock {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.recomputeLocked()
	return maps.Clone(o.shared)
}

// Resolve returns the shared block overlaid with every override applying to the LOD and
// renderer: first unscoped, then LOD-only, then renderer-only, then exact.
//
// Parameters:
//   - lod: the LOD index
//   - renderer: the renderer index
//
// Returns:
//   - PropertyBlock: the resolved values
func (o *MaterialOverrides) Resolve(lod, renderer int) PropertyBlock {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.recomputeLocked()
	out := maps.Clone(o.shared)
	for _, scope := range [4][2]int{
		{Unscoped, Unscoped},
		{lod, Unscoped},
		{Unscoped, renderer},
		{lod, renderer},
	} {
		for k, v := range o.entries {
			if k.LOD != scope[0] || k.Renderer != scope[1] {
				continue
			}
			if v.persistent && k.LOD == Unscoped && k.Renderer == Unscoped {
				continue
			}
			out[k.Property] = v.value
		}
	}
	return out
}
