package rendersource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/transform"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

// Parameter block layout, in words from the group's parameter offset.
const (
	ParamLODCount = iota
	ParamCrossFade
	ParamShadowDistance
	ParamMinCullingDistance
	ParamLODBias
	ParamOptionalCount
	_
	_
	ParamBoundsCenter // 3 words + pad
	_
	_
	_
	ParamBoundsExtents // 3 words + pad
	_
	_
	_
	ParamThresholds // one word per LOD
)

var groupIDs atomic.Uint64

// ShaderVariants reports which shader variants exist. Implemented by the host's shader
// registry.
type ShaderVariants interface {
	// Has reports whether shader was compiled for the keyword set.
	Has(shader string, keywords []string) bool
}

type groupImpl struct {
	mu *sync.Mutex

	id        uint64
	key       GroupKey
	proto     prototype.Prototype
	profile   prototype.Profile
	keywords  []string
	sources   []*Source
	size      int
	data      transform.BufferData
	overrides *MaterialOverrides

	paramDirty  bool
	paramOffset int
	disposed    bool
}

// Group is the buffer allocation unit: every source sharing prototype, profile, group id and
// keywords. Sources own contiguous, non-overlapping slices laid out in registration order and
// together covering [0, BufferSize).
type Group interface {
	// ID returns the process-unique group identity.
	//
	// Returns:
	//   - uint64: the group id
	ID() uint64

	// Key returns the grouping key.
	//
	// Returns:
	//   - GroupKey: the key
	Key() GroupKey

	// Prototype returns the shared prototype.
	//
	// Returns:
	//   - prototype.Prototype: the prototype
	Prototype() prototype.Prototype

	// Profile returns the shared profile.
	//
	// Returns:
	//   - prototype.Profile: the profile
	Profile() prototype.Profile

	// Keywords returns the normalized shader keywords.
	//
	// Returns:
	//   - []string: the keywords
	Keywords() []string

	// Sources returns the member sources in layout order.
	//
	// Returns:
	//   - []*Source: a copy of the member list
	Sources() []*Source

	// Source looks up a member by key.
	//
	// Parameters:
	//   - key: the renderer key
	//
	// Returns:
	//   - *Source: the source or nil
	Source(key uint64) *Source

	// BufferSize returns the total element count of the group buffers.
	//
	// Returns:
	//   - int: the sum of member slice sizes
	BufferSize() int

	// InstanceCount returns the total active instance count.
	//
	// Returns:
	//   - int: the sum of member counts
	InstanceCount() int

	// TransformData returns the owned per-instance buffers.
	//
	// Returns:
	//   - transform.BufferData: the buffers
	TransformData() transform.BufferData

	// Overrides returns the material override table.
	//
	// Returns:
	//   - *MaterialOverrides: the table
	Overrides() *MaterialOverrides

	// AddSource appends a source with an empty slice, then sizes it.
	//
	// Parameters:
	//   - key: the renderer key
	//   - owner: the registrant
	//   - size: the initial slice size
	//
	// Returns:
	//   - *Source: the new source, or nil if the size was refused
	AddSource(key uint64, owner any, size int) *Source

	// SetBufferSize resizes a source's slice. Offsets are recomputed in registration order and
	// the buffers are reallocated with the prefix, the source's own data when copyPrevious,
	// and the shifted suffix carried over.
	//
	// Parameters:
	//   - src: a member source
	//   - n: the new slice size
	//   - copyPrevious: keep the source's first min(old, n) elements
	//
	// Returns:
	//   - bool: false if src is not a member or the size was refused
	SetBufferSize(src *Source, n int, copyPrevious bool) bool

	// RemoveSource compacts a source's slice out of the buffers. A refused compaction leaves
	// the source and the buffers untouched.
	//
	// Parameters:
	//   - key: the renderer key
	//
	// Returns:
	//   - bool: true if the group has no sources left
	//   - error: if the slice could not be compacted out
	RemoveSource(key uint64) (bool, error)

	// SetInstanceCount sets a source's active count, growing its slice first when needed.
	//
	// Parameters:
	//   - src: a member source
	//   - n: the new count
	//
	// Returns:
	//   - bool: false if src is not a member or growth was refused
	SetInstanceCount(src *Source, n int) bool

	// SetTransforms writes count transforms from transforms[srcOffset:] to the source's slice at
	// dstOffset, growing the slice when it is too small, and raises the active count to cover
	// the written range.
	//
	// Parameters:
	//   - src: a member source
	//   - transforms: the input transforms
	//   - srcOffset: first input index
	//   - dstOffset: first slice index
	//   - count: number of transforms
	//   - resetMotion: reset the motion vectors of the written instances
	//
	// Returns:
	//   - bool: false on invalid ranges, unknown sources or refused growth
	SetTransforms(src *Source, transforms []mgl32.Mat4, srcOffset, dstOffset, count int, resetMotion bool) bool

	// SetTransformWords is SetTransforms for already encoded elements.
	//
	// Parameters:
	//   - src: a member source
	//   - words: encoded elements
	//   - dstOffset: first slice index
	//   - resetMotion: reset the motion vectors of the written instances
	//
	// Returns:
	//   - bool: false on invalid ranges, unknown sources or refused growth
	SetTransformWords(src *Source, words []uint32, dstOffset int, resetMotion bool) bool

	// DispatchRanges returns the element ranges the visibility pass must cover: contiguous
	// fully populated slices merged, partial slices individually, empty slices skipped.
	//
	// Returns:
	//   - []Range: the ranges in layout order
	DispatchRanges() []Range

	// ParamBlock returns the group's shader parameter words.
	//
	// Returns:
	//   - []float32: the block, laid out by the Param constants
	ParamBlock() []float32

	// Recompute registers the parameter block if it changed. Calling it again is cheap.
	//
	// Parameters:
	//   - params: the shared parameter buffer
	//
	// Returns:
	//   - int: the word offset of the block, or -1 if registration failed
	Recompute(params buffer.ParameterBuffer) int

	// ParamOffset returns the last registered parameter offset.
	//
	// Returns:
	//   - int: the word offset
	//   - bool: false if the block is stale or was never registered
	ParamOffset() (int, bool)

	// ResolveMaterial returns m, or fallback when the shader variant for the group keywords
	// does not exist.
	//
	// Parameters:
	//   - m: the prototype material
	//   - variants: the variant registry, nil to accept everything
	//   - fallback: the error material
	//
	// Returns:
	//   - *prototype.Material: the material to draw with
	ResolveMaterial(m *prototype.Material, variants ShaderVariants, fallback *prototype.Material) *prototype.Material

	// Dispose releases the group buffers. Calling it again is a no-op.
	Dispose()
}

var _ Group = &groupImpl{}

// NewGroup creates an empty group.
//
// Parameters:
//   - data: the per-instance buffers the group takes ownership of, sized 0
//   - proto: the prototype
//   - profile: the profile the buffers were created with
//   - groupID: caller-chosen partition
//   - keywords: shader keywords
//
// Returns:
//   - Group: the group
func NewGroup(data transform.BufferData, proto prototype.Prototype, profile prototype.Profile, groupID int, keywords []string) Group {
	return &groupImpl{
		mu:         &sync.Mutex{},
		id:         groupIDs.Add(1),
		key:        NewGroupKey(proto, profile, groupID, keywords),
		proto:      proto,
		profile:    profile,
		keywords:   NormalizeKeywords(keywords),
		size:       data.Len(),
		data:       data,
		overrides:  NewMaterialOverrides(),
		paramDirty: true,
	}
}

func (g *groupImpl) ID() uint64 { return g.id }

func (g *groupImpl) Key() GroupKey { return g.key }

func (g *groupImpl) Prototype() prototype.Prototype { return g.proto }

func (g *groupImpl) Profile() prototype.Profile { return g.profile }

func (g *groupImpl) Keywords() []string { return g.keywords }

func (g *groupImpl) TransformData() transform.BufferData { return g.data }

func (g *groupImpl) Overrides() *MaterialOverrides { return g.overrides }

func (g *groupImpl) Sources() []*Source {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Source(nil), g.sources...)
}

func (g *groupImpl) Source(key uint64) *Source {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findLocked(key)
}

func (g *groupImpl) findLocked(key uint64) *Source {
	for _, s := range g.sources {
		if s.key == key {
			return s
		}
	}
	return nil
}

func (g *groupImpl) memberLocked(src *Source) bool {
	return src != nil && src.group == Group(g) && !g.disposed
}

func (g *groupImpl) BufferSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

func (g *groupImpl) InstanceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, s := range g.sources {
		n += s.count
	}
	return n
}

func (g *groupImpl) AddSource(key uint64, owner any, size int) *Source {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed || g.findLocked(key) != nil {
		return nil
	}
	src := &Source{key: key, owner: owner, group: g, start: g.size}
	g.sources = append(g.sources, src)
	if size > 0 && !g.setBufferSizeLocked(src, size, true) {
		g.sources = g.sources[:len(g.sources)-1]
		src.group = nil
		return nil
	}
	return src
}

func (g *groupImpl) SetBufferSize(src *Source, n int, copyPrevious bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.memberLocked(src) {
		return false
	}
	return g.setBufferSizeLocked(src, n, copyPrevious)
}

func (g *groupImpl) setBufferSizeLocked(src *Source, n int, copyPrevious bool) bool {
	if n < 0 {
		return false
	}
	if n == src.size {
		return true
	}

	oldStart, oldSize := src.start, src.size
	moves := []transform.Move{{Src: 0, Dst: 0, Count: oldStart}}
	if copyPrevious {
		moves = append(moves, transform.Move{Src: oldStart, Dst: oldStart, Count: min(oldSize, n)})
	}
	suffix := oldStart + oldSize
	moves = append(moves, transform.Move{Src: suffix, Dst: oldStart + n, Count: g.size - suffix})

	newSize := g.size + n - oldSize
	if !g.data.Reallocate(newSize, moves) {
		common.Logger().Warn("group buffer resize refused",
			zap.Uint64("group", g.id),
			zap.Uint64("source", src.key),
			zap.Int("size", n),
		)
		return false
	}

	src.size = n
	src.count = min(src.count, n)
	g.size = newSize
	g.layoutLocked()
	return true
}

// growLocked grows a slice to hold at least n elements, doubling its size so appends reallocate
// a logarithmic number of times. When the doubled size is refused it falls back to exactly n.
// Callers hold g.mu.
func (g *groupImpl) growLocked(src *Source, n int) bool {
	if grown := max(n, 2*src.size); grown > n && g.setBufferSizeLocked(src, grown, true) {
		return true
	}
	return g.setBufferSizeLocked(src, n, true)
}

// layoutLocked recomputes slice offsets by summing sizes in registration order.
func (g *groupImpl) layoutLocked() {
	offset := 0
	for _, s := range g.sources {
		s.start = offset
		offset += s.size
	}
}

func (g *groupImpl) RemoveSource(key uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i, s := range g.sources {
		if s.key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return len(g.sources) == 0, nil
	}

	src := g.sources[idx]
	if src.size > 0 && !g.data.RemoveRange(src.start, src.size) {
		return false, fmt.Errorf("failed to compact source %d out of group %d", key, g.id)
	}
	g.size -= src.size
	g.sources = append(g.sources[:idx], g.sources[idx+1:]...)
	g.layoutLocked()
	src.group = nil
	return len(g.sources) == 0, nil
}

func (g *groupImpl) SetInstanceCount(src *Source, n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.memberLocked(src) || n < 0 {
		return false
	}
	if n > src.size && !g.setBufferSizeLocked(src, n, true) {
		return false
	}
	src.count = n
	return true
}

func (g *groupImpl) SetTransforms(src *Source, transforms []mgl32.Mat4, srcOffset, dstOffset, count int, resetMotion bool) bool {
	if srcOffset < 0 || count < 0 || srcOffset+count > len(transforms) {
		return false
	}
	words := transform.EncodeAll(g.profile.TransformEncoding, transforms[srcOffset:srcOffset+count])
	return g.SetTransformWords(src, words, dstOffset, resetMotion)
}

func (g *groupImpl) SetTransformWords(src *Source, words []uint32, dstOffset int, resetMotion bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.profile.TransformEncoding.Words()
	if !g.memberLocked(src) || dstOffset < 0 || len(words)%w != 0 {
		return false
	}
	count := len(words) / w
	if end := dstOffset + count; end > src.size && !g.growLocked(src, end) {
		return false
	}
	if !g.data.SetWords(src.start+dstOffset, words, resetMotion) {
		return false
	}
	src.count = max(src.count, dstOffset+count)
	return true
}

func (g *groupImpl) DispatchRanges() []Range {
	g.mu.Lock()
	defer g.mu.Unlock()
	return dispatchRanges(g.sources)
}

func (g *groupImpl) ParamBlock() []float32 {
	lods := g.proto.LODCount()
	out := make([]float32, ParamThresholds+lods)
	out[ParamLODCount] = float32(lods)
	if g.profile.LODCrossFade {
		out[ParamCrossFade] = g.proto.CrossFade()
	}
	out[ParamShadowDistance] = g.profile.ShadowDistance
	out[ParamMinCullingDistance] = g.profile.MinCullingDistance
	out[ParamLODBias] = g.profile.LODBias
	out[ParamOptionalCount] = float32(len(g.proto.OptionalRenderers()))
	b := g.proto.Bounds()
	copy(out[ParamBoundsCenter:], b.Center[:])
	copy(out[ParamBoundsExtents:], b.Extents[:])
	copy(out[ParamThresholds:], g.proto.Thresholds())
	return out
}

func (g *groupImpl) Recompute(params buffer.ParameterBuffer) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paramDirty {
		return g.paramOffset
	}
	offset := params.Register(g.id, g.ParamBlock())
	if offset < 0 {
		return -1
	}
	g.paramOffset = offset
	g.paramDirty = false
	return offset
}

func (g *groupImpl) ParamOffset() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paramOffset, !g.paramDirty
}

func (g *groupImpl) ResolveMaterial(m *prototype.Material, variants ShaderVariants, fallback *prototype.Material) *prototype.Material {
	if variants == nil || m == nil || variants.Has(m.Shader, g.keywords) {
		return m
	}
	if fallback == nil {
		return m
	}
	common.Logger().Warn("missing shader variant",
		zap.String("shader", m.Shader),
		zap.Strings("keywords", g.keywords),
		zap.String("fallback", fallback.Name),
	)
	return fallback
}

func (g *groupImpl) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return
	}
	g.disposed = true
	for _, s := range g.sources {
		s.group = nil
	}
	g.sources = nil
	g.data.Dispose()
}

func (g *groupImpl) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("group %d (%s, %d sources, size %d)", g.id, g.proto.Name(), len(g.sources), g.size)
}
