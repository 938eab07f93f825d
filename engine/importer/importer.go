// Package importer builds prototypes from glTF 2.0 scenes. Every node with a mesh becomes a
// renderer; nodes named with an _LOD<n> suffix are grouped into levels of detail, and the node
// transform becomes the renderer offset.
package importer

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var lodSuffix = regexp.MustCompile(`(?i)_LOD(\d+)$`)

// importerImpl is the implementation of the Importer interface.
type importerImpl struct {
	mu *sync.Mutex

	shader      string
	shadowMode  prototype.ShadowMode
	thresholds  []float32
	crossFade   float32
	cullHeight  float32
	extraOption []prototype.PrototypeBuilderOption

	cache  map[string]prototype.Prototype
	flight singleflight.Group
}

// Importer loads glTF files into prototypes and caches them by path.
type Importer interface {
	// Load imports a .gltf or .glb file. Concurrent loads of one path share a single import,
	// and later loads return the cached prototype.
	//
	// Parameters:
	//   - path: the file path
	//
	// Returns:
	//   - prototype.Prototype: the prototype
	//   - error: if the file cannot be parsed or describes nothing renderable
	Load(path string) (prototype.Prototype, error)

	// Parse imports glTF JSON or GLB bytes without caching. External buffer URIs are not
	// resolved; data URIs and the GLB binary chunk are.
	//
	// Parameters:
	//   - name: the prototype name
	//   - data: the file contents
	//
	// Returns:
	//   - prototype.Prototype: the prototype
	//   - error: if the data cannot be parsed or describes nothing renderable
	Parse(name string, data []byte) (prototype.Prototype, error)

	// Cached returns a previously loaded prototype.
	Cached(path string) (prototype.Prototype, bool)

	// Evict drops a path from the cache.
	Evict(path string)
}

var _ Importer = &importerImpl{}

// NewImporter creates an Importer.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - Importer: the importer
func NewImporter(options ...ImporterBuilderOption) Importer {
	im := &importerImpl{
		mu:         &sync.Mutex{},
		shader:     "lit",
		shadowMode: prototype.ShadowModeOn,
		cache:      make(map[string]prototype.Prototype),
	}
	for _, opt := range options {
		opt(im)
	}
	return im
}

func (im *importerImpl) Load(path string) (prototype.Prototype, error) {
	key := filepath.Clean(path)
	if p, ok := im.Cached(key); ok {
		return p, nil
	}
	v, err, _ := im.flight.Do(key, func() (any, error) {
		parser, err := parseFile(key)
		if err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", key, err)
		}
		name := strings.TrimSuffix(filepath.Base(key), filepath.Ext(key))
		p, err := im.build(name, parser)
		if err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", key, err)
		}
		im.mu.Lock()
		im.cache[key] = p
		im.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(prototype.Prototype), nil
}

func (im *importerImpl) Parse(name string, data []byte) (prototype.Prototype, error) {
	parser, err := parseBytes(data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", name, err)
	}
	p, err := im.build(name, parser)
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", name, err)
	}
	return p, nil
}

func (im *importerImpl) Cached(path string) (prototype.Prototype, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	p, ok := im.cache[filepath.Clean(path)]
	return p, ok
}

func (im *importerImpl) Evict(path string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.cache, filepath.Clean(path))
}

// placedMesh is a mesh node with its accumulated scene transform.
type placedMesh struct {
	name  string
	mesh  int
	world mgl32.Mat4
}

// build walks the default scene and assembles the LODs.
func (im *importerImpl) build(name string, p *gltfParser) (prototype.Prototype, error) {
	placed, err := p.walkScene()
	if err != nil {
		return nil, err
	}
	if len(placed) == 0 {
		return nil, prototype.ErrNoLODs
	}

	meshes := make(map[int]*prototype.Mesh)
	meshMaterials := make(map[int][]int)
	materials := make(map[int]*prototype.Material)
	byLOD := make(map[int][]prototype.Renderer)

	for _, pm := range placed {
		mesh, ok := meshes[pm.mesh]
		if !ok {
			m, mats, err := p.extractMesh(pm.mesh)
			if err != nil {
				return nil, err
			}
			mesh = m
			meshes[pm.mesh] = m
			meshMaterials[pm.mesh] = mats
		}
		var mats []*prototype.Material
		for _, mi := range meshMaterials[pm.mesh] {
			mat, ok := materials[mi]
			if !ok {
				mat = p.extractMaterial(mi, im.shader)
				materials[mi] = mat
			}
			mats = append(mats, mat)
		}

		lod := 0
		if m := lodSuffix.FindStringSubmatch(pm.name); m != nil {
			lod, _ = strconv.Atoi(m[1])
		}
		byLOD[lod] = append(byLOD[lod], prototype.Renderer{
			Mesh:       mesh,
			Materials:  mats,
			ShadowMode: im.shadowMode,
			Offset:     pm.world,
		})
	}

	levels := make([]int, 0, len(byLOD))
	for l := range byLOD {
		levels = append(levels, l)
	}
	slices.Sort(levels)

	opts := make([]prototype.PrototypeBuilderOption, 0, len(levels)+2)
	thresholds := im.lodThresholds(len(levels))
	for i, l := range levels {
		opts = append(opts, prototype.WithLOD(thresholds[i], byLOD[l]...))
	}
	if im.crossFade > 0 {
		opts = append(opts, prototype.WithCrossFade(im.crossFade))
	}
	opts = append(opts, im.extraOption...)

	proto, err := prototype.New(name, opts...)
	if err != nil {
		return nil, err
	}
	common.Logger().Debug("prototype imported",
		zap.String("name", name),
		zap.Int("lods", len(levels)),
		zap.Int("meshes", len(meshes)),
		zap.Int("materials", len(materials)),
	)
	return proto, nil
}

// lodThresholds returns n strictly decreasing screen-relative heights. Configured thresholds
// are used when there are enough of them; otherwise each LOD halves the previous one and the
// last LOD stays visible down to the cull height.
func (im *importerImpl) lodThresholds(n int) []float32 {
	if len(im.thresholds) >= n {
		return im.thresholds[:n]
	}
	out := make([]float32, n)
	for i := range n - 1 {
		out[i] = 0.6 * float32(math.Pow(0.5, float64(i)))
	}
	out[n-1] = im.cullHeight
	if n > 1 && out[n-1] >= out[n-2] {
		out[n-1] = 0
	}
	return out
}

// walkScene returns every mesh node of the default scene, or of all root nodes when the file
// has no scenes.
func (p *gltfParser) walkScene() ([]placedMesh, error) {
	doc := p.doc
	var roots []int
	switch {
	case len(doc.Scenes) > 0:
		s := 0
		if doc.Scene != nil {
			s = *doc.Scene
		}
		if s < 0 || s >= len(doc.Scenes) {
			return nil, fmt.Errorf("scene %d out of range", s)
		}
		roots = doc.Scenes[s].Nodes
	default:
		child := make([]bool, len(doc.Nodes))
		for _, n := range doc.Nodes {
			for _, c := range n.Children {
				if c >= 0 && c < len(child) {
					child[c] = true
				}
			}
		}
		for i := range doc.Nodes {
			if !child[i] {
				roots = append(roots, i)
			}
		}
	}

	var out []placedMesh
	visited := make([]bool, len(doc.Nodes))
	var walk func(idx int, parent mgl32.Mat4) error
	walk = func(idx int, parent mgl32.Mat4) error {
		if idx < 0 || idx >= len(doc.Nodes) {
			return fmt.Errorf("node %d out of range", idx)
		}
		if visited[idx] {
			return fmt.Errorf("node %d is reachable twice", idx)
		}
		visited[idx] = true
		n := &doc.Nodes[idx]
		world := parent.Mul4(localMatrix(n))
		if n.Mesh != nil {
			name := n.Name
			if name == "" && *n.Mesh >= 0 && *n.Mesh < len(doc.Meshes) {
				name = doc.Meshes[*n.Mesh].Name
			}
			out = append(out, placedMesh{name: name, mesh: *n.Mesh, world: world})
		}
		for _, c := range n.Children {
			if err := walk(c, world); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r, mgl32.Ident4()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
