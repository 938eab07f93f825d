package importer

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidVersion  = errors.New("invalid glTF version: must be 2.x")
	ErrInvalidGLB      = errors.New("invalid GLB container")
	ErrMissingJSON     = errors.New("GLB file missing JSON chunk")
	ErrBufferURI       = errors.New("invalid buffer URI")
	ErrBufferSize      = errors.New("buffer size mismatch")
	ErrAccessor        = errors.New("invalid accessor")
	ErrUnsupportedMode = errors.New("unsupported primitive mode")
)

// gltfParser holds one parsed document and resolves accessor data against its buffers.
type gltfParser struct {
	baseDir string
	doc     *gltfDocument
	glbBin  []byte
}

// parseFile reads a .gltf or .glb file. External buffer URIs are resolved relative to the
// file's directory.
func parseFile(path string) (*gltfParser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parseBytes(data, filepath.Dir(path))
}

// parseBytes parses glTF JSON or a GLB container, detected by the magic number.
func parseBytes(data []byte, baseDir string) (*gltfParser, error) {
	p := &gltfParser{baseDir: baseDir}
	jsonData := data
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == glbMagic {
		var err error
		if jsonData, p.glbBin, err = splitGLB(data); err != nil {
			return nil, err
		}
	}

	var doc gltfDocument
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse glTF JSON: %w", err)
	}
	if !strings.HasPrefix(doc.Asset.Version, "2.") {
		return nil, ErrInvalidVersion
	}
	if err := p.loadBuffers(&doc); err != nil {
		return nil, fmt.Errorf("failed to load buffers: %w", err)
	}
	p.doc = &doc
	return p, nil
}

// splitGLB returns the JSON chunk and the optional BIN chunk of a GLB container.
func splitGLB(data []byte) ([]byte, []byte, error) {
	if len(data) < glbHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidGLB, len(data))
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != glbVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrInvalidGLB, v)
	}
	total := int(binary.LittleEndian.Uint32(data[8:]))
	if total > len(data) {
		return nil, nil, fmt.Errorf("%w: length %d exceeds %d bytes", ErrInvalidGLB, total, len(data))
	}

	var jsonChunk, binChunk []byte
	for off := glbHeaderSize; off+glbChunkHeader <= total; {
		length := int(binary.LittleEndian.Uint32(data[off:]))
		kind := binary.LittleEndian.Uint32(data[off+4:])
		start := off + glbChunkHeader
		if length < 0 || start+length > total {
			return nil, nil, fmt.Errorf("%w: chunk at %d overruns the file", ErrInvalidGLB, off)
		}
		switch kind {
		case glbChunkJSON:
			jsonChunk = data[start : start+length]
		case glbChunkBIN:
			binChunk = data[start : start+length]
		}
		off = start + length
	}
	if jsonChunk == nil {
		return nil, nil, ErrMissingJSON
	}
	return jsonChunk, binChunk, nil
}

// loadBuffers resolves every buffer from the GLB chunk, a data URI or a sibling file.
func (p *gltfParser) loadBuffers(doc *gltfDocument) error {
	for i := range doc.Buffers {
		buf := &doc.Buffers[i]
		switch {
		case buf.URI == "" && i == 0 && p.glbBin != nil:
			buf.Data = p.glbBin
		case buf.URI == "":
			return fmt.Errorf("buffer %d has no URI and no GLB binary chunk", i)
		case strings.HasPrefix(buf.URI, "data:"):
			data, err := decodeDataURI(buf.URI)
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.Data = data
		default:
			if p.baseDir == "" {
				return fmt.Errorf("buffer %d: %w: external %q without a base directory", i, ErrBufferURI, buf.URI)
			}
			data, err := os.ReadFile(filepath.Join(p.baseDir, filepath.FromSlash(buf.URI)))
			if err != nil {
				return fmt.Errorf("buffer %d: failed to load %q: %w", i, buf.URI, err)
			}
			buf.Data = data
		}
		if len(buf.Data) < buf.ByteLength {
			return fmt.Errorf("buffer %d: %w", i, ErrBufferSize)
		}
	}
	return nil
}

// decodeDataURI decodes data:[<mediatype>];base64,<data>.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, ErrBufferURI
	}
	if header := uri[len("data:"):comma]; !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrBufferURI, header)
	}
	data, err := base64.StdEncoding.DecodeString(uri[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBufferURI, err)
	}
	return data, nil
}

// elements returns the de-strided bytes of every element of an accessor.
func (p *gltfParser) elements(index int) (*gltfAccessor, [][]byte, error) {
	if index < 0 || index >= len(p.doc.Accessors) {
		return nil, nil, fmt.Errorf("%w: index %d out of range", ErrAccessor, index)
	}
	acc := &p.doc.Accessors[index]
	if acc.Sparse != nil {
		return nil, nil, fmt.Errorf("%w: sparse accessor %d", ErrAccessor, index)
	}
	if acc.BufferView == nil || *acc.BufferView < 0 || *acc.BufferView >= len(p.doc.BufferViews) {
		return nil, nil, fmt.Errorf("%w: accessor %d has no buffer view", ErrAccessor, index)
	}
	bv := &p.doc.BufferViews[*acc.BufferView]
	if bv.Buffer < 0 || bv.Buffer >= len(p.doc.Buffers) {
		return nil, nil, fmt.Errorf("%w: buffer view %d has no buffer", ErrAccessor, *acc.BufferView)
	}
	data := p.doc.Buffers[bv.Buffer].Data

	size := componentSize(acc.ComponentType) * componentCount(acc.Type)
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: accessor %d has type %s/%d", ErrAccessor, index, acc.Type, acc.ComponentType)
	}
	stride := size
	if bv.ByteStride != nil && *bv.ByteStride > 0 {
		stride = *bv.ByteStride
	}
	base := bv.ByteOffset + acc.ByteOffset
	if acc.Count > 0 && base+(acc.Count-1)*stride+size > len(data) {
		return nil, nil, fmt.Errorf("%w: accessor %d overruns its buffer", ErrAccessor, index)
	}

	out := make([][]byte, acc.Count)
	for i := range out {
		off := base + i*stride
		out[i] = data[off : off+size]
	}
	return acc, out, nil
}

// readFloats reads an accessor as float vectors of n components. Normalized integer
// components are mapped to [0, 1] or [-1, 1].
func (p *gltfParser) readFloats(index, n int) ([][4]float32, error) {
	acc, elems, err := p.elements(index)
	if err != nil {
		return nil, err
	}
	comps := componentCount(acc.Type)
	if comps < n || comps > 4 {
		return nil, fmt.Errorf("%w: accessor %d is %s, want %d components", ErrAccessor, index, acc.Type, n)
	}
	if acc.ComponentType != gltfComponentTypeFloat && !acc.Normalized {
		return nil, fmt.Errorf("%w: accessor %d is not float or normalized", ErrAccessor, index)
	}

	cs := componentSize(acc.ComponentType)
	out := make([][4]float32, len(elems))
	for i, e := range elems {
		for c := range comps {
			out[i][c] = decodeComponent(e[c*cs:], acc.ComponentType)
		}
	}
	return out, nil
}

// readIndices reads an unsigned scalar accessor as uint32 indices.
func (p *gltfParser) readIndices(index int) ([]uint32, error) {
	acc, elems, err := p.elements(index)
	if err != nil {
		return nil, err
	}
	if acc.Type != gltfAccessorTypeScalar {
		return nil, fmt.Errorf("%w: index accessor %d is %s", ErrAccessor, index, acc.Type)
	}
	out := make([]uint32, len(elems))
	for i, e := range elems {
		switch acc.ComponentType {
		case gltfComponentTypeUnsignedByte:
			out[i] = uint32(e[0])
		case gltfComponentTypeUnsignedShort:
			out[i] = uint32(binary.LittleEndian.Uint16(e))
		case gltfComponentTypeUnsignedInt:
			out[i] = binary.LittleEndian.Uint32(e)
		default:
			return nil, fmt.Errorf("%w: index component type %d", ErrAccessor, acc.ComponentType)
		}
	}
	return out, nil
}

func decodeComponent(b []byte, componentType int) float32 {
	switch componentType {
	case gltfComponentTypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case gltfComponentTypeUnsignedByte:
		return float32(b[0]) / 255
	case gltfComponentTypeUnsignedShort:
		return float32(binary.LittleEndian.Uint16(b)) / 65535
	case gltfComponentTypeByte:
		return max(float32(int8(b[0]))/127, -1)
	case gltfComponentTypeShort:
		return max(float32(int16(binary.LittleEndian.Uint16(b)))/32767, -1)
	default:
		return 0
	}
}

func componentSize(componentType int) int {
	switch componentType {
	case gltfComponentTypeByte, gltfComponentTypeUnsignedByte:
		return 1
	case gltfComponentTypeShort, gltfComponentTypeUnsignedShort:
		return 2
	case gltfComponentTypeUnsignedInt, gltfComponentTypeFloat:
		return 4
	default:
		return 0
	}
}

func componentCount(accessorType string) int {
	switch accessorType {
	case gltfAccessorTypeScalar:
		return 1
	case gltfAccessorTypeVec2:
		return 2
	case gltfAccessorTypeVec3:
		return 3
	case gltfAccessorTypeVec4:
		return 4
	case gltfAccessorTypeMat4:
		return 16
	default:
		return 0
	}
}
