package buffer

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

type paramEntry struct {
	offset int
	length int
}

type parameterBufferImpl struct {
	mu      *sync.Mutex
	data    DataBuffer[float32]
	entries map[uint64]paramEntry
	used    int
}

// ParameterBuffer packs per-group shader parameter blocks into one shared float array. Each
// block is addressed by the word offset returned from Register.
type ParameterBuffer interface {
	// Register stores a parameter block under id. A block of unchanged length is overwritten in
	// place; otherwise a new range is appended and the old one is abandoned.
	//
	// Parameters:
	//   - id: owner identifier, usually a group id
	//   - words: the packed parameter values
	//
	// Returns:
	//   - int: the word offset of the block, or -1 if the buffer could not grow
	Register(id uint64, words []float32) int

	// Offset returns the word offset registered for id.
	Offset(id uint64) (int, bool)

	// Unregister forgets id. Its range is not reused.
	Unregister(id uint64)

	// Buffer returns the underlying data buffer.
	Buffer() DataBuffer[float32]

	// Flush uploads pending changes.
	Flush() (gpu.Buffer, error)

	// Dispose releases the GPU object.
	Dispose()
}

var _ ParameterBuffer = &parameterBufferImpl{}

// NewParameterBuffer creates an empty ParameterBuffer.
func NewParameterBuffer(device gpu.Device, label string, options ...BufferBuilderOption) ParameterBuffer {
	return &parameterBufferImpl{
		mu:      &sync.Mutex{},
		data:    New[float32](device, label, 0, options...),
		entries: make(map[uint64]paramEntry),
	}
}

func (p *parameterBufferImpl) Register(id uint64, words []float32) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[id]; ok && e.length == len(words) {
		p.data.Set(e.offset, words)
		return e.offset
	}

	offset := p.used
	if need := offset + len(words); need > p.data.Len() {
		if !p.data.Resize(max(need, p.data.Len()*2), true) {
			return -1
		}
	}
	p.data.Set(offset, words)
	p.used += len(words)
	p.entries[id] = paramEntry{offset: offset, length: len(words)}
	return offset
}

func (p *parameterBufferImpl) Offset(id uint64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	return e.offset, ok
}

func (p *parameterBufferImpl) Unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

func (p *parameterBufferImpl) Buffer() DataBuffer[float32] { return p.data }

func (p *parameterBufferImpl) Flush() (gpu.Buffer, error) { return p.data.Flush() }

func (p *parameterBufferImpl) Dispose() { p.data.Dispose() }
