package buffer

import (
	"errors"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrDisposed is returned by operations on a disposed buffer.
	ErrDisposed = errors.New("buffer: disposed")

	// ErrTooLarge is returned when a requested size exceeds the device limits.
	ErrTooLarge = errors.New("buffer: size exceeds device limit")
)

// ReadbackMode selects what happens to the data delivered by a readback.
type ReadbackMode int

const (
	// ReadbackCallbackOnly hands the GPU data to the callbacks and leaves the mirror untouched.
	ReadbackCallbackOnly ReadbackMode = iota

	// ReadbackWriteBack also copies the GPU data into the CPU mirror.
	ReadbackWriteBack
)

func (m ReadbackMode) String() string {
	if m == ReadbackWriteBack {
		return "write-back"
	}
	return "callback-only"
}

// ReadbackFunc receives the elements read from the GPU. ok is false when the readback was
// invalidated by Dispose or the mapping failed; data is nil in that case.
type ReadbackFunc[T any] func(data []T, ok bool)

// maxUploadSpans caps the WriteBuffer calls per Flush; beyond it the covering range is uploaded.
const maxUploadSpans = 64

// span is a half-open element range [start, end).
type span struct {
	start, end int
}

type readback[T any] struct {
	mode      ReadbackMode
	callbacks []ReadbackFunc[T]
	valid     bool
}

type dataBufferImpl[T any] struct {
	mu *sync.Mutex

	device          gpu.Device
	label           string
	usage           gpu.BufferUsage
	stride          uint64
	readbackTimeout time.Duration

	data []T

	buf      gpu.Buffer
	bufCount int

	// copyPrefix is the element count to carry over GPU-side when buf is recreated; 0 for none.
	copyPrefix int
	fullUpload bool
	dirty      []span

	slot     *semaphore.Weighted
	pending  *readback[T]
	disposed bool
}

// DataBuffer is a typed, resizable GPU-resident array with a CPU-side mirror. The element type
// must be plain old data whose Go layout matches the GPU layout; its size is the GPU stride.
type DataBuffer[T any] interface {
	// Label returns the debug label.
	Label() string

	// Len returns the element count of the CPU mirror.
	Len() int

	// Stride returns the element size in bytes.
	Stride() uint64

	// Resize grows or shrinks the mirror and marks the GPU copy stale. With copyPrevious the
	// prefix [0, min(old, n)) is preserved, on the GPU as well as in the mirror; otherwise the
	// contents are zeroed and the caller is expected to overwrite them.
	//
	// Parameters:
	//   - n: new element count
	//   - copyPrevious: keep the existing prefix
	//
	// Returns:
	//   - bool: false when n exceeds the device limits; the previous buffer is kept
	Resize(n int, copyPrevious bool) bool

	// Set overwrites elements starting at offset and marks them for upload.
	//
	// Parameters:
	//   - offset: first element index
	//   - src: elements to write
	//
	// Returns:
	//   - bool: false if the range is out of bounds or the buffer is disposed
	Set(offset int, src []T) bool

	// SetSynced overwrites mirror elements without marking them for upload. The caller
	// guarantees the GPU copy already holds the same values, e.g. after a copy kernel.
	//
	// Parameters:
	//   - offset: first element index
	//   - src: elements to write
	SetSynced(offset int, src []T)

	// MarkDirty schedules a range for upload.
	MarkDirty(offset, count int)

	// Get returns one element of the mirror.
	Get(i int) T

	// Mirror returns the CPU mirror. The slice must not be modified.
	Mirror() []T

	// Flush uploads the mirror if stale, recreating the GPU object only when the element count
	// changed.
	//
	// Returns:
	//   - gpu.Buffer: the current GPU buffer
	//   - error: if allocation failed or the buffer is disposed
	Flush() (gpu.Buffer, error)

	// Allocate ensures a GPU object of the current size exists without uploading anything.
	// Pending dirty ranges are discarded.
	//
	// Returns:
	//   - gpu.Buffer: the current GPU buffer
	//   - error: if allocation failed or the buffer is disposed
	Allocate() (gpu.Buffer, error)

	// GPUBuffer returns the current GPU object without flushing, possibly nil.
	GPUBuffer() gpu.Buffer

	// Dirty reports whether a Flush would upload anything.
	Dirty() bool

	// RequestReadback schedules an asynchronous GPU to CPU copy. Only one readback is ever
	// outstanding: a request with the same mode joins it, a conflicting mode is rejected.
	// Callbacks fire when the device is polled, never synchronously.
	//
	// Parameters:
	//   - mode: what to do with the delivered data
	//   - cb: the callback
	//
	// Returns:
	//   - bool: false if rejected, empty or disposed
	RequestReadback(mode ReadbackMode, cb ReadbackFunc[T]) bool

	// ReadbackPending reports whether a readback is outstanding.
	ReadbackPending() bool

	// Dispose invalidates and drains any pending readback, then releases the GPU object.
	// Calling it again is a no-op.
	Dispose()

	// Disposed reports whether Dispose was called.
	Disposed() bool
}

var _ DataBuffer[uint32] = &dataBufferImpl[uint32]{}

// New creates a DataBuffer with n zeroed elements. No GPU object exists until Flush.
//
// Parameters:
//   - device: the device that owns the GPU object
//   - label: debug label
//   - n: initial element count
//   - options: functional options
//
// Returns:
//   - DataBuffer[T]: the buffer
func New[T any](device gpu.Device, label string, n int, options ...BufferBuilderOption) DataBuffer[T] {
	cfg := newBufferConfig()
	for _, opt := range options {
		opt(cfg)
	}
	var zero T
	return &dataBufferImpl[T]{
		mu:              &sync.Mutex{},
		device:          device,
		label:           label,
		usage:           cfg.usage,
		stride:          uint64(unsafe.Sizeof(zero)),
		readbackTimeout: cfg.readbackTimeout,
		data:            make([]T, max(n, 0)),
		fullUpload:      true,
		slot:            semaphore.NewWeighted(1),
	}
}

func (b *dataBufferImpl[T]) Label() string { return b.label }

func (b *dataBufferImpl[T]) Stride() uint64 { return b.stride }

func (b *dataBufferImpl[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *dataBufferImpl[T]) Resize(n int, copyPrevious bool) bool {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed || n < 0 {
		return false
	}
	if n == len(b.data) {
		return true
	}
	if !b.fits(n) {
		return false
	}

	if copyPrevious {
		old := len(b.data)
		next := make([]T, n)
		copy(next, b.data)
		b.data = next
		if b.buf != nil {
			limit := b.bufCount
			if old != b.bufCount {
				limit = b.copyPrefix
			}
			b.copyPrefix = min(limit, n)
		}
		b.dirty = clipSpans(b.dirty, n)
		if n > old {
			b.dirty = append(b.dirty, span{start: old, end: n})
		}
	} else {
		b.data = make([]T, n)
		b.copyPrefix = 0
		b.fullUpload = true
		b.dirty = b.dirty[:0]
	}
	return true
}

// fits checks n against the device limits. Callers hold b.mu.
func (b *dataBufferImpl[T]) fits(n int) bool {
	limits := b.device.Capabilities().Limits
	size := uint64(n) * b.stride
	limit := limits.MaxBufferSize
	if limits.MaxStorageBufferBindingSize > 0 && b.usage&gpu.BufferUsageStorage != 0 {
		limit = min(limit, limits.MaxStorageBufferBindingSize)
	}
	if limit > 0 && size > limit {
		common.Logger().Error("buffer allocation refused",
			zap.String("buffer", b.label),
			zap.Int("elements", n),
			zap.String("requested", units.BytesSize(float64(size))),
			zap.String("limit", units.BytesSize(float64(limit))),
			zap.Error(ErrTooLarge),
		)
		return false
	}
	return true
}

func (b *dataBufferImpl[T]) Set(offset int, src []T) bool {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed || offset < 0 || offset+len(src) > len(b.data) {
		return false
	}
	if len(src) == 0 {
		return true
	}
	copy(b.data[offset:], src)
	b.dirty = append(b.dirty, span{start: offset, end: offset + len(src)})
	return true
}

func (b *dataBufferImpl[T]) SetSynced(offset int, src []T) {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed || offset < 0 || offset >= len(b.data) {
		return
	}
	copy(b.data[offset:], src)
}

func (b *dataBufferImpl[T]) MarkDirty(offset, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := min(offset+count, len(b.data))
	if offset < 0 || offset >= end {
		return
	}
	b.dirty = append(b.dirty, span{start: offset, end: end})
}

func (b *dataBufferImpl[T]) Get(i int) T {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[i]
}

func (b *dataBufferImpl[T]) Mirror() []T {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *dataBufferImpl[T]) GPUBuffer() gpu.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

func (b *dataBufferImpl[T]) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf == nil || b.bufCount != len(b.data) || b.fullUpload || len(b.dirty) > 0
}

func (b *dataBufferImpl[T]) Flush() (gpu.Buffer, error) {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.flushLocked(true)
}

func (b *dataBufferImpl[T]) Allocate() (gpu.Buffer, error) {
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.flushLocked(false)
}

// flushLocked recreates the GPU object when the count changed and, when upload is set, writes
// the stale parts of the mirror. Callers hold b.mu.
func (b *dataBufferImpl[T]) flushLocked(upload bool) (gpu.Buffer, error) {
	if b.disposed {
		return nil, ErrDisposed
	}

	n := len(b.data)
	if b.buf == nil || b.bufCount != n {
		// Storage bindings of size zero are invalid, so an empty buffer still owns one element.
		size := uint64(max(n, 1)) * b.stride
		next, err := b.device.CreateBuffer(gpu.BufferDescriptor{Label: b.label, Size: size, Usage: b.usage})
		if err != nil {
			common.Logger().Error("buffer allocation failed", zap.String("buffer", b.label), zap.Error(err))
			return b.buf, err
		}
		common.Logger().Debug("buffer allocated",
			zap.String("buffer", b.label),
			zap.Int("elements", n),
			zap.String("size", units.BytesSize(float64(size))),
		)

		old := b.buf
		carried := b.copyPrefix > 0 && old != nil
		if carried {
			b.device.CopyBuffer(old, 0, next, 0, uint64(b.copyPrefix)*b.stride)
		}
		if old != nil {
			old.Release()
		}
		b.buf = next
		b.bufCount = n
		b.copyPrefix = 0
		if !carried {
			b.fullUpload = true
		}
	}

	b.copyPrefix = 0

	if !upload {
		b.fullUpload = false
		b.dirty = b.dirty[:0]
		return b.buf, nil
	}

	if b.fullUpload {
		if n > 0 {
			b.device.WriteBuffer(b.buf, 0, common.SliceToBytes(b.data))
		}
		b.fullUpload = false
		b.dirty = b.dirty[:0]
		return b.buf, nil
	}

	spans := coalesce(b.dirty)
	if len(spans) > maxUploadSpans {
		spans = []span{{start: spans[0].start, end: spans[len(spans)-1].end}}
	}
	for _, s := range spans {
		b.device.WriteBuffer(b.buf, uint64(s.start)*b.stride, common.SliceToBytes(b.data[s.start:s.end]))
	}
	b.dirty = b.dirty[:0]
	return b.buf, nil
}

func (b *dataBufferImpl[T]) RequestReadback(mode ReadbackMode, cb ReadbackFunc[T]) bool {
	b.mu.Lock()

	if b.disposed || len(b.data) == 0 {
		b.mu.Unlock()
		return false
	}

	if b.pending != nil {
		defer b.mu.Unlock()
		if b.pending.mode != mode {
			common.Logger().Warn("conflicting readback rejected",
				zap.String("buffer", b.label),
				zap.Stringer("pending", b.pending.mode),
				zap.Stringer("requested", mode),
			)
			return false
		}
		b.pending.callbacks = append(b.pending.callbacks, cb)
		return true
	}

	buf, err := b.flushLocked(true)
	if err != nil {
		b.mu.Unlock()
		return false
	}
	if !b.slot.TryAcquire(1) {
		b.mu.Unlock()
		return false
	}

	rb := &readback[T]{mode: mode, callbacks: []ReadbackFunc[T]{cb}, valid: true}
	b.pending = rb
	size := uint64(len(b.data)) * b.stride
	b.mu.Unlock()

	b.device.ReadBuffer(buf, 0, size, func(data []byte, err error) {
		b.completeReadback(rb, data, err)
	})
	return true
}

func (b *dataBufferImpl[T]) completeReadback(rb *readback[T], data []byte, err error) {
	b.mu.Lock()
	if b.pending == rb {
		b.pending = nil
	}
	ok := rb.valid && err == nil
	var out []T
	if ok {
		out = common.BytesToSlice[T](data)
		if rb.mode == ReadbackWriteBack {
			copy(b.data, out)
		}
	}
	if err != nil {
		common.Logger().Warn("readback failed", zap.String("buffer", b.label), zap.Error(err))
	}
	callbacks := rb.callbacks
	b.mu.Unlock()
	b.slot.Release(1)

	for _, cb := range callbacks {
		if !ok {
			cb(nil, false)
			continue
		}
		cb(out, true)
	}
}

func (b *dataBufferImpl[T]) ReadbackPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// waitReadback blocks until no readback is outstanding, polling the device so the completion
// callback can run. The wait is bounded by readbackTimeout. Callers must not hold b.mu.
func (b *dataBufferImpl[T]) waitReadback() {
	if b.slot.TryAcquire(1) {
		b.slot.Release(1)
		return
	}

	deadline := time.Now().Add(b.readbackTimeout)
	for {
		b.device.Poll(true)
		if b.slot.TryAcquire(1) {
			b.slot.Release(1)
			return
		}
		if time.Now().After(deadline) {
			common.Logger().Warn("readback wait timed out", zap.String("buffer", b.label), zap.Duration("timeout", b.readbackTimeout))
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *dataBufferImpl[T]) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	if b.pending != nil {
		b.pending.valid = false
	}
	b.mu.Unlock()

	// drain rather than abandon: the callback releases the staging allocation
	b.waitReadback()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
	b.data = nil
	b.dirty = nil
}

func (b *dataBufferImpl[T]) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// coalesce sorts spans and merges overlapping or adjacent ones so each contiguous run becomes a
// single upload.
func coalesce(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			last.end = max(last.end, s.end)
			continue
		}
		out = append(out, s)
	}
	return out
}

// clipSpans drops or truncates spans beyond n.
func clipSpans(spans []span, n int) []span {
	out := spans[:0]
	for _, s := range spans {
		if s.start >= n {
			continue
		}
		s.end = min(s.end, n)
		out = append(out, s)
	}
	return out
}
