package transform

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/docker/go-units"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

// Move copies Count elements from index Src of the old layout to index Dst of the new one.
type Move struct {
	Src   int
	Dst   int
	Count int
}

// store is one owned per-instance buffer, kept as flat words.
type store struct {
	label string
	words int
	data  buffer.DataBuffer[uint32]
}

type cameraStore struct {
	*store
	eye     mgl32.Vec3
	version uint64
	valid   bool
}

type bufferDataImpl struct {
	mu *sync.Mutex

	device          gpu.Device
	label           string
	profile         prototype.Profile
	enc             prototype.TransformEncoding
	readbackTimeout time.Duration
	withMasks       bool
	size            int

	world    *store
	previous *store
	probes   *store
	masks    *store
	cameras  map[uint64]*cameraStore

	// version counts writes to the world buffer; camera-relative copies compare against it.
	version uint64

	refreshed      bool
	refreshedFrame uint64

	probeLo, probeHi int
	probeUpload      buffer.DataBuffer[uint32]

	disposed bool
}

// BufferData owns the per-instance GPU buffers of one group: the world transforms, optional
// per-camera relative transforms, the previous-frame copy, light probe coefficients and the
// optional-renderer masks. Every buffer always holds exactly Len elements.
type BufferData interface {
	// Len returns the element count shared by every owned buffer.
	//
	// Returns:
	//   - int: the buffer size in instances
	Len() int

	// Encoding returns the transform encoding.
	//
	// Returns:
	//   - prototype.TransformEncoding: the encoding
	Encoding() prototype.TransformEncoding

	// Profile returns the profile the buffers were created for.
	//
	// Returns:
	//   - prototype.Profile: the profile
	Profile() prototype.Profile

	// Reallocate replaces every owned buffer with one of newLen elements and copies the given
	// ranges from the old layout, on the GPU with the stride's copy kernel and in the mirror.
	// Elements not covered by a move are zero.
	//
	// Parameters:
	//   - newLen: the new element count
	//   - moves: ranges to carry over
	//
	// Returns:
	//   - bool: false if newLen exceeds the device limits or a copy failed; nothing changes
	Reallocate(newLen int, moves []Move) bool

	// Resize changes the element count, keeping the prefix when copyPrevious is set.
	//
	// Parameters:
	//   - n: the new element count
	//   - copyPrevious: carry over [0, min(Len, n))
	//
	// Returns:
	//   - bool: false if the size was refused
	Resize(n int, copyPrevious bool) bool

	// RemoveRange compacts out count elements starting at start.
	//
	// Parameters:
	//   - start: first removed element
	//   - count: number of removed elements
	//
	// Returns:
	//   - bool: false if the range is invalid
	RemoveRange(start, count int) bool

	// Set encodes transforms and writes them at dst.
	//
	// Parameters:
	//   - dst: first element index
	//   - transforms: world transforms
	//   - resetMotion: also overwrite the previous-frame copy so the motion vector is zero
	//
	// Returns:
	//   - bool: false if the range is out of bounds
	Set(dst int, transforms []mgl32.Mat4, resetMotion bool) bool

	// SetWords writes already encoded elements at dst, with the side effects of Set.
	//
	// Parameters:
	//   - dst: first element index
	//   - words: encoded elements, a multiple of Encoding().Words()
	//   - resetMotion: also overwrite the previous-frame copy
	//
	// Returns:
	//   - bool: false if the range is out of bounds or misaligned
	SetWords(dst int, words []uint32, resetMotion bool) bool

	// Words returns a copy of count encoded elements starting at start.
	Words(start, count int) []uint32

	// Transform decodes one element.
	Transform(i int) mgl32.Mat4

	// RefreshPrevious copies the world buffer into the previous-frame buffer, at most once per
	// frame number. No-op without motion vectors.
	//
	// Parameters:
	//   - frame: the monotonic frame counter
	//
	// Returns:
	//   - bool: true if a copy was issued
	RefreshPrevious(frame uint64) bool

	// RecomputeProbes samples probe coefficients for every instance modified since the last
	// call and scatters them into the probe buffer. No-op without light probes.
	//
	// Parameters:
	//   - sampler: the probe sampler
	//
	// Returns:
	//   - bool: true if a scatter was dispatched
	RecomputeProbes(sampler ProbeSampler) bool

	// UpdateCameraRelative rewrites a camera's relative transform buffer when the eye moved or
	// the world transforms changed. No-op unless the profile is camera relative.
	//
	// Parameters:
	//   - cameraID: the camera identity
	//   - eye: the camera position
	//
	// Returns:
	//   - bool: true if the buffer was rewritten
	UpdateCameraRelative(cameraID uint64, eye mgl32.Vec3) bool

	// RemoveCamera releases a camera's relative transform buffer.
	RemoveCamera(cameraID uint64)

	// SetMask stores the optional-renderer mask of one instance; bit i enables optional
	// renderer i. Instances never assigned a mask have every optional renderer enabled.
	//
	// Parameters:
	//   - index: the instance index
	//   - mask: the enabled bits
	//
	// Returns:
	//   - bool: false without a mask buffer or out of range
	SetMask(index int, mask uint32) bool

	// Mask returns the optional-renderer mask of one instance.
	Mask(index int) uint32

	// Flush uploads every owned buffer.
	//
	// Returns:
	//   - error: the first upload failure
	Flush() error

	// WorldBuffer returns the GPU world transform buffer.
	WorldBuffer() gpu.Buffer

	// CameraBuffer returns the camera-relative buffer for cameraID, or the world buffer when the
	// profile is not camera relative.
	CameraBuffer(cameraID uint64) gpu.Buffer

	// PreviousBuffer returns the previous-frame buffer, or nil without motion vectors.
	PreviousBuffer() gpu.Buffer

	// ProbeBuffer returns the probe buffer, or nil without light probes.
	ProbeBuffer() gpu.Buffer

	// MaskBuffer returns the mask buffer, or nil without masks.
	MaskBuffer() gpu.Buffer

	// Dispose releases every owned buffer. Calling it again is a no-op.
	Dispose()
}

var _ BufferData = &bufferDataImpl{}

// NewBufferData creates the buffers for a group of the given profile with n elements.
//
// Parameters:
//   - device: the device owning the buffers
//   - label: debug label prefix
//   - profile: selects the encoding and the optional buffers
//   - n: initial element count
//   - options: functional options
//
// Returns:
//   - BufferData: the buffers
func NewBufferData(device gpu.Device, label string, profile prototype.Profile, n int, options ...BufferDataBuilderOption) BufferData {
	d := newBufferDataImpl()
	for _, opt := range options {
		opt(d)
	}
	d.mu = &sync.Mutex{}
	d.device = device
	d.label = label
	d.profile = profile
	d.enc = profile.TransformEncoding
	d.size = max(n, 0)
	d.cameras = make(map[uint64]*cameraStore)

	d.world = d.newStore(label+"/world", d.enc.Words())
	if profile.MotionVectors {
		d.previous = d.newStore(label+"/previous", d.enc.Words())
	}
	if profile.LightProbes {
		d.probes = d.newStore(label+"/probes", probeWords)
		d.probeUpload = buffer.New[uint32](device, label+"/probe-records", 0, buffer.WithReadbackTimeout(d.readbackTimeout))
		d.probeHi = d.size
	}
	if d.withMasks {
		d.masks = d.newStore(label+"/masks", 1)
	}
	return d
}

func (d *bufferDataImpl) newStore(label string, words int) *store {
	return &store{
		label: label,
		words: words,
		data:  buffer.New[uint32](d.device, label, d.size*words, buffer.WithReadbackTimeout(d.readbackTimeout)),
	}
}

// stores returns every owned store. Callers hold d.mu.
func (d *bufferDataImpl) stores() []*store {
	out := []*store{d.world}
	for _, s := range []*store{d.previous, d.probes, d.masks} {
		if s != nil {
			out = append(out, s)
		}
	}
	for _, c := range d.cameras {
		out = append(out, c.store)
	}
	return out
}

func (d *bufferDataImpl) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *bufferDataImpl) Encoding() prototype.TransformEncoding { return d.enc }

func (d *bufferDataImpl) Profile() prototype.Profile { return d.profile }

func (d *bufferDataImpl) Reallocate(newLen int, moves []Move) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reallocateLocked(newLen, moves)
}

func (d *bufferDataImpl) reallocateLocked(newLen int, moves []Move) bool {
	if d.disposed || newLen < 0 {
		return false
	}
	if !d.fits(newLen) {
		return false
	}

	// Build every replacement before touching the current buffers so a failure leaves the
	// old layout intact.
	stores := d.stores()
	next := make([]buffer.DataBuffer[uint32], len(stores))
	for i, s := range stores {
		nb, err := d.reallocStore(s, newLen, moves)
		if err != nil {
			common.Logger().Warn("transform reallocation failed",
				zap.String("buffer", s.label),
				zap.Int("elements", newLen),
				zap.Error(err),
			)
			for _, b := range next[:i] {
				b.Dispose()
			}
			return false
		}
		next[i] = nb
	}
	for i, s := range stores {
		s.data.Dispose()
		s.data = next[i]
	}

	d.size = newLen
	d.probeLo = min(d.probeLo, newLen)
	d.probeHi = min(d.probeHi, newLen)
	d.refreshed = false
	return true
}

// fits checks newLen against the device limits for the widest owned element. Callers hold d.mu.
func (d *bufferDataImpl) fits(newLen int) bool {
	words := d.enc.Words()
	if d.probes != nil {
		words = max(words, probeWords)
	}
	limits := d.device.Capabilities().Limits
	limit := limits.MaxBufferSize
	if limits.MaxStorageBufferBindingSize > 0 {
		limit = min(limit, limits.MaxStorageBufferBindingSize)
	}
	size := uint64(newLen) * uint64(words) * 4
	if limit > 0 && size > limit {
		common.Logger().Error("transform buffer size refused",
			zap.String("buffer", d.label),
			zap.Int("elements", newLen),
			zap.String("requested", units.BytesSize(float64(size))),
			zap.String("limit", units.BytesSize(float64(limit))),
			zap.Error(buffer.ErrTooLarge),
		)
		return false
	}
	return true
}

// reallocStore builds the replacement for one store. Callers hold d.mu.
func (d *bufferDataImpl) reallocStore(s *store, newLen int, moves []Move) (buffer.DataBuffer[uint32], error) {
	oldGPU, err := s.data.Flush()
	if err != nil {
		return nil, err
	}
	oldMirror := s.data.Mirror()
	w := s.words

	next := buffer.New[uint32](d.device, s.label, newLen*w, buffer.WithReadbackTimeout(d.readbackTimeout))
	nextGPU, err := next.Allocate()
	if err != nil {
		next.Dispose()
		return nil, err
	}

	maxPerDim := d.device.Capabilities().Limits.MaxComputeWorkgroupsPerDimension
	for _, mv := range moves {
		count := min(mv.Count, d.size-mv.Src, newLen-mv.Dst)
		if count <= 0 || mv.Src < 0 || mv.Dst < 0 {
			continue
		}
		params := copyParams{Src: uint32(mv.Src), Dst: uint32(mv.Dst), Count: uint32(count)}
		err := d.device.Dispatch(gpu.DispatchDesc{
			Kernel: CopyKernel(w),
			Params: common.StructToBytes(&params),
			Bindings: []gpu.Binding{
				gpu.BufferBinding(1, oldGPU),
				gpu.BufferBinding(2, nextGPU),
			},
			Groups: gpu.Groups1D(uint32(count), workgroupSize, maxPerDim),
		})
		if err != nil {
			next.Dispose()
			return nil, fmt.Errorf("failed to copy %d elements: %w", count, err)
		}
		next.SetSynced(mv.Dst*w, oldMirror[mv.Src*w:(mv.Src+count)*w])
	}
	return next, nil
}

func (d *bufferDataImpl) Resize(n int, copyPrevious bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n == d.size {
		return !d.disposed
	}
	var moves []Move
	if copyPrevious {
		moves = []Move{{Src: 0, Dst: 0, Count: min(d.size, n)}}
	}
	return d.reallocateLocked(n, moves)
}

func (d *bufferDataImpl) RemoveRange(start, count int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if start < 0 || count < 0 || start+count > d.size {
		return false
	}
	if count == 0 {
		return true
	}
	moves := []Move{
		{Src: 0, Dst: 0, Count: start},
		{Src: start + count, Dst: start, Count: d.size - start - count},
	}
	return d.reallocateLocked(d.size-count, moves)
}

func (d *bufferDataImpl) Set(dst int, transforms []mgl32.Mat4, resetMotion bool) bool {
	return d.SetWords(dst, EncodeAll(d.enc, transforms), resetMotion)
}

func (d *bufferDataImpl) SetWords(dst int, words []uint32, resetMotion bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.enc.Words()
	if d.disposed || len(words)%w != 0 {
		return false
	}
	count := len(words) / w
	if dst < 0 || dst+count > d.size {
		return false
	}
	if count == 0 {
		return true
	}
	if !d.world.data.Set(dst*w, words) {
		return false
	}
	if resetMotion && d.previous != nil {
		d.previous.data.Set(dst*w, words)
	}
	d.version++
	if d.probes != nil {
		if d.probeLo >= d.probeHi {
			d.probeLo, d.probeHi = dst, dst+count
		} else {
			d.probeLo = min(d.probeLo, dst)
			d.probeHi = max(d.probeHi, dst+count)
		}
	}
	return true
}

func (d *bufferDataImpl) Words(start, count int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.enc.Words()
	if d.disposed || start < 0 || count <= 0 || start+count > d.size {
		return nil
	}
	mirror := d.world.data.Mirror()
	return append([]uint32(nil), mirror[start*w:(start+count)*w]...)
}

func (d *bufferDataImpl) Transform(i int) mgl32.Mat4 {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.enc.Words()
	if d.disposed || i < 0 || i >= d.size {
		return mgl32.Mat4{}
	}
	return Decode(d.enc, d.world.data.Mirror()[i*w:(i+1)*w])
}

func (d *bufferDataImpl) RefreshPrevious(frame uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed || d.previous == nil {
		return false
	}
	if d.refreshed && d.refreshedFrame == frame {
		return false
	}

	worldGPU, err := d.world.data.Flush()
	if err != nil {
		return false
	}
	prevGPU, err := d.previous.data.Allocate()
	if err != nil {
		return false
	}
	if d.size > 0 {
		d.device.CopyBuffer(worldGPU, 0, prevGPU, 0, uint64(d.size*d.enc.Stride()))
		d.previous.data.SetSynced(0, d.world.data.Mirror())
	}
	d.refreshed = true
	d.refreshedFrame = frame
	return true
}

func (d *bufferDataImpl) RecomputeProbes(sampler ProbeSampler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed || d.probes == nil || sampler == nil || d.probeLo >= d.probeHi {
		return false
	}
	lo, hi := d.probeLo, d.probeHi
	n := hi - lo
	w := d.enc.Words()
	mirror := d.world.data.Mirror()

	positions := make([]mgl32.Vec3, n)
	for i := range positions {
		e := (lo + i) * w
		positions[i] = Translation(d.enc, mirror[e:e+w]).Add(d.profile.ProbeBias)
	}
	coeffs := make([]Coefficients, n)
	sampler.Sample(positions, coeffs)

	records := make([]uint32, n*recordWords)
	synced := make([]uint32, n*probeWords)
	for i, c := range coeffs {
		r := records[i*recordWords : (i+1)*recordWords]
		r[0] = uint32(lo + i)
		for j, v := range c {
			r[1+j] = math.Float32bits(v)
			synced[i*probeWords+j] = r[1+j]
		}
	}

	d.probeUpload.Resize(len(records), false)
	d.probeUpload.Set(0, records)
	recGPU, err := d.probeUpload.Flush()
	if err != nil {
		return false
	}
	probeGPU, err := d.probes.data.Flush()
	if err != nil {
		return false
	}
	params := scatterParams{Count: uint32(n)}
	err = d.device.Dispatch(gpu.DispatchDesc{
		Kernel: KernelProbeScatter,
		Params: common.StructToBytes(&params),
		Bindings: []gpu.Binding{
			gpu.BufferBinding(1, recGPU),
			gpu.BufferBinding(2, probeGPU),
		},
		Groups: gpu.Groups1D(uint32(n), workgroupSize, d.device.Capabilities().Limits.MaxComputeWorkgroupsPerDimension),
	})
	if err != nil {
		common.Logger().Warn("probe scatter failed", zap.String("buffer", d.label), zap.Error(err))
		return false
	}
	d.probes.data.SetSynced(lo*probeWords, synced)
	d.probeLo, d.probeHi = 0, 0
	return true
}

func (d *bufferDataImpl) UpdateCameraRelative(cameraID uint64, eye mgl32.Vec3) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed || !d.profile.CameraRelative {
		return false
	}
	cs, ok := d.cameras[cameraID]
	if !ok {
		cs = &cameraStore{store: d.newStore(fmt.Sprintf("%s/camera-%d", d.label, cameraID), d.enc.Words())}
		d.cameras[cameraID] = cs
	}
	if cs.valid && cs.eye == eye && cs.version == d.version {
		return false
	}

	w := d.enc.Words()
	mirror := d.world.data.Mirror()
	words := make([]uint32, d.size*w)
	for i := 0; i < d.size; i++ {
		m := Decode(d.enc, mirror[i*w:(i+1)*w])
		m[12] -= eye[0]
		m[13] -= eye[1]
		m[14] -= eye[2]
		Encode(d.enc, m, words[i*w:(i+1)*w])
	}
	cs.data.Set(0, words)
	cs.eye = eye
	cs.version = d.version
	cs.valid = true
	return true
}

func (d *bufferDataImpl) RemoveCamera(cameraID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cs, ok := d.cameras[cameraID]; ok {
		cs.data.Dispose()
		delete(d.cameras, cameraID)
	}
}

func (d *bufferDataImpl) SetMask(index int, mask uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed || d.masks == nil || index < 0 || index >= d.size {
		return false
	}
	// stored inverted so zero-filled regions enable everything
	return d.masks.data.Set(index, []uint32{^mask})
}

func (d *bufferDataImpl) Mask(index int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed || d.masks == nil || index < 0 || index >= d.size {
		return math.MaxUint32
	}
	return ^d.masks.data.Get(index)
}

func (d *bufferDataImpl) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return buffer.ErrDisposed
	}
	for _, s := range d.stores() {
		if _, err := s.data.Flush(); err != nil {
			return fmt.Errorf("failed to flush %s: %w", s.label, err)
		}
	}
	return nil
}

func (d *bufferDataImpl) gpuBuffer(s *store) gpu.Buffer {
	if s == nil || d.disposed {
		return nil
	}
	buf, err := s.data.Flush()
	if err != nil {
		return nil
	}
	return buf
}

func (d *bufferDataImpl) WorldBuffer() gpu.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpuBuffer(d.world)
}

func (d *bufferDataImpl) CameraBuffer(cameraID uint64) gpu.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cs, ok := d.cameras[cameraID]; ok {
		return d.gpuBuffer(cs.store)
	}
	return d.gpuBuffer(d.world)
}

func (d *bufferDataImpl) PreviousBuffer() gpu.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpuBuffer(d.previous)
}

func (d *bufferDataImpl) ProbeBuffer() gpu.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpuBuffer(d.probes)
}

func (d *bufferDataImpl) MaskBuffer() gpu.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpuBuffer(d.masks)
}

func (d *bufferDataImpl) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return
	}
	for _, s := range d.stores() {
		s.data.Dispose()
	}
	if d.probeUpload != nil {
		d.probeUpload.Dispose()
	}
	d.cameras = map[uint64]*cameraStore{}
	d.disposed = true
}
