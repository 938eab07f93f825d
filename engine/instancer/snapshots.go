package instancer

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/Carmen-Shannon/oxy-instancer/engine/snapshot"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// CaptureSnapshot encodes the renderer's active transforms and optional-renderer masks.
//
// Parameters:
//   - key: the renderer key
//
// Returns:
//   - []byte: the snapshot blob
//   - error: for unknown keys or an encoding failure
func (in *Instancer) CaptureSnapshot(key RendererKey) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "CaptureSnapshot")
	if !ok {
		return nil, fmt.Errorf("renderer %d is not registered", key)
	}
	data := reg.group.TransformData()
	start, count := reg.source.Start(), reg.source.Count()

	masks := make([]uint32, count)
	for i := range masks {
		masks[i] = data.Mask(start + i)
	}
	blob, err := snapshot.Encode(snapshot.Snapshot{
		Stride: uint32(data.Encoding().Stride()),
		Count:  count,
		Words:  data.Words(start, count),
		Masks:  masks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode renderer %d: %w", key, err)
	}
	common.Logger().Debug("snapshot captured",
		zap.Uint64("renderer", uint64(key)),
		zap.Int("instances", count),
		zap.String("size", units.BytesSize(float64(len(blob)))),
	)
	return blob, nil
}

// LoadSnapshot queues a blob for background decoding. The result is applied at the start of a
// later Frame, replacing the renderer's transforms, masks and instance count. A later
// LoadSnapshot for the same renderer supersedes an earlier one, and CancelSnapshots drops every
// pending result.
//
// Parameters:
//   - key: the renderer key
//   - blob: a blob from CaptureSnapshot
//
// Returns:
//   - bool: false for unknown keys or a blob whose header does not match the renderer's encoding
func (in *Instancer) LoadSnapshot(key RendererKey, blob []byte) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	reg, ok := in.lookup(key, "LoadSnapshot")
	if !ok {
		return false
	}
	h, err := snapshot.ParseHeader(blob)
	if err != nil {
		common.Logger().Warn("snapshot rejected", zap.Uint64("renderer", uint64(key)), zap.Error(err))
		return false
	}
	if stride := reg.group.TransformData().Encoding().Stride(); int(h.Stride) != stride {
		common.Logger().Warn("snapshot encoding mismatch",
			zap.Uint64("renderer", uint64(key)),
			zap.Uint32("stride", h.Stride),
			zap.Int("want", stride),
		)
		return false
	}
	in.loader.Submit(uint64(key), blob)
	return true
}

// CancelSnapshots drops every snapshot that has not been applied yet.
func (in *Instancer) CancelSnapshots() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.loader != nil {
		in.loader.Reset()
	}
}

// PendingSnapshots returns the number of blobs still being decoded.
func (in *Instancer) PendingSnapshots() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.loader == nil {
		return 0
	}
	return in.loader.Pending()
}

// applySnapshotsLocked writes finished snapshot results into their renderers. Results for
// renderers disposed in the meantime are dropped. Caller must hold the mutex.
func (in *Instancer) applySnapshotsLocked() {
	for _, r := range in.loader.Drain() {
		if r.Err != nil {
			continue
		}
		reg, ok := in.renderers[RendererKey(r.Key)]
		if !ok {
			continue
		}
		g, src, snap := reg.group, reg.source, r.Snapshot
		data := g.TransformData()
		if int(snap.Stride) != data.Encoding().Stride() {
			continue
		}
		if snap.Count > 0 && !g.SetTransformWords(src, snap.Words, 0, true) {
			common.Logger().Warn("snapshot not applied", zap.Uint64("renderer", r.Key), zap.Int("instances", snap.Count))
			continue
		}
		g.SetInstanceCount(src, snap.Count)
		for i, m := range snap.Masks {
			data.SetMask(src.Start()+i, m)
		}
	}
}
