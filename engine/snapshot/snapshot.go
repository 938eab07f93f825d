// Package snapshot serializes the transform and mask contents of a render source so a host can
// save instance placement and restore it later without re-deriving every matrix.
//
// A blob is a 16-byte little-endian header {magic, version, stride, count} followed by a zstd
// frame. The frame holds count*stride bytes of encoded transforms, then count uint32 masks.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/klauspost/compress/zstd"
)

const (
	// Magic is "OXYS" read as a little-endian uint32.
	Magic uint32 = 0x5359584f

	// Version is the current blob layout.
	Version uint32 = 1

	// HeaderSize is the byte size of the uncompressed header.
	HeaderSize = 16

	// maxDecoded bounds the decompressed body so a corrupt header cannot request unbounded memory.
	maxDecoded = 1 << 30
)

var (
	ErrBadMagic   = errors.New("snapshot: bad magic")
	ErrBadVersion = errors.New("snapshot: unsupported version")
	ErrCorrupt    = errors.New("snapshot: corrupt body")
	ErrBadStride  = errors.New("snapshot: stride is not a whole number of words")
)

// Header is the uncompressed prefix of a blob.
type Header struct {
	Magic   uint32
	Version uint32
	// Stride is the byte size of one encoded transform.
	Stride uint32
	Count  uint32
}

// Snapshot is the decoded content of a blob.
type Snapshot struct {
	Stride uint32
	Count  int

	// Words holds Count transforms of Stride/4 words each.
	Words []uint32

	// Masks holds one optional-renderer mask per instance.
	Masks []uint32
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// codec returns the shared zstd encoder and decoder. Both are safe for concurrent EncodeAll and
// DecodeAll calls.
func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithZeroFrames(true),
		)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecoded),
		)
	})
	return encoder, decoder, codecErr
}

// ParseHeader reads and validates the header of a blob without decompressing it.
//
// Parameters:
//   - blob: the encoded snapshot
//
// Returns:
//   - Header: the parsed header
//   - error: ErrBadMagic, ErrBadVersion or ErrBadStride, or ErrCorrupt when the blob is short
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < HeaderSize {
		return Header{}, ErrCorrupt
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(blob[0:]),
		Version: binary.LittleEndian.Uint32(blob[4:]),
		Stride:  binary.LittleEndian.Uint32(blob[8:]),
		Count:   binary.LittleEndian.Uint32(blob[12:]),
	}
	switch {
	case h.Magic != Magic:
		return h, ErrBadMagic
	case h.Version != Version:
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	case h.Stride == 0 || h.Stride%4 != 0:
		return h, ErrBadStride
	}
	return h, nil
}

// Encode writes s as a blob.
//
// Parameters:
//   - s: the snapshot; Words must hold Count*Stride/4 words and Masks Count masks
//
// Returns:
//   - []byte: the encoded blob
//   - error: ErrBadStride or ErrCorrupt when the slices disagree with Count, or a codec error
func Encode(s Snapshot) ([]byte, error) {
	if s.Stride == 0 || s.Stride%4 != 0 {
		return nil, ErrBadStride
	}
	words := int(s.Stride / 4)
	if s.Count < 0 || len(s.Words) != s.Count*words || len(s.Masks) != s.Count {
		return nil, fmt.Errorf("%w: %d words and %d masks for %d instances", ErrCorrupt, len(s.Words), len(s.Masks), s.Count)
	}
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd codec: %w", err)
	}

	body := make([]uint32, 0, len(s.Words)+len(s.Masks))
	body = append(body, s.Words...)
	body = append(body, s.Masks...)

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], Magic)
	binary.LittleEndian.PutUint32(out[4:], Version)
	binary.LittleEndian.PutUint32(out[8:], s.Stride)
	binary.LittleEndian.PutUint32(out[12:], uint32(s.Count))
	return enc.EncodeAll(common.SliceToBytes(body), out), nil
}

// Decode parses a blob.
//
// Parameters:
//   - blob: the encoded snapshot
//
// Returns:
//   - Snapshot: the decoded content
//   - error: a header error, ErrCorrupt when the body size disagrees with the header, or a codec error
func Decode(blob []byte) (Snapshot, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return Snapshot{}, err
	}
	words := int(h.Stride / 4)
	want := uint64(h.Count) * uint64(words+1) * 4
	if want > maxDecoded {
		return Snapshot{}, fmt.Errorf("%w: %d bytes declared", ErrCorrupt, want)
	}

	_, dec, err := codec()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create zstd codec: %w", err)
	}
	raw, err := dec.DecodeAll(blob[HeaderSize:], make([]byte, 0, want))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if uint64(len(raw)) != want {
		return Snapshot{}, fmt.Errorf("%w: body is %d bytes, want %d", ErrCorrupt, len(raw), want)
	}

	body := common.BytesToSlice[uint32](raw)
	n := int(h.Count)
	return Snapshot{
		Stride: h.Stride,
		Count:  n,
		Words:  body[: n*words : n*words],
		Masks:  body[n*words:],
	}, nil
}
