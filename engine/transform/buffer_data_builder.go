package transform

import (
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
)

// BufferDataBuilderOption is a functional option for configuring BufferData via NewBufferData.
type BufferDataBuilderOption func(*bufferDataImpl)

// WithInstanceMasks is an option builder that adds the per-instance optional-renderer mask
// buffer.
//
// Parameters:
//   - enabled: whether the mask buffer is kept
//
// Returns:
//   - BufferDataBuilderOption: a function that applies the option
func WithInstanceMasks(enabled bool) BufferDataBuilderOption {
	return func(d *bufferDataImpl) {
		d.withMasks = enabled
	}
}

// WithReadbackTimeout is an option builder that bounds how long writes wait for an
// outstanding readback on any owned buffer.
//
// Parameters:
//   - timeout: the wait bound
//
// Returns:
//   - BufferDataBuilderOption: a function that applies the option
func WithReadbackTimeout(timeout time.Duration) BufferDataBuilderOption {
	return func(d *bufferDataImpl) {
		if timeout > 0 {
			d.readbackTimeout = timeout
		}
	}
}

func newBufferDataImpl() *bufferDataImpl {
	return &bufferDataImpl{readbackTimeout: buffer.DefaultReadbackTimeout}
}
