package buffer

import (
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

// DefaultReadbackTimeout bounds how long a write waits on an outstanding readback.
const DefaultReadbackTimeout = 2 * time.Second

type bufferConfig struct {
	usage           gpu.BufferUsage
	readbackTimeout time.Duration
}

func newBufferConfig() *bufferConfig {
	return &bufferConfig{
		usage:           gpu.BufferUsageStorage | gpu.BufferUsageCopyDst | gpu.BufferUsageCopySrc,
		readbackTimeout: DefaultReadbackTimeout,
	}
}

// BufferBuilderOption configures a DataBuffer or ParameterBuffer before creation.
type BufferBuilderOption func(*bufferConfig)

// WithUsage adds usage flags to the default storage/copy usage.
//
// Parameters:
//   - usage: extra usage bits, e.g. gpu.BufferUsageIndirect
//
// Returns:
//   - BufferBuilderOption: a function that adds the usage
func WithUsage(usage gpu.BufferUsage) BufferBuilderOption {
	return func(c *bufferConfig) {
		c.usage |= usage
	}
}

// WithReadbackTimeout sets how long a write may block on an outstanding readback.
//
// Parameters:
//   - d: the bound; values <= 0 keep the default
//
// Returns:
//   - BufferBuilderOption: a function that sets the timeout
func WithReadbackTimeout(d time.Duration) BufferBuilderOption {
	return func(c *bufferConfig) {
		if d > 0 {
			c.readbackTimeout = d
		}
	}
}
