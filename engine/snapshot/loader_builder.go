package snapshot

import "time"

// LoaderBuilderOption configures a Loader.
type LoaderBuilderOption func(*loaderImpl)

// WithWorkers sets the maximum number of decode goroutines.
//
// Parameters:
//   - n: worker count, at least 1
//
// Returns:
//   - LoaderBuilderOption: functional option to set the worker count
func WithWorkers(n int) LoaderBuilderOption {
	return func(l *loaderImpl) {
		l.workers = n
	}
}

// WithQueueSize sets how many blobs may wait for a worker before Submit blocks.
//
// Parameters:
//   - n: queue capacity
//
// Returns:
//   - LoaderBuilderOption: functional option to set the queue capacity
func WithQueueSize(n int) LoaderBuilderOption {
	return func(l *loaderImpl) {
		l.queueSize = n
	}
}

// WithIdleTimeout sets how long an idle worker lives before exiting.
//
// Parameters:
//   - d: idle timeout
//
// Returns:
//   - LoaderBuilderOption: functional option to set the idle timeout
func WithIdleTimeout(d time.Duration) LoaderBuilderOption {
	return func(l *loaderImpl) {
		l.idleTimeout = d
	}
}
