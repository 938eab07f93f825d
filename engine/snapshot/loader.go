package snapshot

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Result is a decoded blob ready to be applied on the frame thread.
type Result struct {
	// Key identifies the render source the blob was submitted for.
	Key uint64

	// Generation is the loader generation at submit time.
	Generation uint64

	Snapshot Snapshot
	Err      error
}

// Loader decodes snapshot blobs on a background worker pool. Results are collected and handed
// back by Drain on the caller's thread.
//
// Every Reset bumps a generation counter. Results submitted under an older generation are
// dropped, as are results superseded by a later Submit for the same key.
type Loader interface {
	// Submit queues a blob for decoding.
	//
	// Parameters:
	//   - key: the render source key the result applies to
	//   - blob: the encoded snapshot; the loader does not retain it after decoding
	//
	// Returns:
	//   - uint64: the generation the request was tagged with
	Submit(key uint64, blob []byte) uint64

	// Drain returns the finished results of the current generation and forgets them.
	//
	// Returns:
	//   - []Result: results in completion order
	Drain() []Result

	// Generation returns the current generation.
	//
	// Returns:
	//   - uint64: the generation counter
	Generation() uint64

	// Reset bumps the generation. In-flight and undrained results become stale.
	Reset()

	// Pending returns the number of submitted blobs that have not finished decoding.
	//
	// Returns:
	//   - int: in-flight requests
	Pending() int

	// Wait blocks until every submitted blob has finished decoding or ctx is done.
	//
	// Parameters:
	//   - ctx: bounds the wait
	//
	// Returns:
	//   - error: ctx.Err() when the context ended first
	Wait(ctx context.Context) error

	// Close stops accepting work. Results still in flight are dropped.
	Close()
}

type loaderImpl struct {
	mu *sync.Mutex

	workers     int
	queueSize   int
	idleTimeout time.Duration

	pool       worker.DynamicWorkerPool
	generation atomic.Uint64
	taskID     int
	latest     map[uint64]int
	results    []Result
	pending    sync.WaitGroup
	inflight   atomic.Int64
	closed     bool
}

var _ Loader = &loaderImpl{}

// NewLoader creates a Loader with one worker per CPU, at most four.
//
// Parameters:
//   - options: functional options to configure the pool
//
// Returns:
//   - Loader: the loader
func NewLoader(options ...LoaderBuilderOption) Loader {
	l := &loaderImpl{
		mu:          &sync.Mutex{},
		workers:     min(runtime.NumCPU(), 4),
		queueSize:   64,
		idleTimeout: time.Second,
		latest:      make(map[uint64]int),
	}
	for _, option := range options {
		option(l)
	}
	l.workers = max(l.workers, 1)
	l.pool = worker.NewDynamicWorkerPool(l.workers, l.queueSize, l.idleTimeout)
	return l
}

func (l *loaderImpl) Submit(key uint64, blob []byte) uint64 {
	l.mu.Lock()
	gen := l.generation.Load()
	if l.closed {
		l.mu.Unlock()
		return gen
	}
	id := l.taskID
	l.taskID++
	l.latest[key] = id
	l.results = slices.DeleteFunc(l.results, func(r Result) bool { return r.Key == key })
	l.pending.Add(1)
	l.inflight.Add(1)
	l.mu.Unlock()

	l.pool.SubmitTask(worker.Task{
		ID: id,
		Do: func() (any, error) {
			defer l.pending.Done()
			defer l.inflight.Add(-1)

			snap, err := Decode(blob)
			if err != nil {
				common.Logger().Warn("snapshot decode failed",
					zap.Uint64("key", key),
					zap.String("size", units.BytesSize(float64(len(blob)))),
					zap.Error(err),
				)
			}
			l.complete(id, Result{Key: key, Generation: gen, Snapshot: snap, Err: err})
			return nil, err
		},
	})
	return gen
}

// complete stores r unless it was superseded or its generation has passed.
func (l *loaderImpl) complete(id int, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || r.Generation != l.generation.Load() {
		return
	}
	if cur, ok := l.latest[r.Key]; !ok || cur != id {
		return
	}
	delete(l.latest, r.Key)
	l.results = append(l.results, r)
}

func (l *loaderImpl) Drain() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	gen := l.generation.Load()
	out := make([]Result, 0, len(l.results))
	for _, r := range l.results {
		if r.Generation == gen {
			out = append(out, r)
		}
	}
	l.results = l.results[:0]
	return out
}

func (l *loaderImpl) Generation() uint64 {
	return l.generation.Load()
}

func (l *loaderImpl) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation.Add(1)
	l.results = l.results[:0]
	clear(l.latest)
}

func (l *loaderImpl) Pending() int {
	return int(l.inflight.Load())
}

func (l *loaderImpl) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loaderImpl) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.generation.Add(1)
	l.results = nil
}
