// Package profiler reports frame rate, Go heap statistics and caller-supplied counters through
// the engine logger at a fixed interval.
package profiler

import (
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-instancer/common"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Report is one interval's measurements.
type Report struct {
	FPS       float64
	Heap      uint64
	Sys       uint64
	AllocRate float64 // bytes per second
	GCCount   uint32
	LastPause time.Duration
	MaxPause  time.Duration
}

// Profiler tracks frame timing and memory statistics.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	now      func() time.Time
	counters func() []zap.Field
	last     Report
}

// ProfilerBuilderOption is a functional option for configuring a Profiler.
type ProfilerBuilderOption func(*Profiler)

// WithInterval sets how often Tick reports. Defaults to one second.
func WithInterval(d time.Duration) ProfilerBuilderOption {
	return func(p *Profiler) {
		if d > 0 {
			p.updateInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ProfilerBuilderOption {
	return func(p *Profiler) {
		p.now = now
	}
}

// WithCounters adds fields to every report, such as instance and draw counts.
//
// Parameters:
//   - fn: called once per report
//
// Returns:
//   - ProfilerBuilderOption: option function to apply
func WithCounters(fn func() []zap.Field) ProfilerBuilderOption {
	return func(p *Profiler) {
		p.counters = fn
	}
}

// NewProfiler creates a Profiler.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - *Profiler: the profiler
func NewProfiler(options ...ProfilerBuilderOption) *Profiler {
	p := &Profiler{
		updateInterval: time.Second,
		now:            time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	p.lastTime = p.now()
	return p
}

// Tick records one frame and logs a report when the interval has elapsed.
//
// Returns:
//   - bool: true if a report was logged this tick
func (p *Profiler) Tick() bool {
	p.frameCount++
	current := p.now()
	elapsed := current.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	runtime.ReadMemStats(&p.memStats)
	r := Report{
		FPS:       float64(p.frameCount) / elapsed.Seconds(),
		Heap:      p.memStats.Alloc,
		Sys:       p.memStats.Sys,
		AllocRate: float64(p.memStats.TotalAlloc-p.lastTotalAlloc) / elapsed.Seconds(),
		GCCount:   p.memStats.NumGC,
	}
	if gc := p.memStats.NumGC; gc > 0 {
		// PauseNs is a ring of the last 256 pauses
		r.LastPause = time.Duration(p.memStats.PauseNs[(gc+255)%256])
		start := p.lastGCCount
		if gc-start > 256 {
			start = gc - 256
		}
		for i := start; i < gc; i++ {
			r.MaxPause = max(r.MaxPause, time.Duration(p.memStats.PauseNs[i%256]))
		}
	}

	fields := []zap.Field{
		zap.Float64("fps", r.FPS),
		zap.String("heap", units.BytesSize(float64(r.Heap))),
		zap.String("allocRate", units.BytesSize(r.AllocRate)+"/s"),
		zap.Uint32("gc", r.GCCount),
		zap.Duration("lastPause", r.LastPause),
		zap.Duration("maxPause", r.MaxPause),
		zap.String("sys", units.BytesSize(float64(r.Sys))),
	}
	if p.counters != nil {
		fields = append(fields, p.counters()...)
	}
	common.Logger().Info("profiler", fields...)

	p.last = r
	p.frameCount = 0
	p.lastTime = current
	p.lastGCCount = r.GCCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	return true
}

// Last returns the most recent report.
func (p *Profiler) Last() Report {
	return p.last
}
