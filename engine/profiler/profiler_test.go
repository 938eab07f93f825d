package profiler

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTickReportsOncePerInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	calls := 0
	p := NewProfiler(
		WithClock(clock.now),
		WithInterval(time.Second),
		WithCounters(func() []zap.Field {
			calls++
			return []zap.Field{zap.Int("instances", 7)}
		}),
	)

	for range 29 {
		clock.advance(time.Second / 30)
		if p.Tick() {
			t.Fatal("Tick() reported before the interval elapsed")
		}
	}
	clock.advance(time.Second / 30)
	if !p.Tick() {
		t.Fatal("Tick() did not report after the interval")
	}
	if fps := p.Last().FPS; fps < 29.9 || fps > 30.1 {
		t.Errorf("FPS = %v, want 30", fps)
	}
	if calls != 1 {
		t.Errorf("counters called %d times, want 1", calls)
	}
	if p.Last().Heap == 0 {
		t.Error("heap should be non-zero")
	}

	clock.advance(time.Second / 2)
	if p.Tick() {
		t.Error("Tick() should restart the interval after a report")
	}
}

func TestIntervalIgnoresNonPositive(t *testing.T) {
	p := NewProfiler(WithInterval(0))
	if p.updateInterval != time.Second {
		t.Errorf("interval = %v, want 1s", p.updateInterval)
	}
}
