package metrics

import (
	"context"
	"sync"
	"time"
)

// DefaultFlushInterval is used when Buffered is created with a non-positive
// interval.
const DefaultFlushInterval = 10 * time.Second

// Buffered aggregates observations in memory and forwards them to a
// downstream sink on every flush. Counters are summed and gauges keep their
// last value between flushes.
type Buffered struct {
	buf        *Recorder
	downstream Sink
	interval   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewBuffered creates a buffered sink in front of downstream.
func NewBuffered(downstream Sink, interval time.Duration) *Buffered {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffered{
		buf:        NewRecorder(),
		downstream: OrNop(downstream),
		interval:   interval,
	}
}

// Count implements Sink.
func (b *Buffered) Count(name string, delta int64, tags Tags) { b.buf.Count(name, delta, tags) }

// Gauge implements Sink.
func (b *Buffered) Gauge(name string, value float64, tags Tags) { b.buf.Gauge(name, value, tags) }

// Timing implements Sink.
func (b *Buffered) Timing(name string, d time.Duration, tags Tags) { b.buf.Timing(name, d, tags) }

// Flush forwards everything buffered so far and returns the number of series
// flushed.
func (b *Buffered) Flush() int {
	return b.buf.drainTo(b.downstream)
}

// Start flushes periodically until ctx is done or Stop is called.
// Calling Start on a running sink is a no-op.
func (b *Buffered) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.stopped = make(chan struct{})

	go b.loop(ctx, b.stopped)
}

func (b *Buffered) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Stop ends the flush loop after a final flush.
func (b *Buffered) Stop() {
	b.mu.Lock()
	cancel, stopped := b.cancel, b.stopped
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
