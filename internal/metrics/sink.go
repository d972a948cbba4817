// Package metrics defines the metrics sink used by the orchestrator and the
// event bus, plus in-memory, buffered, and OpenTelemetry implementations.
//
// Counters, gauges, and timers are identified by name and an optional set of
// string tags. The orchestrator reports per-stage timing, retry counts,
// cache-hit rate, and success rate; the bus reports queue traffic.
package metrics

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Metric names reported by conductor components.
const (
	StageDuration     = "stage.duration"
	StageRetries      = "stage.retries"
	StageCacheHits    = "stage.cache_hits"
	StageCacheMisses  = "stage.cache_misses"
	StageFailures     = "stage.failures"
	PipelineDuration  = "pipeline.duration"
	PipelineCompleted = "pipeline.completed"
	PipelineFailed    = "pipeline.failed"
	PipelineSuccess   = "pipeline.success_rate"
	PipelineCacheRate = "pipeline.cache_hit_rate"
	EventsPublished   = "eventbus.published"
	EventsRejected    = "eventbus.rejected"
	EventsFailed      = "eventbus.handler_failures"
	EventsDeadLetter  = "eventbus.dead_lettered"
	QueueDepth        = "eventbus.queue_depth"
	CheckpointsSaved  = "state.checkpoints"
	PersistFailures   = "state.persist_failures"
)

// Tags qualify a metric. Nil is equivalent to no tags.
type Tags map[string]string

// Sink receives metric observations. Implementations must be safe for
// concurrent use.
type Sink interface {
	Count(name string, delta int64, tags Tags)
	Gauge(name string, value float64, tags Tags)
	Timing(name string, d time.Duration, tags Tags)
}

// Nop discards all observations.
type Nop struct{}

// Count implements Sink.
func (Nop) Count(string, int64, Tags) {}

// Gauge implements Sink.
func (Nop) Gauge(string, float64, Tags) {}

// Timing implements Sink.
func (Nop) Timing(string, time.Duration, Tags) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Key renders name and tags as a stable series identifier,
// e.g. "stage.duration{pipeline=p1,stage=render}".
func Key(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}
	keys := slices.Sorted(maps.Keys(tags))
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
