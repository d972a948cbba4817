package metrics

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Recorder keeps every observation in memory. It backs tests and the
// Buffered sink.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
	series   map[string]series
}

type series struct {
	name string
	tags Tags
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.reset()
	return r
}

func (r *Recorder) reset() {
	r.counters = make(map[string]int64)
	r.gauges = make(map[string]float64)
	r.timings = make(map[string][]time.Duration)
	r.series = make(map[string]series)
}

func (r *Recorder) track(name string, tags Tags) string {
	k := Key(name, tags)
	if _, ok := r.series[k]; !ok {
		r.series[k] = series{name: name, tags: maps.Clone(tags)}
	}
	return k
}

// Count implements Sink.
func (r *Recorder) Count(name string, delta int64, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[r.track(name, tags)] += delta
}

// Gauge implements Sink.
func (r *Recorder) Gauge(name string, value float64, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[r.track(name, tags)] = value
}

// Timing implements Sink.
func (r *Recorder) Timing(name string, d time.Duration, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.track(name, tags)
	r.timings[k] = append(r.timings[k], d)
}

// Counter returns the accumulated value of a counter series.
func (r *Recorder) Counter(name string, tags Tags) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[Key(name, tags)]
}

// GaugeValue returns the last value of a gauge series and whether it was set.
func (r *Recorder) GaugeValue(name string, tags Tags) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[Key(name, tags)]
	return v, ok
}

// Timings returns a copy of the observations of a timer series.
func (r *Recorder) Timings(name string, tags Tags) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.timings[Key(name, tags)])
}

// Series returns every series key seen so far, sorted.
func (r *Recorder) Series() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.series))
}

// drainTo replays everything recorded into dst and clears the recorder.
// Counters are sent as one summed delta, gauges as their last value.
func (r *Recorder) drainTo(dst Sink) int {
	r.mu.Lock()
	counters, gauges, timings, known := r.counters, r.gauges, r.timings, r.series
	r.reset()
	r.mu.Unlock()

	n := 0
	for k, v := range counters {
		s := known[k]
		dst.Count(s.name, v, s.tags)
		n++
	}
	for k, v := range gauges {
		s := known[k]
		dst.Gauge(s.name, v, s.tags)
		n++
	}
	for k, ds := range timings {
		s := known[k]
		for _, d := range ds {
			dst.Timing(s.name, d, s.tags)
		}
		n++
	}
	return n
}
