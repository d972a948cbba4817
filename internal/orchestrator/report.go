package orchestrator

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Report summarizes the performance of one run.
type Report struct {
	PipelineID  string                   `json:"pipeline_id"`
	TotalTime   time.Duration            `json:"total_time"`
	StageTimes  map[string]time.Duration `json:"stage_times"`
	RetryCounts map[string]int           `json:"retry_counts"`
	// TotalRetries sums RetryCounts.
	TotalRetries int     `json:"total_retries"`
	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	// SuccessRate is the fraction of reported stages that succeeded.
	SuccessRate float64 `json:"success_rate"`
	// Bottleneck is the stage with the longest execution time; ties go to
	// the stage that finished first.
	Bottleneck     string        `json:"bottleneck,omitempty"`
	BottleneckTime time.Duration `json:"bottleneck_time"`
	// AttemptTimes holds the duration of every attempt made by this run,
	// per stage. Stages restored from a checkpoint have none.
	AttemptTimes map[string][]time.Duration `json:"attempt_times,omitempty"`
	// ExhaustedStages ran out of retries in this run.
	ExhaustedStages []string `json:"exhausted_stages,omitempty"`
}

// BuildReport computes the report for results, which are in completion
// order.
func BuildReport(pipelineID string, results []pipeline.StageResult, total time.Duration) Report {
	r := Report{
		PipelineID:  pipelineID,
		TotalTime:   total,
		StageTimes:  make(map[string]time.Duration, len(results)),
		RetryCounts: make(map[string]int, len(results)),
	}
	ok := 0
	for _, sr := range results {
		r.StageTimes[sr.Stage] = sr.ExecutionTime
		r.RetryCounts[sr.Stage] = sr.RetryCount
		r.TotalRetries += sr.RetryCount
		if sr.Cached {
			r.CacheHits++
		} else {
			r.CacheMisses++
		}
		if sr.Success {
			ok++
		}
		if r.Bottleneck == "" || sr.ExecutionTime > r.BottleneckTime {
			r.Bottleneck = sr.Stage
			r.BottleneckTime = sr.ExecutionTime
		}
	}
	if n := len(results); n > 0 {
		r.CacheHitRate = float64(r.CacheHits) / float64(n)
		r.SuccessRate = float64(ok) / float64(n)
	}
	return r
}

// Map renders the report as event data. Durations are milliseconds.
func (r Report) Map() map[string]any {
	stageTimes := make(map[string]any, len(r.StageTimes))
	for k, v := range r.StageTimes {
		stageTimes[k] = millis(v)
	}
	retries := make(map[string]any, len(r.RetryCounts))
	for k, v := range r.RetryCounts {
		retries[k] = v
	}
	attempts := make(map[string]any, len(r.AttemptTimes))
	for k, times := range r.AttemptTimes {
		ms := make([]any, len(times))
		for i, d := range times {
			ms[i] = millis(d)
		}
		attempts[k] = ms
	}
	exhausted := make([]any, len(r.ExhaustedStages))
	for i, stage := range r.ExhaustedStages {
		exhausted[i] = stage
	}
	return map[string]any{
		"pipeline_id":        r.PipelineID,
		"total_time_ms":      millis(r.TotalTime),
		"stage_times_ms":     stageTimes,
		"retry_counts":       retries,
		"total_retries":      r.TotalRetries,
		"cache_hits":         r.CacheHits,
		"cache_misses":       r.CacheMisses,
		"cache_hit_rate":     r.CacheHitRate,
		"success_rate":       r.SuccessRate,
		"bottleneck":         r.Bottleneck,
		"bottleneck_time_ms": millis(r.BottleneckTime),
		"attempt_times_ms":   attempts,
		"exhausted_stages":   exhausted,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
