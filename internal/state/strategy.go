package state

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Strategy decides when the manager checkpoints on its own.
type Strategy string

const (
	// AfterEachStage checkpoints after every successful stage.
	AfterEachStage Strategy = "after_each_stage"
	// CriticalStages checkpoints only after the configured stages.
	CriticalStages Strategy = "critical_stages"
	// TimeBased checkpoints when the interval has elapsed since the last one.
	TimeBased Strategy = "time_based"
	// OnDemand never checkpoints automatically; callers use CreateCheckpoint.
	OnDemand Strategy = "on_demand"
)

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Strategies(), st) {
		return "", fmt.Errorf("unknown checkpoint strategy %q", s)
	}
	return st, nil
}

// Strategies returns every known strategy.
func Strategies() []Strategy {
	return []Strategy{AfterEachStage, CriticalStages, TimeBased, OnDemand}
}

// shouldCheckpoint evaluates the policy for a stage that just succeeded.
// last is the time of the previous checkpoint for the pipeline, zero if none.
func (c Config) shouldCheckpoint(stage string, last, now time.Time) bool {
	switch c.Strategy {
	case AfterEachStage:
		return true
	case CriticalStages:
		return slices.Contains(c.CriticalStages, stage)
	case TimeBased:
		return last.IsZero() || now.Sub(last) >= c.Interval
	default:
		return false
	}
}
