// Package retry provides retry state tracking and backoff strategies for
// stage execution.
//
// A [Manager] tracks attempts per stage within one pipeline run, decides
// whether a failed stage is retried, and keeps the last error for reporting.
// A [Strategy] decides how many retries a stage gets and how long to wait
// between them.
package retry

import (
	"slices"
	"sync"
	"time"
)

// StageState tracks the attempts made for one stage.
type StageState struct {
	Stage      string          `json:"stage"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	Durations  []time.Duration `json:"durations,omitempty"` // per attempt
	Succeeded  bool            `json:"succeeded,omitempty"`
}

// RetryCount is the number of attempts after the first.
func (s *StageState) RetryCount() int {
	if s.Attempts == 0 {
		return 0
	}
	return s.Attempts - 1
}

func (s *StageState) clone() *StageState {
	cp := *s
	cp.Durations = slices.Clone(s.Durations)
	return &cp
}

// Manager manages retry state for the stages of one run.
// It is thread-safe: parallel stages record attempts concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*StageState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*StageState),
	}
}

// GetOrCreateState returns or creates retry state for a stage.
// If the state doesn't exist, it creates one with the given maxRetries.
func (m *Manager) GetOrCreateState(stage string, maxRetries int) *StageState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[stage]
	if !exists {
		state = &StageState{
			Stage:      stage,
			MaxRetries: maxRetries,
		}
		m.states[stage] = state
	}
	return state.clone()
}

// GetState returns a copy of the retry state for a stage, or nil if not found.
func (m *Manager) GetState(stage string) *StageState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[stage]; ok {
		return s.clone()
	}
	return nil
}

// ShouldRetry returns whether the stage gets another attempt: it has not
// succeeded and fewer than MaxRetries retries have been made.
func (m *Manager) ShouldRetry(stage string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[stage]
	if !exists {
		return false
	}
	return !state.Succeeded && state.RetryCount() < state.MaxRetries
}

// RecordAttempt records one finished attempt and how long it took.
func (m *Manager) RecordAttempt(stage string, success bool, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[stage]
	if !exists {
		return
	}
	state.Attempts++
	state.Durations = append(state.Durations, took)
	if success {
		state.Succeeded = true
		state.LastError = ""
	}
}

// SetLastError sets the last error message for a stage.
func (m *Manager) SetLastError(stage string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.states[stage]; exists {
		state.LastError = errMsg
	}
}

// Exhaust forbids further retries for a stage, e.g. after a fatal error.
func (m *Manager) Exhaust(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.states[stage]; exists {
		state.MaxRetries = state.RetryCount()
	}
}

// FailedStages returns the stages that exhausted their retries without
// succeeding, sorted.
func (m *Manager) FailedStages() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for stage, state := range m.states {
		if !state.Succeeded && state.Attempts > 0 && state.RetryCount() >= state.MaxRetries {
			failed = append(failed, stage)
		}
	}
	slices.Sort(failed)
	return failed
}

// TotalRetries sums the retry counts of every stage.
func (m *Manager) TotalRetries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, state := range m.states {
		total += state.RetryCount()
	}
	return total
}

// AllStates returns a copy of all stage retry states.
func (m *Manager) AllStates() map[string]*StageState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*StageState, len(m.states))
	for k, v := range m.states {
		result[k] = v.clone()
	}
	return result
}
