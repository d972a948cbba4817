package retry

import (
	"math"
	"time"
)

// Strategy decides how often a failed stage is retried and how long to wait
// before each retry.
type Strategy interface {
	// MaxRetries is the number of retries allowed after the first attempt.
	MaxRetries() int
	// Delay is the wait before retry n (1-indexed).
	Delay(n int) time.Duration
}

// Exponential waits min(2^(n-1)·Base, Cap) before retry n.
type Exponential struct {
	Retries int
	Base    time.Duration
	Cap     time.Duration
}

// MaxRetries implements Strategy.
func (e Exponential) MaxRetries() int { return max(e.Retries, 0) }

// Delay implements Strategy.
func (e Exponential) Delay(n int) time.Duration {
	if n <= 0 || e.Base <= 0 {
		return 0
	}
	delay := e.Base
	for i := 1; i < n; i++ {
		if delay > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		delay *= 2
		if e.Cap > 0 && delay >= e.Cap {
			return e.Cap
		}
	}
	if e.Cap > 0 && delay > e.Cap {
		return e.Cap
	}
	return delay
}

// Fixed waits the same duration before every retry.
type Fixed struct {
	Retries int
	Wait    time.Duration
}

// MaxRetries implements Strategy.
func (f Fixed) MaxRetries() int { return max(f.Retries, 0) }

// Delay implements Strategy.
func (f Fixed) Delay(int) time.Duration { return f.Wait }

// None never retries.
type None struct{}

// MaxRetries implements Strategy.
func (None) MaxRetries() int { return 0 }

// Delay implements Strategy.
func (None) Delay(int) time.Duration { return 0 }
