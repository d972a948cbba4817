package orchestrator

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/orchestrator/retry"
)

// Config holds run-wide execution settings.
type Config struct {
	// MaxRetryAttempts is the number of retries after the first attempt for
	// stages without a registered strategy.
	MaxRetryAttempts int
	// StageTimeout bounds each attempt of stages without their own Timeout.
	StageTimeout time.Duration
	// BackoffBase and BackoffCap shape the default exponential backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// CacheEnabled turns the result cache on; CacheTTL bounds entry age for
	// the default in-memory cache.
	CacheEnabled bool
	CacheTTL     time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		StageTimeout:     30 * time.Second,
		BackoffBase:      time.Second,
		BackoffCap:       30 * time.Second,
		CacheEnabled:     true,
		CacheTTL:         time.Hour,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxRetryAttempts < 0:
		return errors.NewValidationError("must not be negative").WithField("max_retry_attempts").WithValue(c.MaxRetryAttempts)
	case c.StageTimeout < 0:
		return errors.NewValidationError("must not be negative").WithField("stage_timeout").WithValue(c.StageTimeout)
	case c.BackoffBase < 0:
		return errors.NewValidationError("must not be negative").WithField("backoff_base").WithValue(c.BackoffBase)
	case c.BackoffCap < 0:
		return errors.NewValidationError("must not be negative").WithField("backoff_cap").WithValue(c.BackoffCap)
	case c.BackoffCap > 0 && c.BackoffCap < c.BackoffBase:
		return errors.NewValidationError("must be at least backoff_base").WithField("backoff_cap").WithValue(c.BackoffCap)
	case c.CacheTTL < 0:
		return errors.NewValidationError("must not be negative").WithField("cache_ttl").WithValue(c.CacheTTL)
	}
	return nil
}

// defaultStrategy is the exponential backoff applied to stages without a
// registered strategy.
func (c Config) defaultStrategy() retry.Strategy {
	return retry.Exponential{
		Retries: c.MaxRetryAttempts,
		Base:    c.BackoffBase,
		Cap:     c.BackoffCap,
	}
}
