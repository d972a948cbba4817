package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/state"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "orchestrator.stage_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStorageBackends returns the list of valid state backends
func ValidStorageBackends() []string {
	return []string{"memory", "file", "postgres"}
}

// ValidBlobBackends returns the list of valid checkpoint backends
func ValidBlobBackends() []string {
	return []string{"memory", "file", "minio"}
}

// ValidCheckpointEncodings returns the list of valid checkpoint encodings
func ValidCheckpointEncodings() []string {
	return []string{string(state.EncodingJSON), string(state.EncodingMsgpack)}
}

// ValidCheckpointStrategies returns the list of valid checkpoint strategies
func ValidCheckpointStrategies() []string {
	strategies := state.Strategies()
	out := make([]string, len(strategies))
	for i, s := range strategies {
		out[i] = string(s)
	}
	return out
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateEventBus()...)
	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateTracing()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func nonNegative(field string, v time.Duration) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func oneOf(field, value string, valid []string) []ValidationError {
	if !slices.Contains(valid, value) {
		return []ValidationError{{
			Field:   field,
			Value:   value,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		}}
	}
	return nil
}

// validateOrchestrator validates the OrchestratorConfig
func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError
	o := c.Orchestrator

	if o.MaxRetryAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_retry_attempts",
			Value:   o.MaxRetryAttempts,
			Message: "must be non-negative",
		})
	}

	// Reasonable upper bound to catch typos like 1000 instead of 10
	const maxRetries = 100
	if o.MaxRetryAttempts > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_retry_attempts",
			Value:   o.MaxRetryAttempts,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetries),
		})
	}

	if o.StageTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.stage_timeout",
			Value:   o.StageTimeout,
			Message: "must be positive",
		})
	}

	errors = append(errors, nonNegative("orchestrator.backoff_base", o.BackoffBase)...)
	errors = append(errors, nonNegative("orchestrator.backoff_cap", o.BackoffCap)...)
	if o.BackoffCap > 0 && o.BackoffCap < o.BackoffBase {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.backoff_cap",
			Value:   o.BackoffCap,
			Message: fmt.Sprintf("must be at least backoff_base (%s)", o.BackoffBase),
		})
	}
	errors = append(errors, nonNegative("orchestrator.cache_ttl", o.CacheTTL)...)
	errors = append(errors, positive("orchestrator.worker_pool_size", o.WorkerPoolSize)...)

	return errors
}

// validateEventBus validates the EventBusConfig
func (c *Config) validateEventBus() []ValidationError {
	var errors []ValidationError
	b := c.EventBus

	errors = append(errors, positive("event_bus.queue_size", b.QueueSize)...)
	errors = append(errors, positive("event_bus.history_size", b.HistorySize)...)
	errors = append(errors, positive("event_bus.dead_letter_size", b.DeadLetterSize)...)
	if b.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "event_bus.max_retries",
			Value:   b.MaxRetries,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError
	s := c.State

	if _, err := state.ParseStrategy(s.CheckpointStrategy); err != nil {
		errors = append(errors, ValidationError{
			Field:   "state.checkpoint_strategy",
			Value:   s.CheckpointStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCheckpointStrategies(), ", ")),
		})
	}

	// critical_stages without a stage list would never checkpoint
	if strings.EqualFold(strings.TrimSpace(s.CheckpointStrategy), string(state.CriticalStages)) && len(s.CriticalStages) == 0 {
		errors = append(errors, ValidationError{
			Field:   "state.critical_stages",
			Value:   s.CriticalStages,
			Message: "must name at least one stage when checkpoint_strategy is critical_stages",
		})
	}

	for i, stage := range s.CriticalStages {
		if strings.TrimSpace(stage) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("state.critical_stages[%d]", i),
				Value:   stage,
				Message: "must not be empty",
			})
		}
	}

	errors = append(errors, nonNegative("state.checkpoint_interval", s.CheckpointInterval)...)
	errors = append(errors, nonNegative("state.checkpoint_ttl", s.CheckpointTTL)...)
	errors = append(errors, oneOf("state.checkpoint_encoding", s.CheckpointEncoding, ValidCheckpointEncodings())...)

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError
	s := c.Storage

	errors = append(errors, oneOf("storage.backend", s.Backend, ValidStorageBackends())...)
	errors = append(errors, oneOf("storage.blob_backend", s.BlobBackend, ValidBlobBackends())...)

	if s.Backend == "postgres" {
		if s.Postgres.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.postgres.url",
				Value:   s.Postgres.URL,
				Message: "is required when storage.backend is postgres",
			})
		}
		errors = append(errors, positive("storage.postgres.max_open_conns", s.Postgres.MaxOpenConns)...)
		if s.Postgres.MaxIdleConns < 0 {
			errors = append(errors, ValidationError{
				Field:   "storage.postgres.max_idle_conns",
				Value:   s.Postgres.MaxIdleConns,
				Message: "must be non-negative",
			})
		}
		errors = append(errors, nonNegative("storage.postgres.conn_max_lifetime", s.Postgres.ConnMaxLifetime)...)
	}

	if s.BlobBackend == "minio" {
		required := map[string]string{
			"storage.minio.endpoint":   s.MinIO.Endpoint,
			"storage.minio.access_key": s.MinIO.AccessKey,
			"storage.minio.secret_key": s.MinIO.SecretKey,
			"storage.minio.bucket":     s.MinIO.Bucket,
		}
		fields := make([]string, 0, len(required))
		for f := range required {
			fields = append(fields, f)
		}
		slices.Sort(fields)
		for _, f := range fields {
			if required[f] == "" {
				errors = append(errors, ValidationError{
					Field:   f,
					Value:   "",
					Message: "is required when storage.blob_backend is minio",
				})
			}
		}
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError
	m := c.Metrics

	if m.Enabled && m.ListenAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "metrics.listen_addr",
			Value:   m.ListenAddr,
			Message: "is required when metrics are enabled",
		})
	}
	if m.FlushInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "metrics.flush_interval",
			Value:   m.FlushInterval,
			Message: "must be positive",
		})
	}

	return errors
}

// validateTracing validates the TracingConfig
func (c *Config) validateTracing() []ValidationError {
	var errors []ValidationError
	t := c.Tracing

	if t.Enabled && t.CollectorAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "tracing.collector_addr",
			Value:   t.CollectorAddr,
			Message: "is required when tracing is enabled",
		})
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "tracing.sample_ratio",
			Value:   t.SampleRatio,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
