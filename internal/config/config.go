package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete conductor configuration
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	State        StateConfig        `mapstructure:"state"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig controls stage execution
type OrchestratorConfig struct {
	// MaxRetryAttempts is the number of retries after a stage's first attempt (default: 3)
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`
	// StageTimeout bounds each stage attempt (default: 30s)
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// BackoffBase and BackoffCap shape the exponential retry backoff (default: 1s, 30s)
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	// CacheEnabled turns on the stage result cache (default: true)
	CacheEnabled bool `mapstructure:"cache_enabled"`
	// CacheTTL is how long a cached result stays valid (default: 1h)
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// WorkerPoolSize bounds how many blocking stage processors run at once (default: 4)
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
}

// EventBusConfig sizes the event bus
type EventBusConfig struct {
	QueueSize      int `mapstructure:"queue_size"`
	HistorySize    int `mapstructure:"history_size"`
	DeadLetterSize int `mapstructure:"dead_letter_size"`
	// MaxRetries is how many times a failing handler is redelivered before dead-lettering
	MaxRetries int `mapstructure:"max_retries"`
}

// StateConfig controls checkpointing
type StateConfig struct {
	// CheckpointStrategy is one of: after_each_stage, critical_stages, time_based, on_demand
	CheckpointStrategy string `mapstructure:"checkpoint_strategy"`
	// CriticalStages lists the stages checkpointed under critical_stages
	CriticalStages []string `mapstructure:"critical_stages"`
	// CheckpointInterval is the minimum spacing under time_based
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// CheckpointTTL is how long a checkpoint stays restorable; 0 disables expiry
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
	// CheckpointEncoding is json or msgpack
	CheckpointEncoding string `mapstructure:"checkpoint_encoding"`
}

// StorageConfig selects the persistence backends
type StorageConfig struct {
	// Backend holds live state and history: memory, file, or postgres
	Backend string `mapstructure:"backend"`
	// BlobBackend holds checkpoints: memory, file, or minio
	BlobBackend string `mapstructure:"blob_backend"`
	// Dir is the root directory of the file backend.
	// If empty, defaults to "state" under the config directory.
	Dir      string         `mapstructure:"dir"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
}

// PostgresConfig configures the PostgreSQL state backend
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MinIOConfig configures the S3-compatible checkpoint backend
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MetricsConfig controls metric export
type MetricsConfig struct {
	// Enabled exposes Prometheus metrics on ListenAddr (default: false)
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	// FlushInterval is how often buffered observations are exported (default: 10s)
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	ServiceName   string  `mapstructure:"service_name"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// File is the log file path. If empty, logs go to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxRetryAttempts: 3,
			StageTimeout:     30 * time.Second,
			BackoffBase:      time.Second,
			BackoffCap:       30 * time.Second,
			CacheEnabled:     true,
			CacheTTL:         time.Hour,
			WorkerPoolSize:   4,
		},
		EventBus: EventBusConfig{
			QueueSize:      1000,
			HistorySize:    1000,
			DeadLetterSize: 1000,
			MaxRetries:     3,
		},
		State: StateConfig{
			CheckpointStrategy: "after_each_stage",
			CriticalStages:     []string{},
			CheckpointInterval: 5 * time.Minute,
			CheckpointTTL:      24 * time.Hour,
			CheckpointEncoding: "json",
		},
		Storage: StorageConfig{
			Backend:     "memory",
			BlobBackend: "memory",
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			MinIO: MinIOConfig{
				Bucket: "conductor-checkpoints",
			},
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddr:    ":9464",
			FlushInterval: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			CollectorAddr: "localhost:4317",
			ServiceName:   "conductor",
			SampleRatio:   1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Orchestrator defaults
	viper.SetDefault("orchestrator.max_retry_attempts", defaults.Orchestrator.MaxRetryAttempts)
	viper.SetDefault("orchestrator.stage_timeout", defaults.Orchestrator.StageTimeout)
	viper.SetDefault("orchestrator.backoff_base", defaults.Orchestrator.BackoffBase)
	viper.SetDefault("orchestrator.backoff_cap", defaults.Orchestrator.BackoffCap)
	viper.SetDefault("orchestrator.cache_enabled", defaults.Orchestrator.CacheEnabled)
	viper.SetDefault("orchestrator.cache_ttl", defaults.Orchestrator.CacheTTL)
	viper.SetDefault("orchestrator.worker_pool_size", defaults.Orchestrator.WorkerPoolSize)

	// Event bus defaults
	viper.SetDefault("event_bus.queue_size", defaults.EventBus.QueueSize)
	viper.SetDefault("event_bus.history_size", defaults.EventBus.HistorySize)
	viper.SetDefault("event_bus.dead_letter_size", defaults.EventBus.DeadLetterSize)
	viper.SetDefault("event_bus.max_retries", defaults.EventBus.MaxRetries)

	// State defaults
	viper.SetDefault("state.checkpoint_strategy", defaults.State.CheckpointStrategy)
	viper.SetDefault("state.critical_stages", defaults.State.CriticalStages)
	viper.SetDefault("state.checkpoint_interval", defaults.State.CheckpointInterval)
	viper.SetDefault("state.checkpoint_ttl", defaults.State.CheckpointTTL)
	viper.SetDefault("state.checkpoint_encoding", defaults.State.CheckpointEncoding)

	// Storage defaults
	viper.SetDefault("storage.backend", defaults.Storage.Backend)
	viper.SetDefault("storage.blob_backend", defaults.Storage.BlobBackend)
	viper.SetDefault("storage.dir", defaults.Storage.Dir)
	viper.SetDefault("storage.postgres.url", defaults.Storage.Postgres.URL)
	viper.SetDefault("storage.postgres.max_open_conns", defaults.Storage.Postgres.MaxOpenConns)
	viper.SetDefault("storage.postgres.max_idle_conns", defaults.Storage.Postgres.MaxIdleConns)
	viper.SetDefault("storage.postgres.conn_max_lifetime", defaults.Storage.Postgres.ConnMaxLifetime)
	viper.SetDefault("storage.minio.endpoint", defaults.Storage.MinIO.Endpoint)
	viper.SetDefault("storage.minio.access_key", defaults.Storage.MinIO.AccessKey)
	viper.SetDefault("storage.minio.secret_key", defaults.Storage.MinIO.SecretKey)
	viper.SetDefault("storage.minio.bucket", defaults.Storage.MinIO.Bucket)
	viper.SetDefault("storage.minio.region", defaults.Storage.MinIO.Region)
	viper.SetDefault("storage.minio.use_ssl", defaults.Storage.MinIO.UseSSL)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
	viper.SetDefault("metrics.flush_interval", defaults.Metrics.FlushInterval)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.collector_addr", defaults.Tracing.CollectorAddr)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("tracing.sample_ratio", defaults.Tracing.SampleRatio)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch reloads the configuration whenever the config file changes and
// passes every valid result to onChange. Invalid edits are reported to
// onError and otherwise ignored.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	// Fall back to ~/.config/conductor
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".config", "conductor")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StorageDir returns the file backend directory, resolving the default
func (s *StorageConfig) StorageDir() string {
	if s.Dir != "" {
		return s.Dir
	}
	return filepath.Join(ConfigDir(), "state")
}
