package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify default orchestrator config
	if cfg.Orchestrator.MaxRetryAttempts != 3 {
		t.Errorf("Orchestrator.MaxRetryAttempts = %d, want 3", cfg.Orchestrator.MaxRetryAttempts)
	}
	if cfg.Orchestrator.StageTimeout != 30*time.Second {
		t.Errorf("Orchestrator.StageTimeout = %v, want 30s", cfg.Orchestrator.StageTimeout)
	}
	if cfg.Orchestrator.BackoffBase != time.Second || cfg.Orchestrator.BackoffCap != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", cfg.Orchestrator.BackoffBase, cfg.Orchestrator.BackoffCap)
	}
	if !cfg.Orchestrator.CacheEnabled {
		t.Error("Orchestrator.CacheEnabled should be true by default")
	}
	if cfg.Orchestrator.CacheTTL != time.Hour {
		t.Errorf("Orchestrator.CacheTTL = %v, want 1h", cfg.Orchestrator.CacheTTL)
	}

	// Verify default state config
	if cfg.State.CheckpointStrategy != "after_each_stage" {
		t.Errorf("State.CheckpointStrategy = %q, want %q", cfg.State.CheckpointStrategy, "after_each_stage")
	}
	if cfg.State.CheckpointEncoding != "json" {
		t.Errorf("State.CheckpointEncoding = %q, want %q", cfg.State.CheckpointEncoding, "json")
	}

	// Verify default storage config
	if cfg.Storage.Backend != "memory" || cfg.Storage.BlobBackend != "memory" {
		t.Errorf("Storage = %q/%q, want memory/memory", cfg.Storage.Backend, cfg.Storage.BlobBackend)
	}

	// Observability is opt-in
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be false by default")
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled should be false by default")
	}

	// Verify default logging config
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		result := ConfigDir()
		expected := "/custom/config/conductor"
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		result := ConfigDir()

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "conductor")
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	result := ConfigFile()
	expected := "/custom/config/conductor/config.yaml"
	if result != expected {
		t.Errorf("ConfigFile() = %q, want %q", result, expected)
	}
}

func TestStorageConfig_StorageDir(t *testing.T) {
	t.Run("explicit dir", func(t *testing.T) {
		s := StorageConfig{Dir: "/var/lib/conductor"}
		if got := s.StorageDir(); got != "/var/lib/conductor" {
			t.Errorf("StorageDir() = %q, want /var/lib/conductor", got)
		}
	})

	t.Run("default under config dir", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		s := StorageConfig{}
		if got := s.StorageDir(); got != "/custom/config/conductor/state" {
			t.Errorf("StorageDir() = %q, want /custom/config/conductor/state", got)
		}
	})
}

func TestGet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	// Set defaults in viper first (normally done by cmd init)
	SetDefaults()

	// Get() should return defaults when no config file exists
	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Orchestrator.MaxRetryAttempts != 3 {
		t.Errorf("Get().Orchestrator.MaxRetryAttempts = %d, want 3", cfg.Orchestrator.MaxRetryAttempts)
	}
	if cfg.State.CheckpointTTL != 24*time.Hour {
		t.Errorf("Get().State.CheckpointTTL = %v, want 24h", cfg.State.CheckpointTTL)
	}
}

func TestGet_FallsBackOnInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("orchestrator.stage_timeout", "-5s")

	cfg := Get()
	if cfg.Orchestrator.StageTimeout != 30*time.Second {
		t.Errorf("Get() should fall back to defaults, got stage_timeout %v", cfg.Orchestrator.StageTimeout)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `orchestrator:
  max_retry_attempts: 5
  stage_timeout: 2m
  cache_enabled: false
state:
  checkpoint_strategy: critical_stages
  critical_stages: [load, publish]
  checkpoint_encoding: msgpack
storage:
  backend: file
  dir: /tmp/conductor
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Orchestrator.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d, want 5", cfg.Orchestrator.MaxRetryAttempts)
	}
	if cfg.Orchestrator.StageTimeout != 2*time.Minute {
		t.Errorf("StageTimeout = %v, want 2m", cfg.Orchestrator.StageTimeout)
	}
	if cfg.Orchestrator.CacheEnabled {
		t.Error("CacheEnabled should be false")
	}
	// Unset keys keep their defaults
	if cfg.Orchestrator.BackoffBase != time.Second {
		t.Errorf("BackoffBase = %v, want default 1s", cfg.Orchestrator.BackoffBase)
	}
	if len(cfg.State.CriticalStages) != 2 || cfg.State.CriticalStages[1] != "publish" {
		t.Errorf("CriticalStages = %v, want [load publish]", cfg.State.CriticalStages)
	}
	if cfg.State.CheckpointEncoding != "msgpack" {
		t.Errorf("CheckpointEncoding = %q, want msgpack", cfg.State.CheckpointEncoding)
	}
	if cfg.Storage.StorageDir() != "/tmp/conductor" {
		t.Errorf("StorageDir() = %q, want /tmp/conductor", cfg.Storage.StorageDir())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_InvalidReturnsValidationErrors(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("storage.backend", "cassandra")
	viper.Set("logging.level", "loud")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for invalid config")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d validation errors, want 2: %v", len(verrs), verrs)
	}
}
