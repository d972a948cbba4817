package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or validate conductor configuration",
	Long: `View or validate conductor configuration.

Without arguments, displays the effective configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/conductor/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

// secretKeys are masked by config show.
var secretKeys = []string{
	"storage.minio.secret_key",
	"storage.postgres.url",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		p.Line("# Config file: %s", viper.ConfigFileUsed())
	} else {
		p.Line("# Config file: (none - using defaults)")
	}

	out, err := yaml.Marshal(displaySettings(viper.AllSettings(), ""))
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = p.w.Write(out)
	return err
}

// displaySettings renders durations as strings and masks secrets.
func displaySettings(settings map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = displaySettings(val, key)
		case time.Duration:
			out[k] = val.String()
		default:
			if s, ok := v.(string); ok && s != "" && slices.Contains(secretKeys, key) {
				out[k] = "********"
				continue
			}
			out[k] = v
		}
	}
	return out
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	if _, err := config.Load(); err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				p.Fail("%s", e.Error())
			}
			return fmt.Errorf("configuration has %d error(s)", len(verrs))
		}
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	p.Success("configuration is valid")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	p := newPrinter(cmd)
	p.Line("Created config file at %s", configFile)
	p.Line("Edit this file to customize conductor's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		p.Line("Active config: %s", viper.ConfigFileUsed())
	} else {
		p.Line("Default path: %s (not created)", configFile)
	}

	// Also show config search paths
	p.Line("\nSearch paths:")
	p.Line("  1. %s", filepath.Join(config.ConfigDir(), "config.yaml"))
	p.Line("  2. ./config.yaml (current directory)")
	p.Line("\nEnvironment variables: CONDUCTOR_* (e.g., CONDUCTOR_STORAGE_BACKEND)")
	return nil
}

const defaultConfigContent = `# Conductor Configuration

# Stage execution
orchestrator:
  # Retries after a stage's first attempt
  max_retry_attempts: 3
  # Deadline for each stage attempt
  stage_timeout: 30s
  # Exponential backoff between retries: base * 2^(n-1), capped
  backoff_base: 1s
  backoff_cap: 30s
  # Reuse results of stages whose input has not changed
  cache_enabled: true
  cache_ttl: 1h
  # Stage commands allowed to run at once
  worker_pool_size: 4

# In-process event bus
event_bus:
  queue_size: 1000
  history_size: 1000
  dead_letter_size: 1000
  max_retries: 3

# Checkpointing
state:
  # Options: after_each_stage, critical_stages, time_based, on_demand
  checkpoint_strategy: after_each_stage
  # Stages checkpointed under critical_stages
  critical_stages: []
  # Minimum spacing under time_based
  checkpoint_interval: 5m
  # How long a checkpoint can be resumed from (0 keeps them forever)
  checkpoint_ttl: 24h
  # Options: json, msgpack
  checkpoint_encoding: json

# Persistence
storage:
  # Pipeline state and history. Options: memory, file, postgres
  backend: file
  # Checkpoints. Options: memory, file, minio
  blob_backend: file
  # Directory of the file backend (default: <config dir>/state)
  dir: ""
  postgres:
    url: ""
    max_open_conns: 10
    max_idle_conns: 5
    conn_max_lifetime: 30m
  minio:
    endpoint: ""
    access_key: ""
    secret_key: ""
    bucket: conductor-checkpoints
    region: ""
    use_ssl: false

# Prometheus metrics
metrics:
  enabled: false
  listen_addr: ":9464"
  flush_interval: 10s

# OpenTelemetry tracing
tracing:
  enabled: false
  collector_addr: localhost:4317
  service_name: conductor
  sample_ratio: 1

# Logging
logging:
  # Options: debug, info, warn, error
  level: info
  # Log file path (empty logs to stderr)
  file: ""
  max_size_mb: 10
  max_backups: 3
`
