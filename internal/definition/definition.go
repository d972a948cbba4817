// Package definition loads pipeline definition files and turns them into
// orchestrator stages.
//
// A definition is a YAML (or JSON) document naming the pipeline's stages,
// their dependencies and the command each stage runs:
//
//	version: "1"
//	name: nightly-etl
//	project_id: analytics
//	limits:
//	  max_execution_time: 10m
//	stages:
//	  - name: extract
//	    exec:
//	      command: ./extract.sh
//	  - name: transform
//	    depends_on: [extract]
//	    timeout: 2m
//	    retry:
//	      strategy: fixed
//	      retries: 2
//	      delay: 5s
//	    exec:
//	      command: python3
//	      args: [transform.py]
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FormatVersion is the only definition version this build understands.
const FormatVersion = "1"

// File is a parsed pipeline definition.
type File struct {
	Version     string         `yaml:"version" json:"version"`
	Name        string         `yaml:"name" json:"name"`
	ProjectID   string         `yaml:"project_id" json:"project_id"`
	Environment string         `yaml:"environment" json:"environment"`
	Limits      LimitsSpec     `yaml:"limits" json:"limits"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Stages      []StageSpec    `yaml:"stages" json:"stages"`
}

// LimitsSpec bounds a whole run.
type LimitsSpec struct {
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	MaxMemory        int64         `yaml:"max_memory" json:"max_memory"`
	MaxFileSize      int64         `yaml:"max_file_size" json:"max_file_size"`
}

// StageSpec declares one stage.
type StageSpec struct {
	Name      string        `yaml:"name" json:"name"`
	DependsOn []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Parallel  bool          `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// InputKeys narrows the cache key to these pipeline data keys.
	InputKeys []string `yaml:"input_keys,omitempty" json:"input_keys,omitempty"`
	// RequiredOutputs are keys a successful output must contain.
	RequiredOutputs []string   `yaml:"required_outputs,omitempty" json:"required_outputs,omitempty"`
	Retry           *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`
	Exec            ExecSpec   `yaml:"exec" json:"exec"`
}

// RetrySpec overrides the default retry policy for a stage.
type RetrySpec struct {
	// Strategy is none, fixed, or exponential.
	Strategy string        `yaml:"strategy" json:"strategy"`
	Retries  int           `yaml:"retries" json:"retries"`
	Delay    time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Base     time.Duration `yaml:"base,omitempty" json:"base,omitempty"`
	Cap      time.Duration `yaml:"cap,omitempty" json:"cap,omitempty"`
}

// ExecSpec is the child process a stage runs.
type ExecSpec struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	// PermanentExitCodes fail the stage without retrying.
	PermanentExitCodes []int `yaml:"permanent_exit_codes,omitempty" json:"permanent_exit_codes,omitempty"`
}

// ValidRetryStrategies returns the accepted retry strategy names.
func ValidRetryStrategies() []string {
	return []string{"none", "fixed", "exponential"}
}

// LoadFile reads a definition, choosing the decoder by file extension.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	var f *File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		f, err = ParseJSON(data)
	case ".yaml", ".yml":
		f, err = Parse(data)
	default:
		return nil, fmt.Errorf("unsupported definition format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Relative working directories are resolved against the definition file
	base := filepath.Dir(path)
	for i := range f.Stages {
		if d := f.Stages[i].Exec.Dir; d != "" && !filepath.IsAbs(d) {
			f.Stages[i].Exec.Dir = filepath.Join(base, d)
		}
	}
	return f, nil
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseJSON decodes and validates a JSON definition. Durations are given
// in nanoseconds.
func ParseJSON(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the definition for errors the orchestrator would not
// catch itself. Dependency cycles and unknown dependencies are left to
// plan building.
func (f *File) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if f.Version != "" && f.Version != FormatVersion {
		add("unsupported version %q (want %q)", f.Version, FormatVersion)
	}
	if len(f.Stages) == 0 {
		add("at least one stage is required")
	}
	if f.Limits.MaxExecutionTime < 0 {
		add("limits.max_execution_time must not be negative")
	}

	seen := make(map[string]bool, len(f.Stages))
	for i, s := range f.Stages {
		where := fmt.Sprintf("stages[%d]", i)
		if s.Name == "" {
			add("%s: name is required", where)
		} else {
			where = fmt.Sprintf("stage %q", s.Name)
			if seen[s.Name] {
				add("%s: duplicate name", where)
			}
			seen[s.Name] = true
		}
		if strings.TrimSpace(s.Exec.Command) == "" {
			add("%s: exec.command is required", where)
		}
		if s.Timeout < 0 {
			add("%s: timeout must not be negative", where)
		}
		if r := s.Retry; r != nil {
			if !slices.Contains(ValidRetryStrategies(), r.Strategy) {
				add("%s: retry.strategy must be one of: %s", where, strings.Join(ValidRetryStrategies(), ", "))
			}
			if r.Retries < 0 {
				add("%s: retry.retries must not be negative", where)
			}
			if r.Delay < 0 || r.Base < 0 || r.Cap < 0 {
				add("%s: retry delays must not be negative", where)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &InvalidError{Name: f.Name, Problems: problems}
}

// InvalidError lists everything wrong with a definition.
type InvalidError struct {
	Name     string
	Problems []string
}

func (e *InvalidError) Error() string {
	name := e.Name
	if name == "" {
		name = "pipeline"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid definition %s: %s", name, e.Problems[0])
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("invalid definition %s: %d problems:\n", name, len(e.Problems)))
	for i, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, p))
	}
	return sb.String()
}
