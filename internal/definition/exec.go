package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// StageEnvVar names the environment variable holding the stage name.
const StageEnvVar = "CONDUCTOR_STAGE"

// maxStderrTail bounds how much stderr is quoted in an error.
const maxStderrTail = 2048

// pipeDrainDelay bounds how long a killed command's output pipes are read
// after it exits, since grandchildren may still hold them open.
const pipeDrainDelay = 250 * time.Millisecond

// Exec runs one child process per attempt. The stage input is written to
// stdin as a JSON object and stdout must hold a single JSON object, or
// nothing for an empty output.
type Exec struct {
	Stage string
	Spec  ExecSpec
	// Timeout kills the child. The attempt deadline on the context kills
	// it too, whichever comes first.
	Timeout time.Duration
	Logger  *logging.Logger
}

var _ pipeline.Processor = (*Exec)(nil)

// Process runs the command under ctx. The child is killed when ctx is done
// or Timeout passes.
func (e *Exec) Process(ctx context.Context, input map[string]any) (map[string]any, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("encode stage input: %w", err))
	}

	cmd := exec.CommandContext(ctx, e.Spec.Command, e.Spec.Args...)
	cmd.Dir = e.Spec.Dir
	cmd.Env = e.environ()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeDrainDelay

	logger := e.logger()
	start := time.Now()
	logger.Debug("starting stage command", "command", e.Spec.Command, "args", e.Spec.Args)

	if err := cmd.Run(); err != nil {
		return nil, e.classify(ctx, err, stderr.String())
	}

	logger.Debug("stage command finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len())

	return decodeOutput(stdout.Bytes())
}

func (e *Exec) classify(ctx context.Context, err error, stderr string) error {
	tail := tailOf(stderr)

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return fmt.Errorf("command %s killed at its deadline: %w", e.Spec.Command, context.DeadlineExceeded)
	case errors.Is(ctxErr, context.Canceled):
		return fmt.Errorf("command %s killed: %w", e.Spec.Command, context.Canceled)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		failure := fmt.Errorf("command %s exited with code %d: %s", e.Spec.Command, code, tail)
		if slices.Contains(e.Spec.PermanentExitCodes, code) {
			return pipeline.Permanent(failure)
		}
		return failure
	}

	// Missing binaries and bad working directories do not fix themselves
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return pipeline.Permanent(fmt.Errorf("start command %s: %w", e.Spec.Command, err))
	}
	return fmt.Errorf("run command %s: %w", e.Spec.Command, err)
}

func (e *Exec) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.Spec.Env))
	for k := range e.Spec.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.Spec.Env[k])
	}
	return append(env, StageEnvVar+"="+e.Stage)
}

func (e *Exec) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.NopLogger()
	}
	return e.Logger.WithStage(e.Stage)
}

func decodeOutput(stdout []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode stage output: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		start := len(s) - maxStderrTail
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = "..." + s[start:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
