// Package logging provides structured logging for conductor.
//
// This package wraps Go's log/slog to emit JSON-formatted logs with context
// propagation, so that the interleaved output of concurrent pipelines can be
// filtered per pipeline and per stage after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR), changeable at runtime
//   - Context propagation (pipeline ID, stage, component)
//   - Size-based log rotation with optional gzip compression
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers created
// via With* methods share the parent's writer and level.
//
// # Basic Usage
//
//	logger, err := logging.NewFileLogger("/var/log/conductor.log", "INFO", logging.RotationConfig{MaxSizeMB: 10, MaxBackups: 3})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	stageLog := logger.WithComponent("orchestrator").WithPipeline(id).WithStage("render")
//	stageLog.Info("stage completed", "duration_ms", 150)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"stage completed","component":"orchestrator","pipeline_id":"...","stage":"render","duration_ms":150}
//
// # Testing
//
// Use [NopLogger] to discard all log output.
package logging
