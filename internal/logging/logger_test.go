package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewFileLogger(t *testing.T) {
	t.Run("creates log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "conductor.log")

		logger, err := NewFileLogger(path, LevelDebug, RotationConfig{})
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Info("hello")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if entries := decodeLines(t, data); len(entries) != 1 {
			t.Errorf("expected 1 entry, got %d", len(entries))
		}
	})

	t.Run("empty path writes to stderr", func(t *testing.T) {
		logger, err := NewFileLogger("", LevelInfo, RotationConfig{})
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close on stderr logger should be a no-op, got %v", err)
		}
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(entries))
	}

	expectedLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	for i, entry := range entries {
		if entry["level"] != expectedLevels[i] {
			t.Errorf("line %d: expected level %s, got %v", i, expectedLevels[i], entry["level"])
		}
		if entry["key"] != "value" {
			t.Errorf("line %d: expected key=value, got key=%v", i, entry["key"])
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if entries := decodeLines(t, buf.Bytes()); len(entries) != 2 {
		t.Fatalf("expected 2 log lines (WARN and ERROR only), got %d: %s", len(entries), buf.String())
	}
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelError)
	child := root.WithComponent("state")

	child.Info("dropped")
	root.SetLevel("debug")
	child.Info("kept")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after SetLevel, got %d", len(entries))
	}
	if entries[0]["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", entries[0]["msg"])
	}
	if got := child.Level(); got != LevelDebug {
		t.Errorf("Level() = %q, want %q", got, LevelDebug)
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	child := logger.WithComponent("orchestrator").WithPipeline("pipe-123").WithStage("render")
	child.Info("test message", "extra", "data")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]

	want := map[string]string{
		"component":   "orchestrator",
		"pipeline_id": "pipe-123",
		"stage":       "render",
		"extra":       "data",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%s, got %v", k, v, entry[k])
		}
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.With("foo", "bar", "count", 42, 7, "ignored").Info("test message")

	entry := decodeLines(t, buf.Bytes())[0]
	if entry["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %v", entry["foo"])
	}
	if entry["count"] != float64(42) {
		t.Errorf("expected count=42, got %v", entry["count"])
	}

	if same := logger.With(); same != logger {
		t.Error("With() with no args should return the same logger")
	}
}

func TestChildLoggersDoNotShareAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelInfo).WithPipeline("p")

	a := base.WithStage("a")
	b := base.WithStage("b")
	a.Info("from a")
	b.Info("from b")

	entries := decodeLines(t, buf.Bytes())
	if entries[0]["stage"] != "a" || entries[1]["stage"] != "b" {
		t.Errorf("stages = %v, %v; want a, b", entries[0]["stage"], entries[1]["stage"])
	}
}

func TestConcurrentLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.log")
	logger, err := NewFileLogger(path, LevelInfo, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			child := logger.With("worker", n)
			for j := 0; j < 10; j++ {
				child.Info("message", "iteration", j)
			}
		}(i)
	}
	wg.Wait()
	_ = logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if entries := decodeLines(t, data); len(entries) != 100 {
		t.Errorf("expected 100 entries, got %d", len(entries))
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}

	var nilLogger *Logger
	nilLogger.Info("nil loggers are safe")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if got := len(ValidLevels()); got != 4 {
		t.Errorf("ValidLevels() has %d entries, want 4", got)
	}
}

func TestRotatingWriter(t *testing.T) {
	t.Run("rotates when the limit is exceeded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		defer rw.Close()

		chunk := bytes.Repeat([]byte("x"), 600*1024)
		for i := 0; i < 3; i++ {
			if _, err := rw.Write(chunk); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}

		if _, err := os.Stat(path + ".1"); err != nil {
			t.Errorf("expected first backup: %v", err)
		}
		if _, err := os.Stat(path + ".2"); err != nil {
			t.Errorf("expected second backup: %v", err)
		}
		if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
			t.Errorf("expected no third backup, stat err = %v", err)
		}
		if rw.CurrentSize() != int64(len(chunk)) {
			t.Errorf("CurrentSize() = %d, want %d", rw.CurrentSize(), len(chunk))
		}
	})

	t.Run("compresses rotated files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		defer rw.Close()

		chunk := bytes.Repeat([]byte("y"), 700*1024)
		_, _ = rw.Write(chunk)
		_, _ = rw.Write(chunk)

		if _, err := os.Stat(path + ".1.gz"); err != nil {
			t.Errorf("expected compressed backup: %v", err)
		}
		if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
			t.Errorf("uncompressed backup should be removed, stat err = %v", err)
		}
	})

	t.Run("write after close fails", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "app.log"), RotationConfig{})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		_ = rw.Close()
		if _, err := rw.Write([]byte("x")); err == nil {
			t.Error("expected error writing to closed writer")
		}
	})
}
