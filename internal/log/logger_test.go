package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/monorail-dev/monorail/internal/errors"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
		},
		{
			name:   "verbose config",
			config: VerboseConfig(),
		},
		{
			name: "custom config json",
			config: Config{
				Level:     LevelDebug,
				Format:    FormatJSON,
				Output:    OutputStdout(),
				AddSource: true,
			},
		},
		{
			name: "custom config text",
			config: Config{
				Level:     LevelWarn,
				Format:    FormatText,
				Output:    OutputStderr(),
				AddSource: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.config)
			if logger == nil {
				t.Fatal("expected logger, got nil")
			}
			if logger.slog == nil {
				t.Fatal("expected slog logger, got nil")
			}
			if logger.config.Level != tt.config.Level {
				t.Errorf("expected level %v, got %v", tt.config.Level, logger.config.Level)
			}
		})
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: NewOutput(&buf),
	})

	logger.Info("task started", "task", "web#build", "workers", 4)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log entry: %v", err)
	}

	if entry["msg"] != "task started" {
		t.Errorf("expected msg 'task started', got %v", entry["msg"])
	}
	if entry["task"] != "web#build" {
		t.Errorf("expected task attribute, got %v", entry["task"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelWarn,
		Format: FormatText,
		Output: NewOutput(&buf),
	})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below WARN should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") {
		t.Errorf("WARN message should pass the filter, got: %s", out)
	}
}

func TestWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: NewOutput(&buf),
	})

	child := logger.WithPackage("web").WithTask("web#build")
	child.Info("scheduled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["package"] != "web" {
		t.Errorf("expected package attribute, got %v", entry["package"])
	}
	if entry["task"] != "web#build" {
		t.Errorf("expected task attribute, got %v", entry["task"])
	}
}

func TestWithErrorCodedError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: NewOutput(&buf),
	})

	err := errors.NewTaskNotFoundError("deploy")
	logger.WithError(err).Error("expansion failed")

	var entry map[string]any
	if jerr := json.Unmarshal(buf.Bytes(), &entry); jerr != nil {
		t.Fatalf("invalid JSON: %v", jerr)
	}
	if entry["error_code"] != string(errors.ErrCodePipelineTaskNotFound) {
		t.Errorf("expected error_code %s, got %v", errors.ErrCodePipelineTaskNotFound, entry["error_code"])
	}
}

func TestWithErrorPlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: NewOutput(&buf),
	})

	logger.WithError(context.DeadlineExceeded).Error("boom")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["error"] != context.DeadlineExceeded.Error() {
		t.Errorf("expected plain error attribute, got %v", entry["error"])
	}
}

func TestWithErrorNil(t *testing.T) {
	logger := Default()
	if got := logger.WithError(nil); got != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: NewOutput(&buf),
	})

	err := errors.NewCyclicDependencyError([]string{"a", "b", "a"}).
		WithSuggestion("extra hint")
	logger.LogError(err)

	out := buf.String()
	if !strings.Contains(out, string(errors.ErrCodeGraphCyclicDep)) {
		t.Errorf("expected error code in output, got: %s", out)
	}
	if !strings.Contains(out, "suggestions") {
		t.Errorf("expected suggestions in output, got: %s", out)
	}

	buf.Reset()
	logger.LogError(nil)
	if buf.Len() != 0 {
		t.Errorf("LogError(nil) should produce no output, got: %s", buf.String())
	}
}

func TestEnabled(t *testing.T) {
	logger := New(Config{
		Level:  LevelWarn,
		Format: FormatText,
		Output: NewOutput(&bytes.Buffer{}),
	})

	ctx := context.Background()
	if logger.Enabled(ctx, LevelDebug) {
		t.Error("DEBUG should not be enabled at WARN level")
	}
	if !logger.Enabled(ctx, LevelError) {
		t.Error("ERROR should be enabled at WARN level")
	}
}

func TestDefaultLogger(t *testing.T) {
	original := DefaultLogger()
	defer SetDefaultLogger(original)

	custom := Verbose()
	SetDefaultLogger(custom)

	if DefaultLogger() != custom {
		t.Error("DefaultLogger should return the configured logger")
	}
}
