package exitcode

import (
	"context"
	"fmt"
	"testing"

	"github.com/monorail-dev/monorail/internal/errors"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected int
	}{
		{"Success", Success, 0},
		{"TaskFailure", TaskFailure, 1},
		{"ConfigError", ConfigError, 2},
		{"Interrupted", Interrupted, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code != tt.expected {
				t.Errorf("Exit code %s = %d, want %d", tt.name, tt.code, tt.expected)
			}
		})
	}
}

func TestDetermineExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "nil error returns success",
			err:      nil,
			expected: Success,
		},
		{
			name:     "task failure",
			err:      errors.NewTaskFailedError("web#build", 1, nil),
			expected: TaskFailure,
		},
		{
			name:     "task timeout",
			err:      errors.NewTaskTimeoutError("web#test", "30s"),
			expected: TaskFailure,
		},
		{
			name:     "interrupted run",
			err:      errors.New(errors.ErrCodeExecInterrupted, "run interrupted"),
			expected: Interrupted,
		},
		{
			name:     "context cancellation",
			err:      context.Canceled,
			expected: Interrupted,
		},
		{
			name:     "cyclic dependency",
			err:      errors.NewCyclicDependencyError([]string{"a", "b", "a"}),
			expected: ConfigError,
		},
		{
			name:     "lockfile parse error",
			err:      errors.NewLockfileParseError("pnpm-lock.yaml", nil),
			expected: ConfigError,
		},
		{
			name:     "task not found",
			err:      errors.NewTaskNotFoundError("deploy"),
			expected: ConfigError,
		},
		{
			name:     "unknown prune target",
			err:      errors.New(errors.ErrCodePruneUnknownPackage, "unknown package: ghost"),
			expected: ConfigError,
		},
		{
			name:     "wrapped coded error",
			err:      fmt.Errorf("run failed: %w", errors.NewTaskFailedError("api#lint", 2, nil)),
			expected: TaskFailure,
		},
		{
			name:     "uncoded error defaults to config error",
			err:      fmt.Errorf("something unexpected"),
			expected: ConfigError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineExitCode(tt.err); got != tt.expected {
				t.Errorf("DetermineExitCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{Success, "Success"},
		{TaskFailure, "Task failure"},
		{ConfigError, "Configuration or graph error"},
		{Interrupted, "Interrupted"},
		{42, "Unknown error"},
	}

	for _, tt := range tests {
		if got := Describe(tt.code); got != tt.want {
			t.Errorf("Describe(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
