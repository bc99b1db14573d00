package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeGraphCyclicDep, "test error message")

	if err.Code != ErrCodeGraphCyclicDep {
		t.Errorf("expected code %s, got %s", ErrCodeGraphCyclicDep, err.Code)
	}

	if err.Message != "test error message" {
		t.Errorf("expected message 'test error message', got '%s'", err.Message)
	}

	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrap(ErrCodeFileReadFailed, "failed to read file", cause)

	if err.Code != ErrCodeFileReadFailed {
		t.Errorf("expected code %s, got %s", ErrCodeFileReadFailed, err.Code)
	}

	if err.Cause != cause {
		t.Errorf("expected cause to be set")
	}

	if !errors.Is(err, cause) {
		t.Errorf("Wrap should support errors.Is")
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *MonorailError
		wantCode string
		wantMsg  string
	}{
		{
			name:     "simple error",
			err:      New(ErrCodePipelineTaskNotFound, "task missing"),
			wantCode: "PIPELINE-003",
			wantMsg:  "task missing",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeFileReadFailed, "read failed", fmt.Errorf("permission denied")),
			wantCode: "IO-002",
			wantMsg:  "permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()

			if !strings.Contains(errStr, tt.wantCode) {
				t.Errorf("error string should contain code %s, got: %s", tt.wantCode, errStr)
			}

			if !strings.Contains(errStr, tt.wantMsg) {
				t.Errorf("error string should contain message '%s', got: %s", tt.wantMsg, errStr)
			}
		})
	}
}

func TestWithSuggestion(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "bad config").
		WithSuggestion("first hint").
		WithSuggestion("second hint")

	if len(err.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(err.Suggestions))
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "first hint") || !strings.Contains(errStr, "second hint") {
		t.Errorf("error string should contain both suggestions, got: %s", errStr)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrCodeGraphCyclicDep, "GRAPH"},
		{ErrCodeLockDanglingPatch, "LOCK"},
		{ErrCodePipelineCyclicTask, "PIPELINE"},
		{ErrCodeExecTaskFailed, "EXEC"},
		{ErrorCode("WEIRD"), "WEIRD"},
	}

	for _, tt := range tests {
		if got := tt.code.Category(); got != tt.want {
			t.Errorf("Category(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	inner := New(ErrCodeLockParseFailed, "bad lockfile")
	outer := fmt.Errorf("loading workspace: %w", inner)

	if got := CodeOf(outer); got != ErrCodeLockParseFailed {
		t.Errorf("CodeOf through fmt wrapper = %s, want %s", got, ErrCodeLockParseFailed)
	}

	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain error) = %s, want empty", got)
	}
}

func TestHasCode(t *testing.T) {
	inner := New(ErrCodeExecTimeout, "too slow")
	outer := Wrap(ErrCodeExecTaskFailed, "task failed", inner)

	if !HasCode(outer, ErrCodeExecTaskFailed) {
		t.Errorf("expected outer code to match")
	}
	if !HasCode(outer, ErrCodeExecTimeout) {
		t.Errorf("expected inner code to match through the chain")
	}
	if HasCode(outer, ErrCodeCacheCorrupt) {
		t.Errorf("did not expect unrelated code to match")
	}
}

func TestCyclicDependencyErrorNamesFullPath(t *testing.T) {
	err := NewCyclicDependencyError([]string{"app", "lib-a", "lib-b", "app"})

	want := "app -> lib-a -> lib-b -> app"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("cycle error should name the full path %q, got: %s", want, err.Error())
	}
}

func TestDanglingPatchReferenceError(t *testing.T) {
	err := NewDanglingPatchReferenceError("patches/left-pad.patch", "left-pad@1.3.0")

	if err.Code != ErrCodeLockDanglingPatch {
		t.Errorf("expected code %s, got %s", ErrCodeLockDanglingPatch, err.Code)
	}
	if !strings.Contains(err.Error(), "left-pad@1.3.0") {
		t.Errorf("error should name the missing target, got: %s", err.Error())
	}
}
