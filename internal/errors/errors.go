package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Workspace graph errors (GRAPH-001 to GRAPH-099)
	ErrCodeGraphRootNotFound    ErrorCode = "GRAPH-001"
	ErrCodeGraphManifestInvalid ErrorCode = "GRAPH-002"
	ErrCodeGraphDuplicateName   ErrorCode = "GRAPH-003"
	ErrCodeGraphCyclicDep       ErrorCode = "GRAPH-004"
	ErrCodeGraphUnknownPackage  ErrorCode = "GRAPH-005"

	// Lockfile errors (LOCK-001 to LOCK-099)
	ErrCodeLockNotFound      ErrorCode = "LOCK-001"
	ErrCodeLockParseFailed   ErrorCode = "LOCK-002"
	ErrCodeLockDanglingPatch ErrorCode = "LOCK-003"
	ErrCodeLockUnsupported   ErrorCode = "LOCK-004"

	// Pipeline errors (PIPELINE-001 to PIPELINE-099)
	ErrCodePipelineInvalid        ErrorCode = "PIPELINE-001"
	ErrCodePipelineCyclicTask     ErrorCode = "PIPELINE-002"
	ErrCodePipelineTaskNotFound   ErrorCode = "PIPELINE-003"
	ErrCodePipelinePersistentDep  ErrorCode = "PIPELINE-004"
	ErrCodePipelineScopeEmpty     ErrorCode = "PIPELINE-005"
	ErrCodePipelineOutputsInvalid ErrorCode = "PIPELINE-006"

	// Execution errors (EXEC-001 to EXEC-099)
	ErrCodeExecTaskFailed    ErrorCode = "EXEC-001"
	ErrCodeExecTimeout       ErrorCode = "EXEC-002"
	ErrCodeExecInterrupted   ErrorCode = "EXEC-003"
	ErrCodeExecSpawnFailed   ErrorCode = "EXEC-004"
	ErrCodeExecSummaryFailed ErrorCode = "EXEC-005"

	// Cache errors (CACHE-001 to CACHE-099)
	ErrCodeCacheReadFailed    ErrorCode = "CACHE-001"
	ErrCodeCacheWriteFailed   ErrorCode = "CACHE-002"
	ErrCodeCacheCorrupt       ErrorCode = "CACHE-003"
	ErrCodeCacheBadSignature  ErrorCode = "CACHE-004"
	ErrCodeCacheRemoteFailed  ErrorCode = "CACHE-005"
	ErrCodeCacheRestoreFailed ErrorCode = "CACHE-006"

	// Prune errors (PRUNE-001 to PRUNE-099)
	ErrCodePruneUnknownPackage ErrorCode = "PRUNE-001"
	ErrCodePruneCopyFailed     ErrorCode = "PRUNE-002"
	ErrCodePruneOutDirExists   ErrorCode = "PRUNE-003"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigNotFound ErrorCode = "CONFIG-001"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG-002"

	// Watch mode errors (WATCH-001 to WATCH-099)
	ErrCodeWatchFailed ErrorCode = "WATCH-001"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
)

// Category returns the band prefix of an error code, e.g. "GRAPH" for GRAPH-004.
func (c ErrorCode) Category() string {
	if i := strings.IndexByte(string(c), '-'); i > 0 {
		return string(c[:i])
	}
	return string(c)
}

// MonorailError represents an enhanced error with code, suggestions, and documentation
type MonorailError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *MonorailError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *MonorailError) Unwrap() error {
	return e.Cause
}

// New creates a new MonorailError
func New(code ErrorCode, message string) *MonorailError {
	return &MonorailError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new MonorailError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *MonorailError {
	return &MonorailError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *MonorailError) WithSuggestion(suggestion string) *MonorailError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *MonorailError) WithSuggestions(suggestions ...string) *MonorailError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *MonorailError) WithDocs(url string) *MonorailError {
	e.DocsURL = url
	return e
}

// CodeOf extracts the error code from err or any error it wraps.
// It returns the empty code when no MonorailError is in the chain.
func CodeOf(err error) ErrorCode {
	var me *MonorailError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var me *MonorailError
		if !stderrors.As(err, &me) {
			return false
		}
		if me.Code == code {
			return true
		}
		err = me.Cause
	}
	return false
}

// Common error constructors for frequently used errors

// NewDuplicatePackageNameError reports two workspace directories declaring the same package name.
func NewDuplicatePackageNameError(name, firstDir, secondDir string) *MonorailError {
	return New(ErrCodeGraphDuplicateName, fmt.Sprintf("duplicate package name %q declared in %s and %s", name, firstDir, secondDir)).
		WithSuggestion("Rename one of the packages so every workspace name is unique").
		WithSuggestion("Check the workspaces globs for directories included twice").
		WithDocs("https://github.com/monorail-dev/monorail#workspace-discovery")
}

// NewCyclicDependencyError reports a dependency cycle between workspace packages.
// The path names every package on the cycle in order, ending at the start.
func NewCyclicDependencyError(path []string) *MonorailError {
	return New(ErrCodeGraphCyclicDep, fmt.Sprintf("cyclic dependency detected: %s", strings.Join(path, " -> "))).
		WithSuggestion("Break the cycle by removing or inverting one of the listed dependencies").
		WithDocs("https://github.com/monorail-dev/monorail#dependency-graph")
}

// NewUnknownPackageError reports a package name that does not exist in the workspace.
func NewUnknownPackageError(name string) *MonorailError {
	return New(ErrCodeGraphUnknownPackage, fmt.Sprintf("unknown package: %s", name)).
		WithSuggestion("Run 'monorail graph' to list all workspace packages").
		WithSuggestion("Check the spelling of the package name")
}

// NewLockfileParseError reports an unreadable or malformed lockfile.
func NewLockfileParseError(path string, cause error) *MonorailError {
	return Wrap(ErrCodeLockParseFailed, fmt.Sprintf("failed to parse lockfile: %s", path), cause).
		WithSuggestion("Regenerate the lockfile with your package manager").
		WithSuggestion("Check the lockfile for merge conflict markers").
		WithDocs("https://github.com/monorail-dev/monorail#lockfiles")
}

// NewDanglingPatchReferenceError reports a patch entry whose target package
// is absent from the lockfile.
func NewDanglingPatchReferenceError(patch, target string) *MonorailError {
	return New(ErrCodeLockDanglingPatch, fmt.Sprintf("patch %s references %s, which is not present in the lockfile", patch, target)).
		WithSuggestion("Remove the stale entry from patchedDependencies").
		WithSuggestion("Reinstall so the patched package is resolved again")
}

// NewCyclicTaskError reports a cycle in the expanded task graph.
func NewCyclicTaskError(path []string) *MonorailError {
	return New(ErrCodePipelineCyclicTask, fmt.Sprintf("cyclic task dependency detected: %s", strings.Join(path, " -> "))).
		WithSuggestion("Review the dependsOn entries of the listed tasks").
		WithDocs("https://github.com/monorail-dev/monorail#pipeline")
}

// NewTaskNotFoundError reports a requested task that no scoped package defines.
func NewTaskNotFoundError(task string) *MonorailError {
	return New(ErrCodePipelineTaskNotFound, fmt.Sprintf("task %q was requested but no package in scope defines it", task)).
		WithSuggestion("Check the scripts section of your package manifests").
		WithSuggestion("Widen the scope filter if the task lives in an excluded package")
}

// NewPersistentDependencyError reports a task depending on a persistent
// (long-running) task, which would block forever.
func NewPersistentDependencyError(dependent, persistent string) *MonorailError {
	return New(ErrCodePipelinePersistentDep, fmt.Sprintf("task %s depends on persistent task %s", dependent, persistent)).
		WithSuggestion("Persistent tasks never exit, so nothing can depend on them").
		WithSuggestion("Drop the dependsOn entry or clear the persistent flag")
}

// NewTaskFailedError reports a task process exiting nonzero.
func NewTaskFailedError(taskID string, exitCode int, cause error) *MonorailError {
	return Wrap(ErrCodeExecTaskFailed, fmt.Sprintf("task %s failed with exit code %d", taskID, exitCode), cause).
		WithSuggestion(fmt.Sprintf("Re-run with 'monorail run --filter %s' to reproduce in isolation", taskID)).
		WithDocs("https://github.com/monorail-dev/monorail#task-execution")
}

// NewTaskTimeoutError reports a task exceeding its configured timeout.
func NewTaskTimeoutError(taskID string, timeout string) *MonorailError {
	return New(ErrCodeExecTimeout, fmt.Sprintf("task %s exceeded its timeout of %s", taskID, timeout)).
		WithSuggestion("Raise the timeout in the pipeline configuration").
		WithSuggestion("Check whether the task waits on a resource that never arrives")
}

// NewConfigInvalidError reports invalid orchestrator configuration.
func NewConfigInvalidError(details string) *MonorailError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", details)).
		WithSuggestion("Check monorail.json against the documented schema").
		WithDocs("https://github.com/monorail-dev/monorail#configuration")
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *MonorailError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Verify the file exists and you have read permissions")
}
