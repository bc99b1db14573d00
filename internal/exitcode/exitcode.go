package exitcode

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/monorail-dev/monorail/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates every scheduled task completed
	Success = 0

	// TaskFailure indicates at least one task process exited nonzero
	TaskFailure = 1

	// ConfigError indicates the run never started: invalid configuration,
	// workspace graph errors, lockfile errors, or bad usage
	ConfigError = 2

	// Interrupted indicates the run was cancelled by a signal
	Interrupted = 3
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}

	Exit(DetermineExitCode(err))
}

// DetermineExitCode maps an error to the exit code contract. Coded errors
// are classified by their category band; anything uncoded is a ConfigError,
// since task outcomes always surface as EXEC errors.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeExecInterrupted:
		return Interrupted
	}

	switch errors.CodeOf(err).Category() {
	case "EXEC":
		return TaskFailure
	case "GRAPH", "LOCK", "PIPELINE", "PRUNE", "CONFIG", "CACHE", "IO":
		return ConfigError
	}

	return ConfigError
}

// Describe returns a human-readable description of an exit code
func Describe(code int) string {
	switch code {
	case Success:
		return "Success"
	case TaskFailure:
		return "Task failure"
	case ConfigError:
		return "Configuration or graph error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
