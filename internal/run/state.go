package run

import (
	"time"

	"github.com/monorail-dev/monorail/internal/pipeline"
)

// Status is the lifecycle state of one task node during a run.
type Status int

const (
	// StatusPending means at least one upstream dependency is unfinished.
	StatusPending Status = iota

	// StatusReady means every upstream dependency succeeded and the node
	// is queued for a worker.
	StatusReady

	// StatusRunning means a worker owns the node.
	StatusRunning

	// StatusDone means the task completed with exit code zero, either by
	// executing or by replaying a cache entry.
	StatusDone

	// StatusFailed means the task exited nonzero, timed out, or could not
	// be spawned.
	StatusFailed

	// StatusSkipped means the node never ran because an upstream failed
	// or the run stopped dispatching.
	StatusSkipped

	// StatusInterrupted means the node was in flight when the run was
	// cancelled and its process group was terminated.
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final for this run.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped, StatusInterrupted:
		return true
	}
	return false
}

// Reasons qualifying a terminal status in results and summaries.
const (
	// ReasonUpstreamFailed marks a skip caused by a failed, skipped, or
	// interrupted dependency.
	ReasonUpstreamFailed = "upstream-failed"

	// ReasonRunAborted marks a skip of a node that was never dispatched
	// because an earlier failure stopped the run.
	ReasonRunAborted = "run-aborted"

	// ReasonInterrupted marks a skip of a node that was never dispatched
	// because the run was cancelled.
	ReasonInterrupted = "interrupted"

	// ReasonTimeout marks a failure caused by the node's timeout expiring
	// rather than the task itself exiting nonzero.
	ReasonTimeout = "timeout"
)

// Result is the outcome of one task node.
type Result struct {
	// ID identifies the task.
	ID pipeline.TaskID

	// Status is the terminal status the node reached.
	Status Status

	// Reason qualifies Failed and Skipped statuses, empty otherwise.
	Reason string

	// Key is the cache key, empty when the run never got far enough to
	// compute it.
	Key string

	// Cached reports whether the outcome was replayed from the cache.
	Cached bool

	// ExitCode is the process exit code. Zero for skipped nodes.
	ExitCode int

	// Duration is the wall time spent executing or replaying the node.
	Duration time.Duration

	// Err carries the failure detail for Failed and Interrupted nodes.
	Err error
}
