package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/monorail-dev/monorail/internal/errors"
)

// SummaryDir is the directory under the workspace data dir that holds
// per-run summaries.
const SummaryDir = ".monorail/runs"

// TaskSummary records the outcome of one task node.
type TaskSummary struct {
	ID         string `json:"id"`
	Package    string `json:"package"`
	Task       string `json:"task"`
	Key        string `json:"key,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Cached     bool   `json:"cached"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Summary is the JSON record of one run: identity, timing, per-task
// outcomes, and aggregate counts. Tasks appear in scheduling order.
type Summary struct {
	RunID       string        `json:"runId"`
	StartedAt   time.Time     `json:"startedAt"`
	DurationMS  int64         `json:"durationMs"`
	DryRun      bool          `json:"dryRun,omitempty"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Interrupted int           `json:"interrupted"`
	CacheHits   int           `json:"cacheHits"`
	Tasks       []TaskSummary `json:"tasks"`
}

// newSummary assembles a Summary from per-node results in scheduling
// order.
func newSummary(startedAt time.Time, dryRun bool, results []Result) *Summary {
	s := &Summary{
		RunID:      uuid.New().String(),
		StartedAt:  startedAt.UTC(),
		DurationMS: time.Since(startedAt).Milliseconds(),
		DryRun:     dryRun,
		Tasks:      make([]TaskSummary, 0, len(results)),
	}

	for _, res := range results {
		ts := TaskSummary{
			ID:         res.ID.String(),
			Package:    res.ID.Package,
			Task:       res.ID.Task,
			Key:        res.Key,
			Status:     res.Status.String(),
			Reason:     res.Reason,
			Cached:     res.Cached,
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			ts.Error = res.Err.Error()
		}
		s.Tasks = append(s.Tasks, ts)

		switch res.Status {
		case StatusDone:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusInterrupted:
			s.Interrupted++
		}
		if res.Cached {
			s.CacheHits++
		}
	}
	return s
}

// OK reports whether every task reached Done.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Skipped == 0 && s.Interrupted == 0
}

// Write persists the summary under root's summary directory and returns
// the file path. The write goes through a temp file and rename so a
// crashed run never leaves a truncated summary behind.
func (s *Summary) Write(root string) (string, error) {
	dir := filepath.Join(root, filepath.FromSlash(SummaryDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrCodeExecSummaryFailed, "creating run summary directory", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeExecSummaryFailed, "encoding run summary", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, s.RunID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.Wrap(errors.ErrCodeExecSummaryFailed, fmt.Sprintf("writing run summary %s", path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(errors.ErrCodeExecSummaryFailed, fmt.Sprintf("writing run summary %s", path), err)
	}
	return path, nil
}
