// Package cache stores and replays task results keyed by content hash.
// The scheduler treats every provider failure as a miss: caching is a
// performance optimization and never a correctness requirement.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that no entry exists for the requested key.
var ErrMiss = errors.New("cache miss")

// IsMiss reports whether err is a cache miss rather than a provider
// failure.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Entry is one cached task result: the exit status, the captured output
// log, the wall time of the original execution, and the files the task
// produced.
type Entry struct {
	ExitCode int
	// Log is the combined stdout and stderr captured from the original
	// run, replayed verbatim on a hit.
	Log []byte
	// Duration is how long the original execution took.
	Duration time.Duration
	// Files lists produced files, slash-separated and relative to the
	// workspace root.
	Files []string
}

// Provider is the cache the scheduler consults before running a task.
// Implementations must tolerate concurrent calls. Entries are immutable
// once written; racing writes to the same key may arrive in any order
// but never corrupt each other.
type Provider interface {
	// Get restores the entry stored under key into the workspace rooted
	// at anchor and returns its metadata. Absent entries return ErrMiss.
	Get(ctx context.Context, anchor, key string) (*Entry, error)

	// Exists reports whether an entry is stored under key without
	// restoring anything. Dry runs use this to report cache state.
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores the entry metadata and captures entry.Files from the
	// workspace rooted at anchor.
	Put(ctx context.Context, anchor, key string, entry *Entry) error

	// Close flushes pending writes and releases provider resources.
	Close() error
}

// entryMeta is the serialized form of an Entry, stored as the metadata
// sidecar on disk and embedded in transport artifacts.
type entryMeta struct {
	ExitCode   int      `json:"exitCode"`
	Log        []byte   `json:"log,omitempty"`
	DurationMS int64    `json:"durationMs"`
	Files      []string `json:"files,omitempty"`
}

func metaFromEntry(entry *Entry) entryMeta {
	return entryMeta{
		ExitCode:   entry.ExitCode,
		Log:        entry.Log,
		DurationMS: entry.Duration.Milliseconds(),
		Files:      entry.Files,
	}
}

func (m entryMeta) toEntry() *Entry {
	return &Entry{
		ExitCode: m.ExitCode,
		Log:      m.Log,
		Duration: time.Duration(m.DurationMS) * time.Millisecond,
		Files:    m.Files,
	}
}
