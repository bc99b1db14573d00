package run

import (
	"bytes"
	"io"
	"sync"
)

// prefixWriter prepends a task label to every line it writes. Partial
// lines are buffered until their newline arrives, and the shared mutex
// keeps lines from different tasks from interleaving mid-line.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix []byte
	buf    []byte
}

func newPrefixWriter(mu *sync.Mutex, w io.Writer, label string) *prefixWriter {
	return &prefixWriter{mu: mu, w: w, prefix: []byte(label + ": ")}
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	written := len(p)
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			pw.buf = append(pw.buf, p...)
			return written, nil
		}
		line := p[:i+1]
		if _, err := pw.w.Write(pw.prefix); err != nil {
			return written - len(p), err
		}
		if len(pw.buf) > 0 {
			if _, err := pw.w.Write(pw.buf); err != nil {
				return written - len(p), err
			}
			pw.buf = pw.buf[:0]
		}
		if _, err := pw.w.Write(line); err != nil {
			return written - len(p), err
		}
		p = p[i+1:]
	}
}

// Flush emits any buffered partial line, terminating it with a newline so
// the next task's output starts on a fresh line.
func (pw *prefixWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if len(pw.buf) == 0 {
		return nil
	}
	if _, err := pw.w.Write(pw.prefix); err != nil {
		return err
	}
	pw.buf = append(pw.buf, '\n')
	if _, err := pw.w.Write(pw.buf); err != nil {
		return err
	}
	pw.buf = pw.buf[:0]
	return nil
}

// replayLog writes a cached task log through a fresh prefix writer so a
// replayed task reads identically to a fresh execution.
func replayLog(mu *sync.Mutex, w io.Writer, label string, log []byte) error {
	if len(log) == 0 {
		return nil
	}
	pw := newPrefixWriter(mu, w, label)
	if _, err := pw.Write(log); err != nil {
		return err
	}
	return pw.Flush()
}
