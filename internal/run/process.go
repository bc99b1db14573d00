package run

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/monorail-dev/monorail/internal/pipeline"
)

// killGrace is how long a terminated process group gets to exit cleanly
// before it is killed outright.
const killGrace = 2 * time.Second

// processResult is the raw outcome of one child process.
type processResult struct {
	exitCode    int
	timedOut    bool
	interrupted bool
	spawnErr    error
	duration    time.Duration
}

// natural reports whether the process ran to its own exit, as opposed to
// being terminated by a timeout or interrupt or never starting.
func (p processResult) natural() bool {
	return p.spawnErr == nil && !p.timedOut && !p.interrupted
}

// runProcess executes the node's invocation through the platform shell in
// the package directory, streaming combined stdout and stderr to out. The
// process runs in its own group; cancellation and timeout terminate the
// whole group so grandchildren are reaped too.
func (r *Runner) runProcess(ctx context.Context, node *pipeline.Node, key string, out io.Writer) processResult {
	shell, flag := shellCommand()
	cmd := exec.Command(shell, flag, node.Invocation)
	cmd.Dir = node.Package.Path
	cmd.Env = taskEnv(r.root, node, key)
	cmd.Stdout = out
	cmd.Stderr = out
	configureGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return processResult{spawnErr: err, exitCode: -1, duration: time.Since(start)}
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var timeout <-chan time.Time
		if node.Timeout > 0 {
			t := time.NewTimer(node.Timeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-done:
		case <-ctx.Done():
			terminateGroup(cmd.Process, done)
		case <-timeout:
			timedOut.Store(true)
			terminateGroup(cmd.Process, done)
		}
	}()

	err := cmd.Wait()
	close(done)

	res := processResult{duration: time.Since(start)}
	if err == nil {
		return res
	}

	res.exitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
	}
	if timedOut.Load() {
		res.timedOut = true
	} else if ctx.Err() != nil {
		res.interrupted = true
	}
	return res
}

// taskEnv builds the child environment: the parent environment with the
// package and root node_modules bin directories prepended to PATH, plus
// the task identity and cache key for scripts that want them.
func taskEnv(root string, node *pipeline.Node, key string) []string {
	bins := filepath.Join(node.Package.Path, "node_modules", ".bin") +
		string(os.PathListSeparator) +
		filepath.Join(root, "node_modules", ".bin")

	env := os.Environ()
	found := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + bins + string(os.PathListSeparator) + kv[len("PATH="):]
			found = true
			break
		}
	}
	if !found {
		env = append(env, "PATH="+bins)
	}
	return append(env,
		"MONORAIL_TASK="+node.ID.String(),
		"MONORAIL_HASH="+key,
	)
}
