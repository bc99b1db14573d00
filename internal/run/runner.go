// Package run schedules an expanded task graph onto a bounded worker
// pool, consulting the cache before every execution and writing a replay
// entry after it. Scheduling is deterministic for a fixed graph: workers
// pull the ready node with the lowest insertion index, which is the
// topological order the expansion produced.
package run

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/monorail-dev/monorail/internal/cache"
	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/glob"
	"github.com/monorail-dev/monorail/internal/log"
	"github.com/monorail-dev/monorail/internal/pipeline"
)

// Options configure a run.
type Options struct {
	// Concurrency bounds the worker pool. Zero or negative selects the
	// available parallelism.
	Concurrency int

	// ContinueOnError keeps dispatching independent subtrees after a
	// failure. The failed node's descendants are skipped either way; the
	// default additionally stops dispatching nodes that have not started.
	ContinueOnError bool

	// DryRun resolves keys and cache states without spawning processes.
	DryRun bool

	// Force skips cache reads so every task executes. Entries are still
	// written.
	Force bool

	// Stdout receives prefixed task output and cache replays. Defaults
	// to os.Stdout.
	Stdout io.Writer
}

// Runner executes a task graph.
type Runner struct {
	root   string
	graph  *pipeline.TaskGraph
	cache  cache.Provider
	hasher *Hasher
	logger *log.Logger
	opts   Options
	stdout io.Writer
	outMu  sync.Mutex
}

// New builds a Runner rooted at the workspace root. The provider is
// consulted for every cacheable node; pass a tiered or async provider to
// layer remote storage or write-behind on top of the filesystem store.
func New(root string, graph *pipeline.TaskGraph, provider cache.Provider, hasher *Hasher, logger *log.Logger, opts Options) *Runner {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Runner{
		root:   root,
		graph:  graph,
		cache:  provider,
		hasher: hasher,
		logger: logger,
		opts:   opts,
		stdout: stdout,
	}
}

// Run executes the graph and returns the run summary. Task failures are
// reported through the summary, not the error; the error is non-nil only
// when the run itself was interrupted.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	if r.opts.DryRun {
		return r.dryRun(ctx, start)
	}

	sched := newSchedule(r.graph, r.opts.ContinueOnError)

	workers := r.opts.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > sched.total {
		workers = sched.total
	}
	r.logger.Debug("starting run", "tasks", sched.total, "workers", workers)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			sched.cancel()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				st, ok := sched.next()
				if !ok {
					return
				}
				sched.complete(st, r.executeNode(ctx, sched, st))
			}
		}()
	}
	wg.Wait()

	summary := newSummary(start, false, sched.results())
	r.logger.Info("run complete",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"interrupted", summary.Interrupted,
		"cacheHits", summary.CacheHits,
	)

	if sched.wasCancelled() {
		return summary, errors.Wrap(errors.ErrCodeExecInterrupted, "run interrupted", ctx.Err())
	}
	return summary, nil
}

// dryRun walks the graph in scheduling order, computing every key and
// probing the cache, without spawning anything.
func (r *Runner) dryRun(ctx context.Context, start time.Time) (*Summary, error) {
	keys := make(map[pipeline.TaskID]string, r.graph.Len())
	results := make([]Result, 0, r.graph.Len())

	for _, node := range r.graph.Nodes() {
		upstream := make([]string, len(node.DependsOn))
		for i, dep := range node.DependsOn {
			upstream[i] = keys[dep]
		}
		key, err := r.hasher.TaskKey(node, upstream)
		if err != nil {
			return nil, err
		}
		keys[node.ID] = key

		res := Result{ID: node.ID, Status: StatusPending, Key: key}
		if cacheable(node) {
			hit, err := r.cache.Exists(ctx, key)
			if err != nil {
				r.logger.Warn("cache probe failed", "task", node.ID.String(), "error", err)
			}
			res.Cached = hit
		}
		results = append(results, res)
	}

	return newSummary(start, true, results), nil
}

// executeNode resolves one node: cache replay on a hit, process execution
// on a miss, then a cache write for natural exits.
func (r *Runner) executeNode(ctx context.Context, sched *schedule, st *taskState) Result {
	node := st.node
	logger := r.logger.WithTask(node.ID.String())
	res := Result{ID: node.ID}

	key, err := r.hasher.TaskKey(node, sched.upstreamKeys(node))
	if err != nil {
		logger.Error("cache key computation failed", "error", err)
		res.Status = StatusFailed
		res.ExitCode = -1
		res.Err = err
		return res
	}
	res.Key = key

	if cacheable(node) && !r.opts.Force {
		entry, err := r.cache.Get(ctx, r.root, key)
		switch {
		case err == nil:
			if err := replayLog(&r.outMu, r.stdout, node.ID.String(), entry.Log); err != nil {
				logger.Warn("log replay failed", "error", err)
			}
			res.Cached = true
			res.ExitCode = entry.ExitCode
			res.Duration = entry.Duration
			if entry.ExitCode == 0 {
				res.Status = StatusDone
			} else {
				res.Status = StatusFailed
				res.Err = errors.NewTaskFailedError(node.ID.String(), entry.ExitCode, nil)
			}
			logger.Debug("cache hit", "key", key, "exitCode", entry.ExitCode)
			return res
		case cache.IsMiss(err):
		default:
			logger.Warn("cache read failed, treating as miss", "error", err)
		}
	}

	pw := newPrefixWriter(&r.outMu, r.stdout, node.ID.String())
	var logBuf bytes.Buffer
	proc := r.runProcess(ctx, node, key, io.MultiWriter(&logBuf, pw))
	_ = pw.Flush()

	res.ExitCode = proc.exitCode
	res.Duration = proc.duration

	switch {
	case proc.spawnErr != nil:
		res.Status = StatusFailed
		res.Err = errors.Wrap(errors.ErrCodeExecSpawnFailed, fmt.Sprintf("spawning task %s", node.ID), proc.spawnErr)
		logger.Error("spawn failed", "error", proc.spawnErr)
	case proc.interrupted:
		res.Status = StatusInterrupted
		res.Reason = ReasonInterrupted
		res.Err = errors.Wrap(errors.ErrCodeExecInterrupted, fmt.Sprintf("task %s interrupted", node.ID), ctx.Err())
	case proc.timedOut:
		res.Status = StatusFailed
		res.Reason = ReasonTimeout
		res.Err = errors.NewTaskTimeoutError(node.ID.String(), node.Timeout.String())
		logger.Error("task timed out", "timeout", node.Timeout.String())
	case proc.exitCode != 0:
		res.Status = StatusFailed
		res.Err = errors.NewTaskFailedError(node.ID.String(), proc.exitCode, nil)
	default:
		res.Status = StatusDone
	}

	// Natural exits are cached, including failures, so an unchanged retry
	// replays instead of re-running. Terminations are not: an interrupted
	// or timed-out node must execute again next run.
	if cacheable(node) && proc.natural() {
		r.storeEntry(ctx, logger, node, key, &logBuf, proc)
	}
	return res
}

// storeEntry captures the node's declared outputs and writes the cache
// entry. Cache write problems are logged and swallowed; caching never
// fails a run.
func (r *Runner) storeEntry(ctx context.Context, logger *log.Logger, node *pipeline.Node, key string, logBuf *bytes.Buffer, proc processResult) {
	files, err := r.captureOutputs(node)
	if err != nil {
		logger.Warn("output capture failed, not caching", "error", err)
		return
	}
	entry := &cache.Entry{
		ExitCode: proc.exitCode,
		Log:      logBuf.Bytes(),
		Duration: proc.duration,
		Files:    files,
	}
	if err := r.cache.Put(ctx, r.root, key, entry); err != nil {
		logger.Warn("cache write failed", "error", err)
		return
	}
	logger.Debug("cached", "key", key, "files", len(files))
}

// captureOutputs expands the node's output globs against the package tree
// and returns the matches as root-relative slash paths.
func (r *Runner) captureOutputs(node *pipeline.Node) ([]string, error) {
	outputs := node.Definition.Outputs
	if len(outputs) == 0 {
		return nil, nil
	}
	files, err := matchFiles(node.Package.Path, glob.NewSet(outputs))
	if err != nil {
		return nil, err
	}
	rooted := make([]string, len(files))
	for i, f := range files {
		rooted[i] = path.Join(node.Package.Dir, f)
	}
	return rooted, nil
}

func cacheable(node *pipeline.Node) bool {
	return node.Definition.CacheEnabled() && !node.Definition.Persistent
}

// taskState is the per-node mutable record, owned by the schedule and
// guarded by its mutex.
type taskState struct {
	node    *pipeline.Node
	index   int
	waiting int
	result  Result
}

// schedule is the synchronized status table: it tracks node states,
// orders the ready queue, unlocks dependents on completion, and cascades
// skips from failures.
type schedule struct {
	mu    sync.Mutex
	cond  *sync.Cond
	graph *pipeline.TaskGraph

	states map[pipeline.TaskID]*taskState
	order  []pipeline.TaskID
	ready  readyQueue

	continueOn bool
	stopped    bool
	cancelled  bool
	running    int
	terminal   int
	total      int
}

func newSchedule(graph *pipeline.TaskGraph, continueOn bool) *schedule {
	nodes := graph.Nodes()
	s := &schedule{
		graph:      graph,
		states:     make(map[pipeline.TaskID]*taskState, len(nodes)),
		order:      make([]pipeline.TaskID, 0, len(nodes)),
		continueOn: continueOn,
		total:      len(nodes),
	}
	s.cond = sync.NewCond(&s.mu)

	for i, node := range nodes {
		st := &taskState{
			node:    node,
			index:   i,
			waiting: len(node.DependsOn),
			result:  Result{ID: node.ID, Status: StatusPending},
		}
		s.states[node.ID] = st
		s.order = append(s.order, node.ID)
		if st.waiting == 0 {
			st.result.Status = StatusReady
			heap.Push(&s.ready, st)
		}
	}
	return s
}

// next blocks until a node can be dispatched and claims it, or reports
// false when the run is over for this worker.
func (s *schedule) next() (*taskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if (s.stopped || s.cancelled) && s.running == 0 {
			s.sweepLocked()
		}
		if s.terminal == s.total {
			s.cond.Broadcast()
			return nil, false
		}
		if len(s.ready) > 0 && !s.stopped && !s.cancelled {
			st := heap.Pop(&s.ready).(*taskState)
			st.result.Status = StatusRunning
			s.running++
			return st, true
		}
		s.cond.Wait()
	}
}

// complete publishes a node's result, unlocking dependents on success and
// cascading skips otherwise.
func (s *schedule) complete(st *taskState, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.result = res
	s.running--
	s.terminal++

	if res.Status == StatusDone {
		for _, dep := range s.graph.Dependents(st.node.ID) {
			dst := s.states[dep]
			dst.waiting--
			if dst.waiting == 0 && dst.result.Status == StatusPending {
				dst.result.Status = StatusReady
				heap.Push(&s.ready, dst)
			}
		}
	} else {
		s.skipDependentsLocked(st.node.ID)
		if res.Status == StatusFailed && !s.continueOn {
			s.stopped = true
		}
		if res.Status == StatusInterrupted {
			s.cancelled = true
		}
	}
	s.cond.Broadcast()
}

// skipDependentsLocked marks every transitive dependent of id as skipped.
// Dependents of a non-Done node are necessarily still Pending, so the
// cascade never touches a queued or running node.
func (s *schedule) skipDependentsLocked(id pipeline.TaskID) {
	for _, dep := range s.graph.Dependents(id) {
		dst := s.states[dep]
		if dst.result.Status.Terminal() {
			continue
		}
		dst.result.Status = StatusSkipped
		dst.result.Reason = ReasonUpstreamFailed
		s.terminal++
		s.skipDependentsLocked(dep)
	}
}

// sweepLocked finalizes every unfinished node after dispatch has stopped
// and the last running worker has drained.
func (s *schedule) sweepLocked() {
	reason := ReasonRunAborted
	if s.cancelled {
		reason = ReasonInterrupted
	}
	for _, id := range s.order {
		st := s.states[id]
		if st.result.Status.Terminal() {
			continue
		}
		st.result.Status = StatusSkipped
		st.result.Reason = reason
		s.terminal++
	}
	s.ready = nil
}

// cancel stops dispatch; in-flight processes are terminated by their own
// context watchers.
func (s *schedule) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *schedule) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// upstreamKeys returns the cache keys of the node's dependencies in
// DependsOn order. Every dependency is Done by the time the node is
// dispatched, so the keys are final.
func (s *schedule) upstreamKeys(node *pipeline.Node) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, len(node.DependsOn))
	for i, dep := range node.DependsOn {
		keys[i] = s.states[dep].result.Key
	}
	return keys
}

// results returns every node's result in scheduling order.
func (s *schedule) results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.states[id].result)
	}
	return out
}

// readyQueue is a min-heap over insertion index, giving deterministic
// dispatch when several nodes are ready at once.
type readyQueue []*taskState

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].index < q[j].index }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(*taskState)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return st
}
