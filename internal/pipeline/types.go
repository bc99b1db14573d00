package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/workspace"
)

// TaskID identifies one task in one workspace package.
type TaskID struct {
	Package string
	Task    string
}

// String renders the id in "package#task" notation.
func (id TaskID) String() string {
	return id.Package + "#" + id.Task
}

// Less orders ids by package name, then task name.
func (id TaskID) Less(other TaskID) bool {
	if id.Package != other.Package {
		return id.Package < other.Package
	}
	return id.Task < other.Task
}

// TaskDefinition is one pipeline entry from the workspace configuration.
// The zero value is a valid definition: no ordering constraints, caching
// enabled, the whole package tree as input, nothing captured as output.
type TaskDefinition struct {
	// DependsOn lists task references. A bare name refers to a task in
	// the same package; a "^" prefix refers to that task in every
	// package this one transitively depends on.
	DependsOn []string `json:"dependsOn,omitempty"`
	// Inputs are glob patterns, relative to the package directory, that
	// restrict which files feed the task's cache key.
	Inputs []string `json:"inputs,omitempty"`
	// Outputs are glob patterns for the files the task produces, captured
	// into the cache after a successful run.
	Outputs []string `json:"outputs,omitempty"`
	// Env names environment variables whose values feed the cache key.
	Env []string `json:"env,omitempty"`
	// Cache disables caching for this task when set to false.
	Cache *bool `json:"cache,omitempty"`
	// Persistent marks a long-running task that never exits, such as a
	// dev server. Persistent tasks cannot be depended on.
	Persistent bool `json:"persistent,omitempty"`
	// Timeout bounds a single execution, in time.ParseDuration syntax.
	// Empty means no limit.
	Timeout string `json:"timeout,omitempty"`
}

// CacheEnabled reports whether results of this task may be cached.
func (d TaskDefinition) CacheEnabled() bool {
	return d.Cache == nil || *d.Cache
}

// TimeoutDuration parses the Timeout field. Empty means no limit.
func (d TaskDefinition) TimeoutDuration() (time.Duration, error) {
	if d.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(d.Timeout)
}

// Pipeline maps task names to their ordering and caching rules.
type Pipeline map[string]TaskDefinition

// Task returns the definition for name. Tasks without an entry get the
// zero definition.
func (p Pipeline) Task(name string) TaskDefinition {
	return p[name]
}

// Validate checks every task reference for well-formedness and rejects
// dependencies on persistent tasks before any expansion happens.
func (p Pipeline) Validate() error {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := p[name]
		if name == "" {
			return errors.New(errors.ErrCodePipelineInvalid, "pipeline contains a task with an empty name")
		}
		if _, err := def.TimeoutDuration(); err != nil {
			return errors.Wrap(errors.ErrCodePipelineInvalid,
				fmt.Sprintf("task %q has an invalid timeout %q", name, def.Timeout), err)
		}
		for _, ref := range def.DependsOn {
			target := strings.TrimPrefix(ref, "^")
			if target == "" {
				return errors.New(errors.ErrCodePipelineInvalid,
					fmt.Sprintf("task %q has an empty dependency reference", name)).
					WithSuggestion("Use \"taskName\" for a same-package task or \"^taskName\" for upstream packages")
			}
			if tdef, ok := p[target]; ok && tdef.Persistent {
				return errors.NewPersistentDependencyError(name, target)
			}
		}
		if err := validatePatterns(name, "outputs", def.Outputs); err != nil {
			return err
		}
		if err := validatePatterns(name, "inputs", def.Inputs); err != nil {
			return err
		}
	}
	return nil
}

// validatePatterns rejects glob patterns that would reach outside the
// package directory. Outputs and inputs are captured and hashed relative
// to the package, so absolute and parent-escaping patterns have no
// meaning there.
func validatePatterns(task, field string, patterns []string) error {
	for _, p := range patterns {
		pat := strings.TrimPrefix(p, "!")
		if strings.HasPrefix(pat, "/") || pat == ".." || strings.HasPrefix(pat, "../") || strings.Contains(pat, "/../") {
			return errors.New(errors.ErrCodePipelineOutputsInvalid,
				fmt.Sprintf("task %q has an invalid %s pattern %q", task, field, p)).
				WithSuggestion("Output and input globs are relative to the package directory")
		}
	}
	return nil
}

// Node is one schedulable (package, task) pair in the expanded graph.
type Node struct {
	ID TaskID
	// Package is the immutable workspace record the task runs in.
	Package *workspace.Package
	// Invocation is the script command from the package manifest.
	Invocation string
	// Definition is the pipeline entry governing this task.
	Definition TaskDefinition
	// Timeout is the parsed per-execution limit, zero when unbounded.
	Timeout time.Duration
	// DependsOn lists upstream nodes, sorted for deterministic hashing.
	DependsOn []TaskID
}

// TaskGraph is the DAG of (package, task) nodes produced by Expand.
// Nodes iterates in insertion order, which places every node after all
// of its upstream dependencies; the scheduler uses that order both for
// dispatch tie-breaking and for Merkle key computation.
type TaskGraph struct {
	nodes      map[TaskID]*Node
	order      []TaskID
	dependents map[TaskID][]TaskID
}

func newTaskGraph() *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[TaskID]*Node),
		dependents: make(map[TaskID][]TaskID),
	}
}

func (tg *TaskGraph) insert(node *Node) {
	tg.nodes[node.ID] = node
	tg.order = append(tg.order, node.ID)
	for _, dep := range node.DependsOn {
		tg.dependents[dep] = append(tg.dependents[dep], node.ID)
	}
}

// Len returns the number of nodes.
func (tg *TaskGraph) Len() int {
	return len(tg.order)
}

// Node returns the node for id.
func (tg *TaskGraph) Node(id TaskID) (*Node, bool) {
	n, ok := tg.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order, upstream before
// downstream.
func (tg *TaskGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(tg.order))
	for _, id := range tg.order {
		out = append(out, tg.nodes[id])
	}
	return out
}

// IDs returns every node id in insertion order.
func (tg *TaskGraph) IDs() []TaskID {
	out := make([]TaskID, len(tg.order))
	copy(out, tg.order)
	return out
}

// Dependents returns the nodes that depend directly on id.
func (tg *TaskGraph) Dependents(id TaskID) []TaskID {
	deps := tg.dependents[id]
	out := make([]TaskID, len(deps))
	copy(out, deps)
	return out
}
