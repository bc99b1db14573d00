package pipeline

import (
	"sort"
	"strings"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/workspace"
)

// Options control task graph expansion.
type Options struct {
	// Scope restricts entry points to the named packages. Empty means
	// every package in the workspace. Packages outside the scope and its
	// transitive dependencies are never materialized as nodes.
	Scope []string
	// Tasks are the requested task names, in invocation order.
	Tasks []string
}

// Expand crosses the workspace graph with the pipeline and produces the
// task graph for the requested tasks. Entry points are scope × tasks;
// upstream references pull dependency packages' tasks in behind them. A
// package without a script for a referenced task contributes no node,
// which is not an error: absence of a task in a package only prunes the
// edge. A requested task that neither the pipeline nor any scoped
// package knows about is an error.
func Expand(g *workspace.Graph, pl Pipeline, opts Options) (*TaskGraph, error) {
	if err := pl.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Tasks) == 0 {
		return nil, errors.New(errors.ErrCodePipelineInvalid, "no tasks requested")
	}

	entry, universe, err := resolveScope(g, opts.Scope)
	if err != nil {
		return nil, err
	}

	e := &expander{
		graph:    g,
		pipeline: pl,
		universe: universe,
		tg:       newTaskGraph(),
		state:    make(map[TaskID]visitState),
	}

	for _, task := range dedup(opts.Tasks) {
		_, declared := pl[task]
		for _, name := range entry {
			pkg := g.Package(name)
			if !pkg.Manifest.HasScript(task) {
				continue
			}
			declared = true
			if _, err := e.visit(pkg, task); err != nil {
				return nil, err
			}
		}
		if !declared {
			return nil, errors.NewTaskNotFoundError(task)
		}
	}

	return e.tg, nil
}

// resolveScope validates the scope filter and returns the entry packages
// in topological order plus the universe of packages expansion may touch
// (the scope and its transitive dependencies).
func resolveScope(g *workspace.Graph, scope []string) ([]string, map[string]bool, error) {
	selected := make(map[string]bool)
	if len(scope) == 0 {
		for _, name := range g.PackageNames() {
			selected[name] = true
		}
	} else {
		for _, name := range scope {
			if !g.Has(name) {
				return nil, nil, errors.NewUnknownPackageError(name)
			}
			selected[name] = true
		}
	}

	universe := make(map[string]bool, len(selected))
	for name := range selected {
		universe[name] = true
		deps, err := g.TransitiveDependencies(name)
		if err != nil {
			return nil, nil, err
		}
		for _, dep := range deps {
			universe[dep] = true
		}
	}

	var entry []string
	for _, name := range g.TopologicalOrder() {
		if selected[name] {
			entry = append(entry, name)
		}
	}
	if len(entry) == 0 {
		return nil, nil, errors.New(errors.ErrCodePipelineScopeEmpty, "no packages in scope").
			WithSuggestion("Check that the workspace contains at least one package")
	}
	return entry, universe, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

type expander struct {
	graph    *workspace.Graph
	pipeline Pipeline
	universe map[string]bool
	tg       *TaskGraph
	state    map[TaskID]visitState
	stack    []TaskID
}

// visit materializes the node for (pkg, task) and, depth-first, every
// upstream node it references. Nodes are inserted after their
// dependencies, so graph insertion order is a topological order. The
// visiting state marks the active recursion path; reaching a node in
// that state means the pipeline references cycle at task granularity
// even though the package graph is acyclic.
func (e *expander) visit(pkg *workspace.Package, task string) (*Node, error) {
	id := TaskID{Package: pkg.Name, Task: task}
	switch e.state[id] {
	case visited:
		return e.tg.nodes[id], nil
	case visiting:
		return nil, errors.NewCyclicTaskError(e.cyclePath(id))
	}
	e.state[id] = visiting
	e.stack = append(e.stack, id)

	def := e.pipeline.Task(task)
	timeout, err := def.TimeoutDuration()
	if err != nil {
		// Validate already rejected malformed timeouts.
		return nil, errors.Wrap(errors.ErrCodePipelineInvalid, "invalid timeout for task "+task, err)
	}
	invocation, _ := pkg.Manifest.Script(task)
	node := &Node{
		ID:         id,
		Package:    pkg,
		Invocation: invocation,
		Definition: def,
		Timeout:    timeout,
	}

	seen := make(map[TaskID]bool)
	for _, ref := range def.DependsOn {
		if upstream, ok := strings.CutPrefix(ref, "^"); ok {
			deps, err := e.graph.TransitiveDependencies(pkg.Name)
			if err != nil {
				return nil, err
			}
			for _, depName := range deps {
				if !e.universe[depName] {
					continue
				}
				dep := e.graph.Package(depName)
				if !dep.Manifest.HasScript(upstream) {
					continue
				}
				depNode, err := e.visit(dep, upstream)
				if err != nil {
					return nil, err
				}
				if !seen[depNode.ID] {
					seen[depNode.ID] = true
					node.DependsOn = append(node.DependsOn, depNode.ID)
				}
			}
			continue
		}

		if !pkg.Manifest.HasScript(ref) {
			continue
		}
		depNode, err := e.visit(pkg, ref)
		if err != nil {
			return nil, err
		}
		if !seen[depNode.ID] {
			seen[depNode.ID] = true
			node.DependsOn = append(node.DependsOn, depNode.ID)
		}
	}

	sort.Slice(node.DependsOn, func(i, j int) bool {
		return node.DependsOn[i].Less(node.DependsOn[j])
	})

	e.stack = e.stack[:len(e.stack)-1]
	e.state[id] = visited
	e.tg.insert(node)
	return node, nil
}

// cyclePath slices the recursion stack from the first occurrence of id
// and closes the loop, so the error names the complete cycle.
func (e *expander) cyclePath(id TaskID) []string {
	start := 0
	for i, frame := range e.stack {
		if frame == id {
			start = i
			break
		}
	}
	path := make([]string, 0, len(e.stack)-start+1)
	for _, frame := range e.stack[start:] {
		path = append(path, frame.String())
	}
	return append(path, id.String())
}

func dedup(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
