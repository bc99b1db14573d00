package workspace

import (
	"fmt"
	"sort"
	"sync"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/manifest"
)

// Graph is the directed package dependency graph. An edge A -> B means
// "A depends on B": B must be built before A. The graph is constructed
// single-threaded, validated acyclic, and read-only afterwards; closure
// queries are memoized and safe for concurrent use.
type Graph struct {
	packages map[string]*Package
	names    []string

	// edges[A] lists A's internal dependencies, sorted.
	edges map[string][]string
	// reverse[B] lists the packages depending on B, sorted.
	reverse map[string][]string

	mu             sync.Mutex
	depClosures    map[string][]string
	dependClosures map[string][]string
}

// BuildGraph constructs the dependency graph from discovered packages.
// It rejects duplicate package names and any dependency cycle; the cycle
// error names the full path for debugging, not just the two endpoints.
func BuildGraph(packages []*Package) (*Graph, error) {
	g := &Graph{
		packages:       make(map[string]*Package, len(packages)),
		edges:          make(map[string][]string, len(packages)),
		reverse:        make(map[string][]string, len(packages)),
		depClosures:    make(map[string][]string),
		dependClosures: make(map[string][]string),
	}

	for _, pkg := range packages {
		if existing, ok := g.packages[pkg.Name]; ok {
			return nil, errors.NewDuplicatePackageNameError(pkg.Name, existing.Dir, pkg.Dir)
		}
		g.packages[pkg.Name] = pkg
		g.names = append(g.names, pkg.Name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		pkg := g.packages[name]
		var internal []string
		var external []manifest.Dependency

		for _, dep := range pkg.Manifest.AllDependencies() {
			if _, ok := g.packages[dep.Name]; ok && dep.Name != pkg.Name {
				internal = append(internal, dep.Name)
				continue
			}
			if dep.Name == pkg.Name {
				// A manifest naming itself is a one-node cycle.
				return nil, errors.NewCyclicDependencyError([]string{pkg.Name, pkg.Name})
			}
			external = append(external, dep)
		}

		internal = dedupSorted(internal)
		pkg.InternalDeps = internal
		pkg.ExternalDeps = external
		g.edges[name] = internal
		for _, dep := range internal {
			g.reverse[dep] = append(g.reverse[dep], name)
		}
	}

	for dep := range g.reverse {
		sort.Strings(g.reverse[dep])
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

func dedupSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || values[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// detectCycle runs a three-color depth-first search. White nodes are
// unvisited, grey nodes are on the current path, black nodes are fully
// explored. A grey-to-grey edge closes a cycle; the reported path runs
// from the first revisited node back to itself.
func (g *Graph) detectCycle() error {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(g.names))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		stack = append(stack, name)

		for _, dep := range g.edges[name] {
			switch color[dep] {
			case grey:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), dep)
				return errors.NewCyclicDependencyError(cycle)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range g.names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Packages returns all packages sorted by name.
func (g *Graph) Packages() []*Package {
	out := make([]*Package, 0, len(g.names))
	for _, name := range g.names {
		out = append(out, g.packages[name])
	}
	return out
}

// PackageNames returns all package names, sorted.
func (g *Graph) PackageNames() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Package returns the named package, or nil when absent.
func (g *Graph) Package(name string) *Package {
	return g.packages[name]
}

// Has reports whether the named package exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.packages[name]
	return ok
}

// Dependencies returns the direct internal dependencies of name, sorted.
func (g *Graph) Dependencies(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, errors.NewUnknownPackageError(name)
	}
	return copySlice(g.edges[name]), nil
}

// Dependents returns the packages directly depending on name, sorted.
func (g *Graph) Dependents(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, errors.NewUnknownPackageError(name)
	}
	return copySlice(g.reverse[name]), nil
}

// TransitiveDependencies returns every package reachable from name along
// "depends on" edges, sorted, excluding name itself. Results are
// memoized; the scheduler and pruner query the same closures repeatedly.
func (g *Graph) TransitiveDependencies(name string) ([]string, error) {
	return g.closure(name, g.edges, g.depClosures)
}

// TransitiveDependents returns every package that transitively depends
// on name, sorted, excluding name itself.
func (g *Graph) TransitiveDependents(name string) ([]string, error) {
	return g.closure(name, g.reverse, g.dependClosures)
}

func (g *Graph) closure(name string, edges map[string][]string, cache map[string][]string) ([]string, error) {
	if !g.Has(name) {
		return nil, errors.NewUnknownPackageError(name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return copySlice(g.closureLocked(name, edges, cache)), nil
}

func (g *Graph) closureLocked(name string, edges map[string][]string, cache map[string][]string) []string {
	if cached, ok := cache[name]; ok {
		return cached
	}

	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, next := range edges[n] {
			if seen[next] {
				continue
			}
			seen[next] = true
			if cached, ok := cache[next]; ok {
				for _, c := range cached {
					seen[c] = true
				}
				continue
			}
			walk(next)
		}
	}
	walk(name)

	closure := make([]string, 0, len(seen))
	for n := range seen {
		closure = append(closure, n)
	}
	sort.Strings(closure)
	cache[name] = closure
	return closure
}

// TopologicalOrder returns the package names so that every package
// appears after all of its dependencies. Ties break lexicographically,
// making the order reproducible for a fixed graph.
func (g *Graph) TopologicalOrder() []string {
	remaining := make(map[string]int, len(g.names))
	for _, name := range g.names {
		remaining[name] = len(g.edges[name])
	}

	var ready []string
	for _, name := range g.names {
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range g.reverse[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

// Validate re-checks structural invariants on an already-built graph.
func (g *Graph) Validate() error {
	for _, name := range g.names {
		for _, dep := range g.edges[name] {
			if !g.Has(dep) {
				return errors.New(errors.ErrCodeGraphUnknownPackage,
					fmt.Sprintf("package %s depends on unknown package %s", name, dep))
			}
		}
	}
	return g.detectCycle()
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
