package workspace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/manifest"
)

func pkg(name string, deps ...string) *Package {
	depMap := make(map[string]string, len(deps))
	for _, d := range deps {
		depMap[d] = "workspace:*"
	}
	return &Package{
		Name: name,
		Dir:  "packages/" + name,
		Manifest: &manifest.Manifest{
			Name:         name,
			Dependencies: depMap,
			Scripts:      map[string]string{"build": "build " + name},
		},
		ManifestHash: "hash-" + name,
	}
}

func TestBuildGraphEdges(t *testing.T) {
	web := pkg("web", "shared", "util")
	web.Manifest.Dependencies["is-number"] = "^7.0.0"
	shared := pkg("shared", "util")
	util := pkg("util")

	g, err := BuildGraph([]*Package{web, shared, util})
	require.NoError(t, err)

	deps, err := g.Dependencies("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "util"}, deps)

	assert.Equal(t, []string{"shared", "util"}, web.InternalDeps)
	require.Len(t, web.ExternalDeps, 1)
	assert.Equal(t, "is-number", web.ExternalDeps[0].Name)

	dependents, err := g.Dependents("util")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "web"}, dependents)
}

func TestBuildGraphDevDependencyEdge(t *testing.T) {
	app := pkg("app")
	app.Manifest.DevDependencies = map[string]string{"tooling": "workspace:*"}
	tooling := pkg("tooling")

	g, err := BuildGraph([]*Package{app, tooling})
	require.NoError(t, err)

	deps, err := g.Dependencies("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"tooling"}, deps)
}

func TestBuildGraphDuplicateName(t *testing.T) {
	a := pkg("shared")
	a.Dir = "packages/shared"
	b := pkg("shared")
	b.Dir = "libs/shared"

	_, err := BuildGraph([]*Package{a, b})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGraphDuplicateName, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "packages/shared")
	assert.Contains(t, err.Error(), "libs/shared")
}

func TestBuildGraphSelfDependency(t *testing.T) {
	_, err := BuildGraph([]*Package{pkg("loop", "loop")})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGraphCyclicDep, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "loop -> loop")
}

func TestBuildGraphTwoNodeCycle(t *testing.T) {
	_, err := BuildGraph([]*Package{pkg("a", "b"), pkg("b", "a")})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGraphCyclicDep, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestBuildGraphCycleNamesFullPath(t *testing.T) {
	_, err := BuildGraph([]*Package{
		pkg("a", "b"),
		pkg("b", "c"),
		pkg("c", "a"),
		pkg("standalone"),
	})
	require.Error(t, err)

	msg := err.Error()
	// The full path is reported, not just two endpoints.
	start := strings.Index(msg, "a ->")
	require.GreaterOrEqual(t, start, 0, "expected cycle path in %q", msg)
	assert.Contains(t, msg, "a -> b -> c -> a")
	assert.NotContains(t, msg, "standalone")
}

func TestTransitiveDependencies(t *testing.T) {
	g, err := BuildGraph([]*Package{
		pkg("web", "shared"),
		pkg("shared", "util"),
		pkg("util"),
		pkg("docs"),
	})
	require.NoError(t, err)

	closure, err := g.TransitiveDependencies("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "util"}, closure)

	closure, err = g.TransitiveDependencies("util")
	require.NoError(t, err)
	assert.Empty(t, closure)
}

func TestTransitiveDependenciesIdempotent(t *testing.T) {
	g, err := BuildGraph([]*Package{
		pkg("web", "shared", "util"),
		pkg("shared", "util"),
		pkg("util", "base"),
		pkg("base"),
	})
	require.NoError(t, err)

	closure, err := g.TransitiveDependencies("web")
	require.NoError(t, err)

	// The closure of anything inside the closure stays inside it.
	members := make(map[string]bool)
	for _, m := range closure {
		members[m] = true
	}
	for _, m := range closure {
		inner, err := g.TransitiveDependencies(m)
		require.NoError(t, err)
		for _, n := range inner {
			assert.True(t, members[n], "%s escaped the closure via %s", n, m)
		}
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := BuildGraph([]*Package{
		pkg("web", "shared"),
		pkg("admin", "shared"),
		pkg("shared", "util"),
		pkg("util"),
	})
	require.NoError(t, err)

	dependents, err := g.TransitiveDependents("util")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "shared", "web"}, dependents)

	dependents, err = g.TransitiveDependents("web")
	require.NoError(t, err)
	assert.Empty(t, dependents)
}

func TestTransitiveMemoizationReturnsCopies(t *testing.T) {
	g, err := BuildGraph([]*Package{pkg("web", "shared"), pkg("shared")})
	require.NoError(t, err)

	first, err := g.TransitiveDependencies("web")
	require.NoError(t, err)
	first[0] = "mutated"

	second, err := g.TransitiveDependencies("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, second)
}

func TestClosureUnknownPackage(t *testing.T) {
	g, err := BuildGraph([]*Package{pkg("web")})
	require.NoError(t, err)

	_, err = g.TransitiveDependencies("ghost")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGraphUnknownPackage, errors.CodeOf(err))

	_, err = g.Dependents("ghost")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGraphUnknownPackage, errors.CodeOf(err))
}

func TestTopologicalOrder(t *testing.T) {
	g, err := BuildGraph([]*Package{
		pkg("web", "shared", "util"),
		pkg("shared", "util"),
		pkg("util"),
		pkg("docs", "shared"),
	})
	require.NoError(t, err)

	order := g.TopologicalOrder()
	require.Len(t, order, 4)

	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}

	assert.Less(t, position["util"], position["shared"])
	assert.Less(t, position["shared"], position["web"])
	assert.Less(t, position["shared"], position["docs"])

	// Deterministic across invocations.
	assert.Equal(t, order, g.TopologicalOrder())
}

func TestValidate(t *testing.T) {
	g, err := BuildGraph([]*Package{pkg("web", "shared"), pkg("shared")})
	require.NoError(t, err)
	assert.NoError(t, g.Validate())
}
