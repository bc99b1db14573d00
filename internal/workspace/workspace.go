// Package workspace discovers the packages of a monorepo and builds the
// dependency graph the scheduler and pruner share.
package workspace

import (
	"path/filepath"

	"github.com/monorail-dev/monorail/internal/manifest"
)

// Package is one workspace member. It is constructed once during
// discovery and treated as immutable for the rest of the invocation.
type Package struct {
	// Name is the unique manifest name.
	Name string

	// Dir is the package directory relative to the workspace root,
	// slash-separated.
	Dir string

	// Path is the absolute package directory.
	Path string

	// Manifest is the parsed package manifest.
	Manifest *manifest.Manifest

	// ManifestHash is the blake3 digest of the manifest's raw bytes.
	ManifestHash string

	// InternalDeps names the declared dependencies that are themselves
	// workspace packages, sorted. Filled during graph construction.
	InternalDeps []string

	// ExternalDeps holds the declared dependencies that are not
	// workspace packages, in manifest kind order. Leaf metadata only;
	// external dependencies never become graph nodes.
	ExternalDeps []manifest.Dependency
}

// ManifestPath returns the absolute path of the package's manifest file.
func (p *Package) ManifestPath() string {
	return filepath.Join(p.Path, manifest.Filename)
}

// Workspace is the discovered monorepo: the root, its member packages,
// and the dependency graph over them.
type Workspace struct {
	// Root is the absolute workspace root directory.
	Root string

	// RootManifest is the manifest at the workspace root.
	RootManifest *manifest.Manifest

	// RootManifestHash is the blake3 digest of the root manifest bytes.
	RootManifestHash string

	// MemberGlobs are the patterns that selected the member directories.
	MemberGlobs []string

	// Graph is the package dependency graph.
	Graph *Graph
}

// Packages returns the members sorted by name.
func (w *Workspace) Packages() []*Package {
	return w.Graph.Packages()
}

// Package returns the named member, or nil when absent.
func (w *Workspace) Package(name string) *Package {
	return w.Graph.Package(name)
}
