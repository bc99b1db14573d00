// Package manifest reads and writes package manifests, the per-package
// JSON documents declaring a package's name, dependencies, and task scripts.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/hash"
)

// Filename is the manifest file name expected in every package directory.
const Filename = "package.json"

// DependencyKind partitions declared dependencies the way the manifest does.
type DependencyKind int

const (
	// KindRuntime is a regular dependency needed at runtime
	KindRuntime DependencyKind = iota
	// KindDev is a dependency needed only while developing or building
	KindDev
	// KindPeer is a dependency the consumer is expected to provide
	KindPeer
	// KindOptional is a dependency whose install failure is tolerated
	KindOptional
)

// String returns the manifest key for the kind.
func (k DependencyKind) String() string {
	switch k {
	case KindRuntime:
		return "dependencies"
	case KindDev:
		return "devDependencies"
	case KindPeer:
		return "peerDependencies"
	case KindOptional:
		return "optionalDependencies"
	default:
		return "unknown"
	}
}

// Dependency is one declared dependency specifier.
type Dependency struct {
	Name string
	Spec string
	Kind DependencyKind
}

// Manifest is the parsed form of one package.json.
type Manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version,omitempty"`
	Private              bool              `json:"private,omitempty"`
	PackageManager       string            `json:"packageManager,omitempty"`
	Workspaces           []string          `json:"workspaces,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
}

// Read parses the manifest at path and returns it with the blake3 digest
// of the raw file bytes. The digest feeds cache key computation, so it is
// taken over the bytes on disk, not the parsed form.
func Read(path string) (*Manifest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.NewFileNotFoundError(path)
		}
		return nil, "", errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("failed to read manifest: %s", path), err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", errors.Wrap(errors.ErrCodeGraphManifestInvalid, fmt.Sprintf("failed to parse manifest: %s", path), err).
			WithSuggestion("Check the file for JSON syntax errors")
	}

	if m.Name == "" {
		return nil, "", errors.New(errors.ErrCodeGraphManifestInvalid, fmt.Sprintf("manifest %s has no name field", path)).
			WithSuggestion("Every workspace package must declare a unique name")
	}

	return &m, hash.Bytes(data), nil
}

// ReadDir reads the manifest inside the given package directory.
func ReadDir(dir string) (*Manifest, string, error) {
	return Read(filepath.Join(dir, Filename))
}

// Write serializes the manifest to path with stable formatting: two-space
// indentation, sorted map keys, trailing newline. Writes go through a
// temp file and rename so readers never observe a partial manifest.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, fmt.Sprintf("failed to encode manifest: %s", path), err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, fmt.Sprintf("failed to write manifest: %s", path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeFileWriteFailed, fmt.Sprintf("failed to write manifest: %s", path), err)
	}
	return nil
}

// AllDependencies returns every declared dependency across all four kinds,
// ordered by kind then name so iteration is deterministic.
func (m *Manifest) AllDependencies() []Dependency {
	var deps []Dependency
	for _, kind := range []DependencyKind{KindRuntime, KindDev, KindPeer, KindOptional} {
		source := m.dependencyMap(kind)
		names := make([]string, 0, len(source))
		for name := range source {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			deps = append(deps, Dependency{Name: name, Spec: source[name], Kind: kind})
		}
	}
	return deps
}

func (m *Manifest) dependencyMap(kind DependencyKind) map[string]string {
	switch kind {
	case KindRuntime:
		return m.Dependencies
	case KindDev:
		return m.DevDependencies
	case KindPeer:
		return m.PeerDependencies
	case KindOptional:
		return m.OptionalDependencies
	default:
		return nil
	}
}

// DependencyNames returns the deduplicated names across all kinds, sorted.
func (m *Manifest) DependencyNames() []string {
	seen := make(map[string]bool)
	for _, dep := range m.AllDependencies() {
		seen[dep.Name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasScript reports whether the manifest declares the named task script.
func (m *Manifest) HasScript(task string) bool {
	_, ok := m.Scripts[task]
	return ok
}

// Script returns the invocation command for the named task script.
func (m *Manifest) Script(task string) (string, bool) {
	cmd, ok := m.Scripts[task]
	return cmd, ok
}

// ScriptNames returns the declared script names, sorted.
func (m *Manifest) ScriptNames() []string {
	names := make([]string, 0, len(m.Scripts))
	for name := range m.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Retain returns a copy of the manifest keeping only dependency specifiers
// whose name passes keep. Scripts and scalar fields are preserved. Prune
// uses this to drop references to packages outside the selection.
func (m *Manifest) Retain(keep func(name string) bool) *Manifest {
	out := *m
	out.Dependencies = filterDeps(m.Dependencies, keep)
	out.DevDependencies = filterDeps(m.DevDependencies, keep)
	out.PeerDependencies = filterDeps(m.PeerDependencies, keep)
	out.OptionalDependencies = filterDeps(m.OptionalDependencies, keep)
	return &out
}

func filterDeps(deps map[string]string, keep func(string) bool) map[string]string {
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]string)
	for name, spec := range deps {
		if keep(name) {
			out[name] = spec
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
