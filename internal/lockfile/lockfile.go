// Package lockfile reads package manager lockfiles behind a capability
// interface: resolve a declared specifier to its pinned version, compute
// transitive external closures, and subset a lockfile for a package set.
package lockfile

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/monorail-dev/monorail/internal/errors"
)

// Format identifies a supported lockfile grammar.
type Format string

const (
	// FormatNpm is package-lock.json, lockfileVersion 3
	FormatNpm Format = "npm"
	// FormatPnpm is pnpm-lock.yaml
	FormatPnpm Format = "pnpm"
)

// Specifier is one declared dependency as it appears in a manifest.
type Specifier struct {
	// Name is the dependency package name.
	Name string
	// Range is the declared version range. Ranges are declarations of
	// intent only; resolution always comes from the lockfile.
	Range string
}

// Resolved is one pinned external package from the lockfile.
type Resolved struct {
	// Key is the lockfile-internal entry key, format specific.
	Key string
	// Name is the package name.
	Name string
	// Version is the pinned version.
	Version string
	// Integrity is the content checksum recorded by the lockfile.
	Integrity string
}

// Lockfile is the capability interface every supported grammar provides.
// Implementations are immutable snapshots of the file read at startup.
type Lockfile interface {
	// Format identifies the grammar variant.
	Format() Format

	// Filename returns the on-disk file name for this variant.
	Filename() string

	// Resolve returns the pinned resolution of one declared specifier as
	// seen from the workspace member at dir. Dir is the root-relative
	// slash path of the member; "" means the workspace root. The boolean
	// is false when the lockfile does not pin the specifier.
	Resolve(dir string, spec Specifier) (Resolved, bool)

	// TransitiveClosure resolves the root specifiers for the member at
	// dir and follows pinned dependency edges to the complete external
	// set, sorted by name then version.
	TransitiveClosure(dir string, roots []Specifier) ([]Resolved, error)

	// Subset produces a minimized lockfile retaining the given members
	// (dir -> that member's declared external specifiers) plus the union
	// of their transitive closures, with every retained field the package
	// manager needs to install offline. Output is byte-identical for
	// identical inputs.
	Subset(members map[string][]Specifier) ([]byte, error)

	// PatchFiles returns the root-relative paths of patch files the
	// lockfile references, sorted. Formats without patch support return
	// nil.
	PatchFiles() []string
}

// Find locates the workspace lockfile under root, preferring pnpm when
// both formats are present, the same way member globs prefer the pnpm
// workspace file.
func Find(root string) (Lockfile, error) {
	pnpmPath := filepath.Join(root, PnpmFilename)
	if data, err := os.ReadFile(pnpmPath); err == nil {
		return ParsePnpm(pnpmPath, data)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read "+pnpmPath, err)
	}

	npmPath := filepath.Join(root, NpmFilename)
	if data, err := os.ReadFile(npmPath); err == nil {
		return ParseNpm(npmPath, data)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read "+npmPath, err)
	}

	return nil, errors.New(errors.ErrCodeLockNotFound, "no lockfile found at "+root).
		WithSuggestion("Run your package manager's install to generate one").
		WithSuggestion("Supported lockfiles: " + PnpmFilename + ", " + NpmFilename)
}

// Parse decodes lockfile bytes already in hand, dispatching on format.
// Path only labels parse errors.
func Parse(format Format, path string, data []byte) (Lockfile, error) {
	switch format {
	case FormatPnpm:
		return ParsePnpm(path, data)
	case FormatNpm:
		return ParseNpm(path, data)
	default:
		return nil, errors.New(errors.ErrCodeLockUnsupported, "unsupported lockfile format "+string(format))
	}
}

// sortResolved orders a closure by name then version and drops duplicates.
func sortResolved(set map[string]Resolved) []Resolved {
	out := make([]Resolved, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
