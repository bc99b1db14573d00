package run

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/glob"
	"github.com/monorail-dev/monorail/internal/hash"
	"github.com/monorail-dev/monorail/internal/lockfile"
	"github.com/monorail-dev/monorail/internal/pipeline"
	"github.com/monorail-dev/monorail/internal/workspace"
)

// HasherOptions configure cache key computation.
type HasherOptions struct {
	// GlobalDependencies are root-relative file globs whose contents fold
	// into every task key.
	GlobalDependencies []string

	// GlobalEnv names environment variables whose values fold into every
	// task key.
	GlobalEnv []string

	// EnvLookup resolves environment variables. Defaults to os.Getenv.
	EnvLookup func(string) string
}

// Hasher computes cache keys for task nodes. A key covers the package
// manifest, the resolved invocation, the task definition, the declared
// input files, the external dependency closure, the global hash, and the
// keys of every upstream node, so any upstream change invalidates every
// downstream key.
//
// A Hasher is safe for concurrent use by the scheduler's workers.
type Hasher struct {
	root   string
	lock   lockfile.Lockfile
	lockID string
	global string
	env    func(string) string

	mu       sync.Mutex
	external map[string]string
	tree     map[string]string
}

// NewHasher builds a Hasher for the workspace. lf may be nil when no
// lockfile exists or it failed to parse; external dependencies then hash
// from the declared specifiers and the raw lockfile bytes instead of the
// resolved closure.
func NewHasher(ws *workspace.Workspace, lf lockfile.Lockfile, opts HasherOptions) (*Hasher, error) {
	h := &Hasher{
		root:     ws.Root,
		lock:     lf,
		env:      opts.EnvLookup,
		external: make(map[string]string),
		tree:     make(map[string]string),
	}
	if h.env == nil {
		h.env = os.Getenv
	}
	h.lockID = lockfileDigest(ws.Root, lf)

	global, err := h.globalHash(ws, opts)
	if err != nil {
		return nil, err
	}
	h.global = global
	return h, nil
}

// Global returns the global hash prefix shared by every task key.
func (h *Hasher) Global() string {
	return h.global
}

// Invalidate drops the memoized input hash for the package rooted at dir,
// forcing the next key computation to re-walk its files. Watch mode calls
// this after observing changes under a package.
func (h *Hasher) Invalidate(pkgDir string) {
	h.mu.Lock()
	delete(h.tree, pkgDir)
	h.mu.Unlock()
}

// TaskKey computes the cache key for node. upstream holds the keys of the
// node's dependencies in the order of node.DependsOn; callers must have
// completed every upstream node first.
func (h *Hasher) TaskKey(node *pipeline.Node, upstream []string) (string, error) {
	def, err := hash.JSON(node.Definition)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("hashing definition of %s", node.ID), err)
	}

	inputs, err := h.inputsHash(node)
	if err != nil {
		return "", err
	}

	external, err := h.externalHash(node.Package)
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(node.Definition.Env))
	for _, name := range node.Definition.Env {
		env = append(env, name+"="+h.env(name))
	}

	return hash.NewCapsule().
		StringField("global", h.global).
		StringField("package", node.Package.Name).
		StringField("task", node.ID.Task).
		StringField("manifest", node.Package.ManifestHash).
		StringField("invocation", node.Invocation).
		StringField("definition", def).
		StringField("inputs", inputs).
		StringField("external", external).
		SortedField("env", env).
		ListField("upstream", upstream).
		Sum(), nil
}

// globalHash folds the root manifest, the global dependency files, and
// the named environment variables into one digest.
func (h *Hasher) globalHash(ws *workspace.Workspace, opts HasherOptions) (string, error) {
	c := hash.NewCapsule().StringField("rootManifest", ws.RootManifestHash)

	if len(opts.GlobalDependencies) > 0 {
		files, err := matchFiles(ws.Root, glob.NewSet(opts.GlobalDependencies))
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeFileReadFailed, "hashing global dependencies", err)
		}
		digests, err := hash.Files(ws.Root, files)
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeFileReadFailed, "hashing global dependencies", err)
		}
		c.StringField("globalFiles", hash.Tree(digests))
	}

	env := make([]string, 0, len(opts.GlobalEnv))
	for _, name := range opts.GlobalEnv {
		env = append(env, name+"="+h.env(name))
	}
	c.SortedField("globalEnv", env)

	return c.Sum(), nil
}

// inputsHash digests the node's input files. With declared input globs the
// match runs against the package tree; without, the whole package tree
// minus ignored directories is hashed, memoized per package.
func (h *Hasher) inputsHash(node *pipeline.Node) (string, error) {
	pkg := node.Package

	if len(node.Definition.Inputs) == 0 {
		h.mu.Lock()
		cached, ok := h.tree[pkg.Dir]
		h.mu.Unlock()
		if ok {
			return cached, nil
		}

		digest, err := treeHash(pkg.Path, nil)
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("hashing inputs of %s", pkg.Name), err)
		}

		h.mu.Lock()
		h.tree[pkg.Dir] = digest
		h.mu.Unlock()
		return digest, nil
	}

	digest, err := treeHash(pkg.Path, glob.NewSet(node.Definition.Inputs))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("hashing inputs of %s", node.ID), err)
	}
	return digest, nil
}

// externalHash digests the package's external dependency closure, memoized
// per package. When no lockfile is usable, or the closure cannot be
// resolved, the declared specifiers and the raw lockfile digest stand in;
// that over-invalidates on unrelated lockfile edits but never reuses a
// stale entry.
func (h *Hasher) externalHash(pkg *workspace.Package) (string, error) {
	h.mu.Lock()
	cached, ok := h.external[pkg.Name]
	h.mu.Unlock()
	if ok {
		return cached, nil
	}

	var entries []string
	resolved := false

	if h.lock != nil {
		specs := make([]lockfile.Specifier, len(pkg.ExternalDeps))
		for i, dep := range pkg.ExternalDeps {
			specs[i] = lockfile.Specifier{Name: dep.Name, Range: dep.Spec}
		}
		closure, err := h.lock.TransitiveClosure(pkg.Dir, specs)
		if err == nil {
			resolved = true
			entries = make([]string, len(closure))
			for i, r := range closure {
				entries[i] = r.Name + "@" + r.Version + "@" + r.Integrity
			}
		}
	}

	c := hash.NewCapsule()
	if resolved {
		c.SortedField("closure", entries)
	} else {
		declared := make([]string, len(pkg.ExternalDeps))
		for i, dep := range pkg.ExternalDeps {
			declared[i] = dep.Name + "@" + dep.Spec
		}
		c.SortedField("declared", declared).StringField("lockfile", h.lockID)
	}
	digest := c.Sum()

	h.mu.Lock()
	h.external[pkg.Name] = digest
	h.mu.Unlock()
	return digest, nil
}

// lockfileDigest hashes the raw lockfile bytes so the specifier fallback
// still changes whenever the lockfile does. Returns empty when no lockfile
// file exists.
func lockfileDigest(root string, lf lockfile.Lockfile) string {
	names := []string{lockfile.PnpmFilename, lockfile.NpmFilename}
	if lf != nil {
		names = []string{lf.Filename()}
	}
	for _, name := range names {
		digest, err := hash.File(filepath.Join(root, name))
		if err == nil {
			return digest
		}
	}
	return ""
}

// treeHash digests every regular file under dir that matches set, as a
// sorted relative-path tree. A nil set matches everything.
func treeHash(dir string, set *glob.Set) (string, error) {
	files, err := matchFiles(dir, set)
	if err != nil {
		return "", err
	}
	digests, err := hash.Files(dir, files)
	if err != nil {
		return "", err
	}
	return hash.Tree(digests), nil
}

// matchFiles walks dir and returns the sorted slash-relative paths of the
// regular files matching set, skipping ignored directories. A nil set
// matches everything.
func matchFiles(dir string, set *glob.Set) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != dir && glob.Ignored(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if set == nil || set.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
