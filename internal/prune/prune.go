// Package prune produces a minimal, self-contained sub-workspace for a
// target package set: the targets plus their transitive internal
// dependencies, each with a rewritten manifest, a root manifest listing
// the survivors as workspace members, and a minimized lockfile.
package prune

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/monorail-dev/monorail/internal/config"
	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/glob"
	"github.com/monorail-dev/monorail/internal/lockfile"
	"github.com/monorail-dev/monorail/internal/log"
	"github.com/monorail-dev/monorail/internal/manifest"
	"github.com/monorail-dev/monorail/internal/workspace"
)

// rootFiles are workspace-level files copied verbatim when present at
// the source root, so the pruned copy stays runnable on its own.
var rootFiles = []string{config.WorkspaceFilename, ".npmrc", ".gitignore"}

// Options adjust how the pruned workspace is laid out.
type Options struct {
	// Docker splits the output into json/ (manifests and lockfile only)
	// and full/ (complete sources). A Dockerfile can COPY json/ and
	// install in an early layer that only invalidates when dependency
	// declarations change, then COPY full/ for the build itself.
	Docker bool
}

// Result summarizes a completed prune.
type Result struct {
	// Packages are the selected workspace members, sorted by name.
	Packages []string

	// Dir is the absolute destination root.
	Dir string

	// Files is the number of files written under Dir.
	Files int
}

// Engine computes prune selections from the workspace graph and
// materializes them on disk.
type Engine struct {
	ws     *workspace.Workspace
	lock   lockfile.Lockfile
	logger *log.Logger
}

// New returns an Engine over the workspace. The lockfile is required:
// a pruned workspace without a minimized lockfile cannot install.
func New(ws *workspace.Workspace, lock lockfile.Lockfile, logger *log.Logger) *Engine {
	return &Engine{ws: ws, lock: lock, logger: logger.With("component", "prune")}
}

// Prune materializes the induced subgraph of targets into dest. Unknown
// targets abort before anything is written. A copy failure aborts the
// remaining work without rolling back files already written; dest is
// expected to be a fresh, disposable location.
func (e *Engine) Prune(ctx context.Context, targets []string, dest string, opts Options) (*Result, error) {
	if len(targets) == 0 {
		return nil, errors.New(errors.ErrCodePruneUnknownPackage, "no target packages given").
			WithSuggestion("Name at least one package to prune for")
	}

	selected, err := e.selection(targets)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to resolve output directory", err)
	}
	if err := checkDest(dest); err != nil {
		return nil, err
	}

	out := newLayout(dest, opts.Docker)
	if err := out.mkdirs(); err != nil {
		return nil, err
	}

	// Package sources copy in parallel. Manifests are always rewritten
	// from the parsed form, never copied verbatim.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, name := range names {
		pkg := e.ws.Package(name)
		g.Go(func() error {
			return e.copyPackage(gctx, out, pkg, selected)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.writeRootManifest(out, names, selected); err != nil {
		return nil, err
	}
	if err := e.writeLockfile(out, names); err != nil {
		return nil, err
	}
	if err := e.copyRootFiles(out); err != nil {
		return nil, err
	}

	files := int(out.files.Load())
	e.logger.Info("prune complete", "packages", len(names), "files", files, "dir", dest)
	return &Result{Packages: names, Dir: dest, Files: files}, nil
}

// selection resolves targets to the induced subgraph: the targets plus
// every package they transitively depend on. All targets are validated
// up front so an unknown name never leaves partial output behind.
func (e *Engine) selection(targets []string) (map[string]bool, error) {
	for _, name := range targets {
		if !e.ws.Graph.Has(name) {
			return nil, errors.New(errors.ErrCodePruneUnknownPackage, "unknown package: "+name).
				WithSuggestion("Run 'monorail graph' to list all workspace packages").
				WithSuggestion("Check the spelling of the package name")
		}
	}
	selected := make(map[string]bool)
	for _, name := range targets {
		selected[name] = true
		deps, err := e.ws.Graph.TransitiveDependencies(name)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			selected[dep] = true
		}
	}
	return selected, nil
}

// copyPackage copies one member's files into the full tree and writes
// its rewritten manifest. Dependency specifiers pointing at workspace
// packages outside the selection are dropped; external specifiers
// survive untouched.
func (e *Engine) copyPackage(ctx context.Context, out *layout, pkg *workspace.Package, selected map[string]bool) error {
	keep := func(name string) bool {
		return !e.ws.Graph.Has(name) || selected[name]
	}
	if err := out.writeManifest(filepath.Join(pkg.Dir, manifest.Filename), pkg.Manifest.Retain(keep)); err != nil {
		return err
	}

	err := filepath.WalkDir(pkg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(pkg.Path, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && glob.Ignored(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		// The member's own manifest was rewritten above; nested
		// manifests (type markers in subdirectories) copy as-is.
		if !d.Type().IsRegular() || rel == manifest.Filename {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return out.copyFull(path, filepath.Join(pkg.Dir, rel), info.Mode().Perm())
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodePruneCopyFailed, "failed to copy package "+pkg.Name, err)
	}
	e.logger.Debug("package copied", "package", pkg.Name, "dir", pkg.Dir)
	return nil
}

// writeRootManifest writes the destination root manifest listing the
// selected members as workspaces, plus a regenerated pnpm workspace
// file when the source root carries one.
func (e *Engine) writeRootManifest(out *layout, names []string, selected map[string]bool) error {
	dirs := make([]string, len(names))
	for i, name := range names {
		dirs[i] = e.ws.Package(name).Dir
	}
	sort.Strings(dirs)

	keep := func(name string) bool {
		return !e.ws.Graph.Has(name) || selected[name]
	}
	m := e.ws.RootManifest.Retain(keep)
	m.Workspaces = dirs
	if err := out.writeManifest(manifest.Filename, m); err != nil {
		return err
	}

	src := filepath.Join(e.ws.Root, workspace.PnpmWorkspaceFile)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeFileReadFailed, "failed to stat "+src, err)
	}
	doc, err := yaml.Marshal(struct {
		Packages []string `yaml:"packages"`
	}{Packages: dirs})
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode "+workspace.PnpmWorkspaceFile, err)
	}
	return out.writeBoth(workspace.PnpmWorkspaceFile, doc)
}

// writeLockfile asks the closure provider for a minimized lockfile
// scoped to the selection and copies exactly the patch files the subset
// still references.
func (e *Engine) writeLockfile(out *layout, names []string) error {
	members := make(map[string][]lockfile.Specifier, len(names))
	for _, name := range names {
		pkg := e.ws.Package(name)
		specs := make([]lockfile.Specifier, len(pkg.ExternalDeps))
		for i, dep := range pkg.ExternalDeps {
			specs[i] = lockfile.Specifier{Name: dep.Name, Range: dep.Spec}
		}
		members[pkg.Dir] = specs
	}

	data, err := e.lock.Subset(members)
	if err != nil {
		return err
	}
	if err := out.writeBoth(e.lock.Filename(), data); err != nil {
		return err
	}

	// Re-parse the subset so the patch list reflects what survived the
	// subsetting, not what the source lockfile referenced.
	sub, err := lockfile.Parse(e.lock.Format(), e.lock.Filename(), data)
	if err != nil {
		return err
	}
	for _, patch := range sub.PatchFiles() {
		body, err := os.ReadFile(filepath.Join(e.ws.Root, filepath.FromSlash(patch)))
		if err != nil {
			return errors.Wrap(errors.ErrCodePruneCopyFailed, "failed to read patch file "+patch, err)
		}
		if err := out.writeBoth(filepath.FromSlash(patch), body); err != nil {
			return err
		}
	}
	return nil
}

// copyRootFiles carries workspace-level files into the pruned output.
// The npmrc also lands in the json tree because install behavior
// depends on it.
func (e *Engine) copyRootFiles(out *layout) error {
	for _, name := range rootFiles {
		body, err := os.ReadFile(filepath.Join(e.ws.Root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read "+name, err)
		}
		if name == ".npmrc" {
			if err := out.writeBoth(name, body); err != nil {
				return err
			}
			continue
		}
		if err := out.writeFull(name, body); err != nil {
			return err
		}
	}
	return nil
}

// checkDest rejects a destination that already has contents. Prune
// output is disposable and freshly created, never merged.
func checkDest(dest string) error {
	entries, err := os.ReadDir(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to inspect output directory", err)
	}
	if len(entries) > 0 {
		return errors.New(errors.ErrCodePruneOutDirExists, "output directory is not empty: "+dest).
			WithSuggestion("Remove it or point --out-dir at a fresh location")
	}
	return nil
}

// layout maps logical prune output roots onto the destination. The
// docker variant doubles manifests and the lockfile into json/ while
// complete sources land in full/; the flat variant collapses both onto
// the destination root.
type layout struct {
	jsonDir string
	fullDir string
	files   atomic.Int64
}

func newLayout(dest string, docker bool) *layout {
	if docker {
		return &layout{jsonDir: filepath.Join(dest, "json"), fullDir: filepath.Join(dest, "full")}
	}
	return &layout{jsonDir: dest, fullDir: dest}
}

func (l *layout) mkdirs() error {
	for _, dir := range []string{l.fullDir, l.jsonDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create "+dir, err)
		}
	}
	return nil
}

// split reports whether manifests double into a separate json tree.
func (l *layout) split() bool {
	return l.jsonDir != l.fullDir
}

// writeManifest writes m at rel under the full tree and, in docker
// layouts, again under json/.
func (l *layout) writeManifest(rel string, m *manifest.Manifest) error {
	dirs := []string{l.fullDir}
	if l.split() {
		dirs = append(dirs, l.jsonDir)
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create "+filepath.Dir(path), err)
		}
		if err := manifest.Write(path, m); err != nil {
			return err
		}
		l.files.Add(1)
	}
	return nil
}

// writeFull writes data at rel under the full tree only.
func (l *layout) writeFull(rel string, data []byte) error {
	return l.write(filepath.Join(l.fullDir, rel), data)
}

// writeBoth writes data at rel under the full tree and, in docker
// layouts, under json/ as well.
func (l *layout) writeBoth(rel string, data []byte) error {
	if err := l.write(filepath.Join(l.fullDir, rel), data); err != nil {
		return err
	}
	if l.split() {
		return l.write(filepath.Join(l.jsonDir, rel), data)
	}
	return nil
}

func (l *layout) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create "+filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write "+path, err)
	}
	l.files.Add(1)
	return nil
}

// copyFull streams the file at src to rel under the full tree,
// preserving mode bits so scripts keep their executable flag.
func (l *layout) copyFull(src, rel string, mode fs.FileMode) error {
	dst := filepath.Join(l.fullDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	l.files.Add(1)
	return nil
}
