// Package watch observes a workspace tree and coalesces filesystem
// events into per-package change batches for watch mode.
package watch

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/monorail-dev/monorail/internal/config"
	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/glob"
	"github.com/monorail-dev/monorail/internal/lockfile"
	"github.com/monorail-dev/monorail/internal/log"
	"github.com/monorail-dev/monorail/internal/manifest"
	"github.com/monorail-dev/monorail/internal/workspace"
)

// DefaultDebounce is the quiet period after the last filesystem event
// before a batch is delivered. Editors and package managers write in
// bursts; batching them avoids re-running once per file.
const DefaultDebounce = 50 * time.Millisecond

// Event describes the changes observed for one package within a batch.
type Event struct {
	// Package is the workspace member the changed paths belong to, or
	// "" for files at the workspace root or outside any package.
	Package string

	// Paths are the changed files, relative to the workspace root and
	// slash-separated, sorted.
	Paths []string

	// ManifestChanged reports that a file shaping the workspace itself
	// changed: a package manifest, the workspace config, the member
	// globs file, or a lockfile. Consumers should rediscover the
	// workspace instead of invalidating hashes.
	ManifestChanged bool
}

type dirEntry struct {
	dir  string
	name string
}

// Watcher delivers debounced change batches for a discovered workspace.
// A stopped Watcher can be started again, which is how watch mode
// survives workspace rediscovery.
type Watcher struct {
	root     string
	logger   *log.Logger
	debounce time.Duration

	// dirs maps package directories to names, longest directory first,
	// so nested packages win prefix attribution over their parents.
	dirs []dirEntry

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	events chan []Event
	stop   chan struct{}
	done   chan struct{}
}

// New builds a Watcher for the workspace. Call Start to begin watching.
func New(ws *workspace.Workspace, logger *log.Logger) *Watcher {
	packages := ws.Packages()
	dirs := make([]dirEntry, 0, len(packages))
	for _, pkg := range packages {
		dirs = append(dirs, dirEntry{dir: pkg.Dir, name: pkg.Name})
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].dir) > len(dirs[j].dir) })

	return &Watcher{
		root:     ws.Root,
		logger:   logger.With("component", "watch"),
		debounce: DefaultDebounce,
		dirs:     dirs,
	}
}

// Start registers the workspace tree with the operating system watcher
// and begins delivering batches on Events. Directories skipped during
// discovery (node_modules and friends) are not watched. Starting a
// running Watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.ErrCodeWatchFailed, "failed to create filesystem watcher", err)
	}
	if err := addRecursive(fsw, w.root); err != nil {
		_ = fsw.Close()
		return errors.Wrap(errors.ErrCodeWatchFailed, "failed to watch workspace tree", err)
	}

	w.fsw = fsw
	w.events = make(chan []Event, 1)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(fsw, w.events, w.stop, w.done)

	w.logger.Debug("watching workspace", "root", w.root)
	return nil
}

// Events returns the delivery channel. It is created by Start and
// closed by Stop; each element is one debounced batch.
func (w *Watcher) Events() <-chan []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Stop halts watching and closes the events channel. Stopping a Watcher
// that is not running is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}

	close(w.stop)
	<-w.done
	err := w.fsw.Close()
	close(w.events)
	w.fsw = nil
	if err != nil {
		return errors.Wrap(errors.ErrCodeWatchFailed, "failed to close filesystem watcher", err)
	}
	return nil
}

type pendingChanges struct {
	paths    map[string]struct{}
	manifest bool
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, events chan []Event, stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	pending := make(map[string]*pendingChanges)

	for {
		select {
		case <-stop:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				continue
			}
			rel = filepath.ToSlash(rel)
			if ignoredPath(rel) {
				continue
			}

			// Directories created after Start must be registered or
			// writes beneath them go unseen.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addRecursive(fsw, ev.Name); addErr != nil {
						w.logger.Warn("failed to watch new directory", "path", rel, "error", addErr)
					}
					continue
				}
			}

			owner := w.attribute(rel)
			p := pending[owner]
			if p == nil {
				p = &pendingChanges{paths: make(map[string]struct{})}
				pending[owner] = p
			}
			p.paths[rel] = struct{}{}
			if shapeFile(rel) {
				p.manifest = true
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("filesystem watcher error", "error", err)
			}

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := flush(pending)
			pending = make(map[string]*pendingChanges)
			select {
			case events <- batch:
			case <-stop:
				return
			}
		}
	}
}

func flush(pending map[string]*pendingChanges) []Event {
	batch := make([]Event, 0, len(pending))
	for name, p := range pending {
		paths := make([]string, 0, len(p.paths))
		for rel := range p.paths {
			paths = append(paths, rel)
		}
		sort.Strings(paths)
		batch = append(batch, Event{Package: name, Paths: paths, ManifestChanged: p.manifest})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Package < batch[j].Package })
	return batch
}

// attribute maps a root-relative path to the package whose directory is
// its longest prefix, or "" when no package contains it.
func (w *Watcher) attribute(rel string) string {
	for _, e := range w.dirs {
		if rel == e.dir || strings.HasPrefix(rel, e.dir+"/") {
			return e.name
		}
	}
	return ""
}

// shapeFile reports whether a change to rel alters the workspace shape:
// any package manifest, or the root-level workspace definition files.
func shapeFile(rel string) bool {
	if path.Base(rel) == manifest.Filename {
		return true
	}
	if path.Dir(rel) != "." {
		return false
	}
	switch rel {
	case config.WorkspaceFilename, workspace.PnpmWorkspaceFile, lockfile.PnpmFilename, lockfile.NpmFilename:
		return true
	}
	return false
}

func ignoredPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if glob.Ignored(seg) {
			return true
		}
	}
	return false
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// The directory may vanish between the event and the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && glob.Ignored(d.Name()) {
			return fs.SkipDir
		}
		return fsw.Add(p)
	})
}
