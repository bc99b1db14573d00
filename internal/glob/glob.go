// Package glob matches slash-separated relative paths against patterns
// with per-segment wildcards and ** spanning multiple segments.
package glob

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Match reports whether rel, a slash-separated relative path, matches
// pattern. A segment supports the path.Match syntax (*, ?, [class]);
// the segment ** matches zero or more whole segments.
func Match(pattern, rel string) bool {
	return matchSegments(splitClean(pattern), splitClean(rel))
}

func splitClean(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for skip := 0; skip <= len(segs); skip++ {
				if matchSegments(pattern[1:], segs[skip:]) {
					return true
				}
			}
			return false
		}

		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

// Set is an ordered collection of include patterns and ! exclude patterns.
type Set struct {
	include []string
	exclude []string
}

// NewSet splits patterns into includes and excludes. A leading ! marks
// an exclude pattern.
func NewSet(patterns []string) *Set {
	s := &Set{}
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			s.exclude = append(s.exclude, rest)
			continue
		}
		s.include = append(s.include, p)
	}
	return s
}

// Empty reports whether the set has no include patterns.
func (s *Set) Empty() bool {
	return len(s.include) == 0
}

// Match reports whether rel matches at least one include pattern and no
// exclude pattern. A path under a matched directory also matches, so the
// pattern "dist" covers "dist/index.js".
func (s *Set) Match(rel string) bool {
	rel = filepath.ToSlash(rel)

	for _, e := range s.exclude {
		if Match(e, rel) || Match(e+"/**", rel) {
			return false
		}
	}
	for _, i := range s.include {
		if Match(i, rel) || Match(i+"/**", rel) {
			return true
		}
	}
	return false
}

// ExpandDirs resolves directory globs relative to root and returns the
// matching directories as sorted root-relative slash paths. Only
// directories are returned; the patterns name workspace members, which
// are always directories.
func ExpandDirs(root string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := expandDirGlob(root, splitClean(pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			seen[m] = true
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func expandDirGlob(root string, pattern []string) ([]string, error) {
	current := []string{""}

	for i, seg := range pattern {
		last := i == len(pattern)-1
		var next []string

		for _, dir := range current {
			if seg == "**" {
				subs, err := walkDirs(filepath.Join(root, filepath.FromSlash(dir)))
				if err != nil {
					return nil, err
				}
				for _, sub := range subs {
					next = append(next, path.Join(dir, sub))
				}
				// ** also matches zero segments.
				next = append(next, dir)
				continue
			}

			entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				if ok, _ := path.Match(seg, entry.Name()); ok {
					next = append(next, path.Join(dir, entry.Name()))
				}
			}
		}

		current = next
		if last {
			break
		}
	}

	out := current[:0]
	for _, dir := range current {
		if dir != "" {
			out = append(out, dir)
		}
	}
	return out, nil
}

// walkDirs returns every directory under root as a relative slash path,
// skipping dependency and VCS internals.
func walkDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || p == root {
			return nil
		}
		if Ignored(d.Name()) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// Ignored reports whether a directory name is never descended into
// during discovery or file walks.
func Ignored(name string) bool {
	switch name {
	case "node_modules", ".git", ".monorail":
		return true
	}
	return false
}
