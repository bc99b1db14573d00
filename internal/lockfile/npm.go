package lockfile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/monorail-dev/monorail/internal/errors"
)

// NpmFilename is npm's lockfile name.
const NpmFilename = "package-lock.json"

// npmEntry is one entry of the v3 packages map. The raw bytes are kept
// alongside the parsed traversal fields so Subset can retain every field
// npm needs without modeling all of them.
type npmEntry struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Integrity            string            `json:"integrity"`
	Resolved             string            `json:"resolved"`
	Link                 bool              `json:"link"`
	Dependencies         map[string]string `json:"dependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`

	raw json.RawMessage
}

type npmDocument struct {
	Name            string                     `json:"name"`
	Version         string                     `json:"version,omitempty"`
	LockfileVersion int                        `json:"lockfileVersion"`
	Requires        bool                       `json:"requires,omitempty"`
	Packages        map[string]json.RawMessage `json:"packages"`
}

// NpmLockfile reads package-lock.json version 3.
type NpmLockfile struct {
	path    string
	doc     npmDocument
	entries map[string]*npmEntry
}

// ParseNpm parses package-lock.json bytes. Only lockfileVersion 3 is
// supported; the flat v1 tree encodes resolution differently.
func ParseNpm(path string, data []byte) (*NpmLockfile, error) {
	var doc npmDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewLockfileParseError(path, err)
	}
	if doc.LockfileVersion != 3 {
		return nil, errors.New(errors.ErrCodeLockUnsupported,
			fmt.Sprintf("unsupported lockfileVersion %d in %s", doc.LockfileVersion, path)).
			WithSuggestion("Regenerate the lockfile with npm 9 or newer (lockfileVersion 3)")
	}

	entries := make(map[string]*npmEntry, len(doc.Packages))
	for key, raw := range doc.Packages {
		var e npmEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.NewLockfileParseError(path, fmt.Errorf("entry %q: %w", key, err))
		}
		e.raw = raw
		entries[key] = &e
	}

	return &NpmLockfile{path: path, doc: doc, entries: entries}, nil
}

// Format identifies the grammar variant.
func (l *NpmLockfile) Format() Format { return FormatNpm }

// Filename returns the on-disk file name for this variant.
func (l *NpmLockfile) Filename() string { return NpmFilename }

// PatchFiles returns nil; package-lock.json has no patch mechanism.
func (l *NpmLockfile) PatchFiles() []string { return nil }

// Resolve returns the pinned resolution of spec as installed for the
// member at dir, honoring npm's nearest-node_modules-wins layout.
func (l *NpmLockfile) Resolve(dir string, spec Specifier) (Resolved, bool) {
	key, entry, ok := l.lookupFrom(dir, spec.Name)
	if !ok || entry.Link {
		return Resolved{}, false
	}
	return l.resolved(key, entry), true
}

// lookupFrom walks the node_modules hierarchy upward from context until
// an entry for name exists: context/node_modules/name first, then each
// ancestor, then the root node_modules.
func (l *NpmLockfile) lookupFrom(context, name string) (string, *npmEntry, bool) {
	for {
		key := "node_modules/" + name
		if context != "" {
			key = context + "/node_modules/" + name
		}
		if entry, ok := l.entries[key]; ok {
			return key, entry, true
		}
		if context == "" {
			return "", nil, false
		}
		if i := strings.LastIndexByte(context, '/'); i >= 0 {
			context = context[:i]
		} else {
			context = ""
		}
	}
}

func (l *NpmLockfile) resolved(key string, entry *npmEntry) Resolved {
	name := entry.Name
	if name == "" {
		name = entryName(key)
	}
	return Resolved{
		Key:       key,
		Name:      name,
		Version:   entry.Version,
		Integrity: entry.Integrity,
	}
}

// entryName derives the package name from a packages-map key: everything
// after the last node_modules segment, which preserves scopes.
func entryName(key string) string {
	const marker = "node_modules/"
	if i := strings.LastIndex(key, marker); i >= 0 {
		return key[i+len(marker):]
	}
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// TransitiveClosure resolves the root specifiers for dir and follows
// pinned dependency edges through the installed tree.
func (l *NpmLockfile) TransitiveClosure(dir string, roots []Specifier) ([]Resolved, error) {
	set := make(map[string]Resolved)
	var queue []string

	for _, root := range roots {
		key, entry, ok := l.lookupFrom(dir, root.Name)
		if !ok || entry.Link {
			continue
		}
		if _, seen := set[key]; !seen {
			set[key] = l.resolved(key, entry)
			queue = append(queue, key)
		}
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		entry := l.entries[key]

		for depName := range entry.Dependencies {
			depKey, depEntry, ok := l.lookupFrom(key, depName)
			if !ok {
				return nil, errors.NewLockfileParseError(l.path,
					fmt.Errorf("entry %q depends on %q, which the lockfile does not pin", key, depName))
			}
			if depEntry.Link {
				continue
			}
			if _, seen := set[depKey]; !seen {
				set[depKey] = l.resolved(depKey, depEntry)
				queue = append(queue, depKey)
			}
		}

		// Optional and peer dependencies may legitimately be absent.
		for _, optional := range []map[string]string{entry.OptionalDependencies, entry.PeerDependencies} {
			for depName := range optional {
				depKey, depEntry, ok := l.lookupFrom(key, depName)
				if !ok || depEntry.Link {
					continue
				}
				if _, seen := set[depKey]; !seen {
					set[depKey] = l.resolved(depKey, depEntry)
					queue = append(queue, depKey)
				}
			}
		}
	}

	return sortResolved(set), nil
}

// Subset produces a minimized package-lock.json retaining the root entry,
// the given member dirs with their link aliases, and the union transitive
// closure of all members' specifiers. Output bytes are deterministic:
// fixed field order, sorted package keys, two-space indentation.
func (l *NpmLockfile) Subset(members map[string][]Specifier) ([]byte, error) {
	retained := make(map[string]json.RawMessage)

	// The root entry describes the workspace itself.
	if root, ok := l.entries[""]; ok {
		retained[""] = root.raw
	}

	memberNames := make(map[string]bool)
	for dir, roots := range members {
		entry, ok := l.entries[dir]
		if !ok {
			return nil, errors.NewLockfileParseError(l.path,
				fmt.Errorf("workspace member %q has no lockfile entry", dir))
		}
		retained[dir] = entry.raw
		if entry.Name != "" {
			memberNames[entry.Name] = true
		} else {
			memberNames[entryName(dir)] = true
		}

		closure, err := l.TransitiveClosure(dir, roots)
		if err != nil {
			return nil, err
		}
		for _, r := range closure {
			retained[r.Key] = l.entries[r.Key].raw
		}
	}

	// Keep the node_modules link aliases pointing at retained members.
	for key, entry := range l.entries {
		if entry.Link && memberNames[entryName(key)] {
			retained[key] = entry.raw
		}
	}

	out := npmDocument{
		Name:            l.doc.Name,
		Version:         l.doc.Version,
		LockfileVersion: l.doc.LockfileVersion,
		Requires:        l.doc.Requires,
		Packages:        retained,
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode lockfile subset", err)
	}
	return append(data, '\n'), nil
}
