package lockfile

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/monorail-dev/monorail/internal/errors"
)

// PnpmFilename is pnpm's lockfile name.
const PnpmFilename = "pnpm-lock.yaml"

// pnpmImporter is one workspace member's section of the importers map.
type pnpmImporter struct {
	// deps maps dependency name to its pinned version string across all
	// dependency sections. Version strings may carry peer or patch
	// suffixes, or be link: references to other workspace members.
	deps map[string]string

	node *yaml.Node
}

// pnpmPackage is one entry of the packages map.
type pnpmPackage struct {
	name      string
	version   string
	integrity string

	deps         map[string]string
	optionalDeps map[string]string

	node *yaml.Node
}

type pnpmPatch struct {
	target string
	node   *yaml.Node
}

// PnpmLockfile reads pnpm-lock.yaml, lockfileVersion 6.x. Entry nodes
// are preserved as parsed YAML so Subset re-emits them with every field
// intact.
type PnpmLockfile struct {
	path string

	versionNode  *yaml.Node
	settingsNode *yaml.Node

	patches   map[string]pnpmPatch
	importers map[string]*pnpmImporter
	packages  map[string]*pnpmPackage
}

// ParsePnpm parses pnpm-lock.yaml bytes and validates that every patch
// entry still targets a package present in the lockfile.
func ParsePnpm(path string, data []byte) (*PnpmLockfile, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewLockfileParseError(path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.NewLockfileParseError(path, fmt.Errorf("expected a top-level mapping"))
	}

	l := &PnpmLockfile{
		path:      path,
		patches:   make(map[string]pnpmPatch),
		importers: make(map[string]*pnpmImporter),
		packages:  make(map[string]*pnpmPackage),
	}

	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		value := root.Content[i+1]

		switch key {
		case "lockfileVersion":
			l.versionNode = value
		case "settings":
			l.settingsNode = value
		case "patchedDependencies":
			if err := l.parsePatches(value); err != nil {
				return nil, err
			}
		case "importers":
			if err := l.parseImporters(value); err != nil {
				return nil, err
			}
		case "packages":
			if err := l.parsePackages(value); err != nil {
				return nil, err
			}
		}
	}

	if l.versionNode == nil {
		return nil, errors.NewLockfileParseError(path, fmt.Errorf("missing lockfileVersion"))
	}
	if !strings.HasPrefix(l.versionNode.Value, "6") {
		return nil, errors.New(errors.ErrCodeLockUnsupported,
			fmt.Sprintf("unsupported pnpm lockfileVersion %q in %s", l.versionNode.Value, path)).
			WithSuggestion("Regenerate the lockfile with pnpm 8 (lockfileVersion 6)")
	}

	// A patch whose target no longer exists cannot survive subsetting
	// correctly, so it is rejected up front.
	for target, patch := range l.patches {
		if _, ok := l.findPatchedPackage(target); !ok {
			return nil, errors.NewDanglingPatchReferenceError(patchPath(patch), target)
		}
	}

	return l, nil
}

func patchPath(p pnpmPatch) string {
	if p.node != nil && p.node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(p.node.Content); i += 2 {
			if p.node.Content[i].Value == "path" {
				return p.node.Content[i+1].Value
			}
		}
	}
	return p.target
}

func (l *PnpmLockfile) parsePatches(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.NewLockfileParseError(l.path, fmt.Errorf("patchedDependencies is not a mapping"))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		target := node.Content[i].Value
		l.patches[target] = pnpmPatch{target: target, node: node.Content[i+1]}
	}
	return nil
}

func (l *PnpmLockfile) parseImporters(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.NewLockfileParseError(l.path, fmt.Errorf("importers is not a mapping"))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		dir := node.Content[i].Value
		section := node.Content[i+1]

		imp := &pnpmImporter{deps: make(map[string]string), node: section}
		if section.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(section.Content); j += 2 {
				switch section.Content[j].Value {
				case "dependencies", "devDependencies", "optionalDependencies":
					parseImporterSection(section.Content[j+1], imp.deps)
				}
			}
		}
		l.importers[dir] = imp
	}
	return nil
}

func parseImporterSection(node *yaml.Node, into map[string]string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		detail := node.Content[i+1]
		if detail.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(detail.Content); j += 2 {
			if detail.Content[j].Value == "version" {
				into[name] = detail.Content[j+1].Value
			}
		}
	}
}

func (l *PnpmLockfile) parsePackages(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.NewLockfileParseError(l.path, fmt.Errorf("packages is not a mapping"))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		entry := node.Content[i+1]

		name, version, err := splitPackageKey(key)
		if err != nil {
			return errors.NewLockfileParseError(l.path, err)
		}

		pkg := &pnpmPackage{
			name:         name,
			version:      version,
			deps:         make(map[string]string),
			optionalDeps: make(map[string]string),
			node:         entry,
		}

		if entry.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(entry.Content); j += 2 {
				switch entry.Content[j].Value {
				case "resolution":
					res := entry.Content[j+1]
					if res.Kind == yaml.MappingNode {
						for k := 0; k+1 < len(res.Content); k += 2 {
							if res.Content[k].Value == "integrity" {
								pkg.integrity = res.Content[k+1].Value
							}
						}
					}
				case "dependencies":
					parseVersionMap(entry.Content[j+1], pkg.deps)
				case "optionalDependencies":
					parseVersionMap(entry.Content[j+1], pkg.optionalDeps)
				}
			}
		}

		l.packages[key] = pkg
	}
	return nil
}

func parseVersionMap(node *yaml.Node, into map[string]string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		into[node.Content[i].Value] = node.Content[i+1].Value
	}
}

// splitPackageKey splits a v6 packages key "/name@version(suffixes)" into
// name and bare version. Scoped names keep their slash.
func splitPackageKey(key string) (string, string, error) {
	body, ok := strings.CutPrefix(key, "/")
	if !ok {
		return "", "", fmt.Errorf("package key %q does not start with /", key)
	}

	versionPart := body
	if i := strings.IndexByte(body, '('); i >= 0 {
		versionPart = body[:i]
	}
	at := strings.LastIndexByte(versionPart, '@')
	if at <= 0 {
		return "", "", fmt.Errorf("package key %q has no version separator", key)
	}
	return versionPart[:at], versionPart[at+1:], nil
}

// Format identifies the grammar variant.
func (l *PnpmLockfile) Format() Format { return FormatPnpm }

// Filename returns the on-disk file name for this variant.
func (l *PnpmLockfile) Filename() string { return PnpmFilename }

func importerKey(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// Resolve returns the pinned resolution of spec for the member at dir.
// link: versions point at other workspace members and resolve to false;
// internal edges belong to the workspace graph, not the lockfile.
func (l *PnpmLockfile) Resolve(dir string, spec Specifier) (Resolved, bool) {
	imp, ok := l.importers[importerKey(dir)]
	if !ok {
		return Resolved{}, false
	}
	version, ok := imp.deps[spec.Name]
	if !ok || strings.HasPrefix(version, "link:") {
		return Resolved{}, false
	}

	key, pkg, ok := l.lookupPackage(spec.Name, version)
	if !ok {
		return Resolved{}, false
	}
	return resolvedFrom(key, pkg), true
}

// lookupPackage maps a name plus importer version string to a packages
// entry. Version strings that already carry a leading slash are full
// keys (aliased dependencies).
func (l *PnpmLockfile) lookupPackage(name, version string) (string, *pnpmPackage, bool) {
	key := version
	if !strings.HasPrefix(version, "/") {
		key = "/" + name + "@" + version
	}
	pkg, ok := l.packages[key]
	return key, pkg, ok
}

func resolvedFrom(key string, pkg *pnpmPackage) Resolved {
	return Resolved{
		Key:       key,
		Name:      pkg.name,
		Version:   pkg.version,
		Integrity: pkg.integrity,
	}
}

// TransitiveClosure resolves the root specifiers for dir and follows
// pinned dependency edges through the packages map.
func (l *PnpmLockfile) TransitiveClosure(dir string, roots []Specifier) ([]Resolved, error) {
	imp, ok := l.importers[importerKey(dir)]
	if !ok {
		// A member absent from the importers map declares no external
		// dependencies in this lockfile.
		return nil, nil
	}

	set := make(map[string]Resolved)
	var queue []string

	for _, root := range roots {
		version, ok := imp.deps[root.Name]
		if !ok || strings.HasPrefix(version, "link:") {
			continue
		}
		key, pkg, ok := l.lookupPackage(root.Name, version)
		if !ok {
			return nil, errors.NewLockfileParseError(l.path,
				fmt.Errorf("importer %q pins %s@%s but the packages map has no such entry", importerKey(dir), root.Name, version))
		}
		if _, seen := set[key]; !seen {
			set[key] = resolvedFrom(key, pkg)
			queue = append(queue, key)
		}
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		pkg := l.packages[key]

		for depName, depVersion := range pkg.deps {
			if strings.HasPrefix(depVersion, "link:") {
				continue
			}
			depKey, depPkg, ok := l.lookupPackage(depName, depVersion)
			if !ok {
				return nil, errors.NewLockfileParseError(l.path,
					fmt.Errorf("entry %q depends on %s@%s, which the lockfile does not pin", key, depName, depVersion))
			}
			if _, seen := set[depKey]; !seen {
				set[depKey] = resolvedFrom(depKey, depPkg)
				queue = append(queue, depKey)
			}
		}

		for depName, depVersion := range pkg.optionalDeps {
			if strings.HasPrefix(depVersion, "link:") {
				continue
			}
			depKey, depPkg, ok := l.lookupPackage(depName, depVersion)
			if !ok {
				continue
			}
			if _, seen := set[depKey]; !seen {
				set[depKey] = resolvedFrom(depKey, depPkg)
				queue = append(queue, depKey)
			}
		}
	}

	return sortResolved(set), nil
}

// PatchFiles returns the root-relative paths of every referenced patch
// file, sorted.
func (l *PnpmLockfile) PatchFiles() []string {
	if len(l.patches) == 0 {
		return nil
	}
	paths := make([]string, 0, len(l.patches))
	for _, patch := range l.patches {
		paths = append(paths, patchPath(patch))
	}
	sort.Strings(paths)
	return paths
}

// findPatchedPackage locates the packages entry a patch target
// "name@version" applies to, tolerating peer and patch suffixes.
func (l *PnpmLockfile) findPatchedPackage(target string) (string, bool) {
	exact := "/" + target
	if _, ok := l.packages[exact]; ok {
		return exact, true
	}
	prefix := exact + "("
	for key := range l.packages {
		if strings.HasPrefix(key, prefix) {
			return key, true
		}
	}
	return "", false
}

// Subset produces a minimized pnpm-lock.yaml retaining the root importer,
// the given member importers, the union closure of their specifiers, and
// every patch entry a retained package still references. Output bytes are
// deterministic: fixed section order, sorted keys, two-space indent.
func (l *PnpmLockfile) Subset(members map[string][]Specifier) ([]byte, error) {
	retainedImporters := map[string]bool{".": true}
	retainedPackages := make(map[string]bool)

	dirs := make([]string, 0, len(members))
	for dir := range members {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		key := importerKey(dir)
		if _, ok := l.importers[key]; !ok {
			return nil, errors.NewLockfileParseError(l.path,
				fmt.Errorf("workspace member %q has no importer entry", key))
		}
		retainedImporters[key] = true

		closure, err := l.TransitiveClosure(dir, members[dir])
		if err != nil {
			return nil, err
		}
		for _, r := range closure {
			retainedPackages[r.Key] = true
		}
	}

	// Retain each patch whose target survives; a retained patched package
	// without its patch entry would install differently than the source
	// workspace did.
	retainedPatches := make(map[string]pnpmPatch)
	for target, patch := range l.patches {
		key, ok := l.findPatchedPackage(target)
		if !ok {
			return nil, errors.NewDanglingPatchReferenceError(patchPath(patch), target)
		}
		if retainedPackages[key] {
			retainedPatches[target] = patch
		}
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	appendEntry := func(key string, value *yaml.Node) {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			value,
		)
	}

	appendEntry("lockfileVersion", l.versionNode)
	if l.settingsNode != nil {
		appendEntry("settings", l.settingsNode)
	}
	if len(retainedPatches) > 0 {
		appendEntry("patchedDependencies", sortedMapping(func(add func(string, *yaml.Node)) {
			targets := sortedKeys(retainedPatches)
			for _, t := range targets {
				add(t, retainedPatches[t].node)
			}
		}))
	}

	appendEntry("importers", sortedMapping(func(add func(string, *yaml.Node)) {
		keys := sortedKeys(retainedImporters)
		for _, k := range keys {
			if imp, ok := l.importers[k]; ok {
				add(k, imp.node)
			}
		}
	}))

	if len(retainedPackages) > 0 {
		appendEntry("packages", sortedMapping(func(add func(string, *yaml.Node)) {
			keys := sortedKeys(retainedPackages)
			for _, k := range keys {
				add(k, l.packages[k].node)
			}
		}))
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode lockfile subset", err)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode lockfile subset", err)
	}
	return buf.Bytes(), nil
}

func sortedMapping(fill func(add func(string, *yaml.Node))) *yaml.Node {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	fill(func(key string, value *yaml.Node) {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			value,
		)
	})
	return mapping
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
