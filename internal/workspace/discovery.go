package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/glob"
	"github.com/monorail-dev/monorail/internal/manifest"
)

// PnpmWorkspaceFile is the pnpm workspace definition file name. When
// present at the root it takes precedence over the root manifest's
// workspaces field, matching pnpm's own behavior.
const PnpmWorkspaceFile = "pnpm-workspace.yaml"

type pnpmWorkspace struct {
	Packages []string `yaml:"packages"`
}

// Discover reads the workspace at root: the root manifest, the member
// globs, every member manifest, and the dependency graph over them.
// Member manifests are read in parallel; a directory matching a glob
// without a manifest file is skipped, not an error.
func Discover(ctx context.Context, root string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphRootNotFound, fmt.Sprintf("failed to resolve workspace root: %s", root), err)
	}

	rootManifest, rootHash, err := manifest.ReadDir(absRoot)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphRootNotFound, fmt.Sprintf("no workspace root at %s", absRoot), err).
			WithSuggestion("Run monorail from a directory containing a root " + manifest.Filename)
	}

	globs, err := memberGlobs(absRoot, rootManifest)
	if err != nil {
		return nil, err
	}
	if len(globs) == 0 {
		return nil, errors.New(errors.ErrCodeGraphRootNotFound, fmt.Sprintf("root manifest at %s declares no workspaces", absRoot)).
			WithSuggestion("Add a workspaces field to the root " + manifest.Filename).
			WithSuggestion("Or declare packages in " + PnpmWorkspaceFile)
	}

	dirs, err := glob.ExpandDirs(absRoot, globs)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGraphRootNotFound, "failed to expand workspace globs", err)
	}

	packages, err := readMembers(ctx, absRoot, dirs)
	if err != nil {
		return nil, err
	}

	graph, err := BuildGraph(packages)
	if err != nil {
		return nil, err
	}

	return &Workspace{
		Root:             absRoot,
		RootManifest:     rootManifest,
		RootManifestHash: rootHash,
		MemberGlobs:      globs,
		Graph:            graph,
	}, nil
}

func memberGlobs(root string, rootManifest *manifest.Manifest) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(root, PnpmWorkspaceFile))
	if err == nil {
		var pw pnpmWorkspace
		if err := yaml.Unmarshal(data, &pw); err != nil {
			return nil, errors.Wrap(errors.ErrCodeGraphRootNotFound, "failed to parse "+PnpmWorkspaceFile, err)
		}
		return pw.Packages, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read "+PnpmWorkspaceFile, err)
	}

	return rootManifest.Workspaces, nil
}

func readMembers(ctx context.Context, root string, dirs []string) ([]*Package, error) {
	packages := make([]*Package, len(dirs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			abs := filepath.Join(root, filepath.FromSlash(dir))
			if _, err := os.Stat(filepath.Join(abs, manifest.Filename)); os.IsNotExist(err) {
				return nil
			}

			m, digest, err := manifest.ReadDir(abs)
			if err != nil {
				return err
			}

			packages[i] = &Package{
				Name:         m.Name,
				Dir:          dir,
				Path:         abs,
				Manifest:     m,
				ManifestHash: digest,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := packages[:0]
	for _, pkg := range packages {
		if pkg != nil {
			found = append(found, pkg)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}
