package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/workspace"
)

var graphCmd = &cobra.Command{
	Use:   "graph [packages...]",
	Short: "Print the package dependency graph",
	Long: `Print the workspace package graph, one package per line with its direct
internal dependencies. With package arguments, output is restricted to
those packages and their transitive dependencies. --dot emits Graphviz
DOT instead.`,
	RunE: runGraph,
}

var graphDot bool

func init() {
	graphCmd.Flags().BoolVar(&graphDot, "dot", false, "emit Graphviz DOT")

	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if _, _, err := loadConfig(); err != nil {
		return err
	}
	root, err := filepath.Abs(flagCwd)
	if err != nil {
		return errors.Wrap(errors.ErrCodeGraphRootNotFound, "failed to resolve workspace root", err)
	}

	ws, err := workspace.Discover(ctx, root)
	if err != nil {
		return err
	}

	names, err := selectGraphPackages(ws, args)
	if err != nil {
		return err
	}
	return renderGraph(cmd.OutOrStdout(), ws, names, graphDot)
}

// selectGraphPackages resolves the argument scope: every package, or the
// named ones plus their transitive dependencies, sorted.
func selectGraphPackages(ws *workspace.Workspace, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return ws.Graph.PackageNames(), nil
	}

	selected := make(map[string]bool)
	for _, name := range targets {
		if !ws.Graph.Has(name) {
			return nil, errors.New(errors.ErrCodeGraphUnknownPackage, "unknown package "+name).
				WithSuggestion("Run 'monorail graph' to list workspace packages")
		}
		selected[name] = true
		deps, err := ws.Graph.TransitiveDependencies(name)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			selected[dep] = true
		}
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// renderGraph writes the subgraph induced by names. Edges leaving the
// selection are dropped so the output is self-contained.
func renderGraph(out io.Writer, ws *workspace.Workspace, names []string, dot bool) error {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}

	if dot {
		fmt.Fprintln(out, "digraph workspace {")
		for _, name := range names {
			deps, err := ws.Graph.Dependencies(name)
			if err != nil {
				return err
			}
			edges := 0
			for _, dep := range deps {
				if set[dep] {
					fmt.Fprintf(out, "\t%q -> %q;\n", name, dep)
					edges++
				}
			}
			if edges == 0 {
				fmt.Fprintf(out, "\t%q;\n", name)
			}
		}
		fmt.Fprintln(out, "}")
		return nil
	}

	for _, name := range names {
		deps, err := ws.Graph.Dependencies(name)
		if err != nil {
			return err
		}
		kept := deps[:0:0]
		for _, dep := range deps {
			if set[dep] {
				kept = append(kept, dep)
			}
		}
		if len(kept) == 0 {
			fmt.Fprintln(out, name)
			continue
		}
		fmt.Fprintf(out, "%s -> %s\n", name, strings.Join(kept, ", "))
	}
	return nil
}
