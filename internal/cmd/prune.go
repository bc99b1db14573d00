package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/lockfile"
	"github.com/monorail-dev/monorail/internal/prune"
	"github.com/monorail-dev/monorail/internal/workspace"
)

var pruneCmd = &cobra.Command{
	Use:   "prune [packages...]",
	Short: "Copy a minimal sub-workspace for the named packages",
	Long: `Copy the named packages, everything they transitively depend on, and a
minimized lockfile into a fresh directory. The result installs and
builds on its own, which makes it a good build context for container
images.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrune,
}

var (
	pruneOutDir string
	pruneDocker bool
)

func init() {
	pruneCmd.Flags().StringVar(&pruneOutDir, "out-dir", "out", "destination directory for the pruned workspace")
	pruneCmd.Flags().BoolVar(&pruneDocker, "docker", false, "split output into json/ (manifests and lockfile) and full/ (sources)")

	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, logger, err := loadConfig()
	if err != nil {
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

	// Unlike run, prune cannot proceed without a lockfile: a pruned
	// workspace that re-resolves on install defeats the point.
	lock, err := lockfile.Find(root)
	if err != nil {
		return err
	}

	dest := pruneOutDir
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(root, dest)
	}

	res, err := prune.New(ws, lock, logger).Prune(ctx, args, dest, prune.Options{Docker: pruneDocker})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pruned %d package(s) into %s (%d files)\n", len(res.Packages), res.Dir, res.Files)
	for _, name := range res.Packages {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	return nil
}
