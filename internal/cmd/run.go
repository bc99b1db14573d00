package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/monorail-dev/monorail/internal/cache"
	"github.com/monorail-dev/monorail/internal/config"
	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/lockfile"
	"github.com/monorail-dev/monorail/internal/log"
	"github.com/monorail-dev/monorail/internal/pipeline"
	"github.com/monorail-dev/monorail/internal/run"
	"github.com/monorail-dev/monorail/internal/watch"
	"github.com/monorail-dev/monorail/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run [tasks...]",
	Short: "Run pipeline tasks across the workspace",
	Long: `Run one or more pipeline tasks across the workspace in dependency
order. Each task's result is cached by content hash; unchanged tasks
replay their recorded output instead of executing again.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runFilter      []string
	runConcurrency int
	runContinue    bool
	runDryRun      bool
	runForce       bool
	runWatch       bool
)

func init() {
	runCmd.Flags().StringSliceVar(&runFilter, "filter", nil, "limit to the named packages and their dependencies")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "maximum parallel tasks (0 = number of CPUs)")
	runCmd.Flags().BoolVar(&runContinue, "continue", false, "keep running independent tasks after a failure")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "resolve the task graph and cache states without executing")
	runCmd.Flags().BoolVar(&runForce, "force", false, "ignore existing cache entries; new entries are still written")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "re-run tasks when package files change")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := filepath.Abs(flagCwd)
	if err != nil {
		return errors.Wrap(errors.ErrCodeGraphRootNotFound, "failed to resolve workspace root", err)
	}

	provider, err := buildCacheProvider(cfg, root, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("cache shutdown failed", "error", err)
		}
	}()

	s := &session{root: root, cfg: cfg, logger: logger, tasks: args, scope: runFilter, out: cmd.OutOrStdout()}
	if err := s.refresh(ctx); err != nil {
		return err
	}

	if runWatch {
		return s.watch(ctx, provider)
	}

	summary, err := s.execute(ctx, provider)
	if err != nil {
		return err
	}
	if !summary.OK() {
		return failureError(summary)
	}
	return nil
}

// buildCacheProvider assembles the configured provider stack: filesystem
// store, optional remote tier, and a write-behind front so cache writes
// never block task workers.
func buildCacheProvider(cfg *config.Config, root string, logger *log.Logger) (cache.Provider, error) {
	if !cfg.Cache.Enabled {
		return cache.Nop(), nil
	}

	fs, err := cache.NewFS(cfg.Cache.ResolveDir(root))
	if err != nil {
		return nil, err
	}

	var provider cache.Provider = fs
	if cfg.Cache.Remote.Enabled {
		var signer *cache.Signer
		if cfg.Cache.SignatureKey != "" {
			signer = cache.NewSigner([]byte(cfg.Cache.SignatureKey))
		}
		client := cache.NewHTTPClient(cfg.Cache.Remote.URL, cfg.Cache.Remote.Token, cfg.Cache.Remote.Timeout())
		provider = cache.NewTiered(fs, cache.NewRemote(client, signer), logger)
	}

	return cache.NewAsync(provider, cfg.Cache.Workers, logger), nil
}

// session carries the discovered workspace state one run needs. Watch
// mode refreshes it in place when the workspace shape changes.
type session struct {
	root   string
	cfg    *config.Config
	logger *log.Logger
	tasks  []string
	scope  []string
	out    io.Writer

	ws     *workspace.Workspace
	pipe   pipeline.Pipeline
	hasher *run.Hasher
}

// refresh rereads the workspace from disk: discovery, workspace config,
// lockfile, and a fresh hasher.
func (s *session) refresh(ctx context.Context) error {
	ws, err := workspace.Discover(ctx, s.root)
	if err != nil {
		return err
	}
	wcfg, err := config.LoadWorkspace(s.root)
	if err != nil {
		return err
	}

	lock, err := lockfile.Find(s.root)
	if err != nil {
		// Lockfile problems degrade key precision but never block
		// execution; the hasher falls back to declared specifiers.
		if errors.HasCode(err, errors.ErrCodeLockNotFound) {
			s.logger.Debug("no lockfile found", "root", s.root)
		} else {
			s.logger.Warn("continuing without lockfile", "error", err)
		}
		lock = nil
	}

	hasher, err := run.NewHasher(ws, lock, run.HasherOptions{
		GlobalDependencies: wcfg.GlobalDependencies,
		GlobalEnv:          wcfg.GlobalEnv,
	})
	if err != nil {
		return err
	}

	s.ws = ws
	s.pipe = wcfg.Pipeline
	s.hasher = hasher
	return nil
}

// execute expands the task graph and runs it once. Task failures are
// carried in the summary; the error reports interrupts and setup
// problems only.
func (s *session) execute(ctx context.Context, provider cache.Provider) (*run.Summary, error) {
	tg, err := pipeline.Expand(s.ws.Graph, s.pipe, pipeline.Options{Scope: s.scope, Tasks: s.tasks})
	if err != nil {
		return nil, err
	}

	concurrency := runConcurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Concurrency
	}

	runner := run.New(s.root, tg, provider, s.hasher, s.logger, run.Options{
		Concurrency:     concurrency,
		ContinueOnError: runContinue || s.cfg.ContinueOnError,
		DryRun:          runDryRun,
		Force:           runForce,
	})
	summary, runErr := runner.Run(ctx)
	if summary != nil {
		printSummary(s.out, summary)
		if !runDryRun {
			if path, err := summary.Write(s.root); err != nil {
				s.logger.Warn("failed to write run summary", "error", err)
			} else {
				s.logger.Debug("run summary written", "path", path)
			}
		}
	}
	return summary, runErr
}

// watch runs the tasks once, then re-runs them as change batches arrive.
// Shape changes trigger a full rediscovery and a fresh watcher; content
// changes invalidate only the touched packages' input hashes.
func (s *session) watch(ctx context.Context, provider cache.Provider) error {
	w := watch.New(s.ws, s.logger)
	if err := w.Start(); err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	s.executeLogged(ctx, provider)

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			if reshaped(batch) {
				if err := s.refresh(ctx); err != nil {
					// Manifests are often briefly broken mid-edit; keep
					// watching and retry on the next batch.
					s.logger.LogError(err)
					continue
				}
				_ = w.Stop()
				w = watch.New(s.ws, s.logger)
				if err := w.Start(); err != nil {
					return err
				}
			} else {
				for _, ev := range batch {
					if pkg := s.ws.Package(ev.Package); pkg != nil {
						s.hasher.Invalidate(pkg.Dir)
					}
				}
			}
			s.executeLogged(ctx, provider)
		}
	}
}

// executeLogged runs once for watch mode, where failures keep the loop
// alive instead of ending the command.
func (s *session) executeLogged(ctx context.Context, provider cache.Provider) {
	if _, err := s.execute(ctx, provider); err != nil && ctx.Err() == nil {
		s.logger.LogError(err)
	}
}

func reshaped(batch []watch.Event) bool {
	for _, ev := range batch {
		if ev.ManifestChanged {
			return true
		}
	}
	return false
}

// failureError maps an unsuccessful summary to a coded error so the
// exit code distinguishes task failures from configuration errors.
func failureError(s *run.Summary) error {
	switch {
	case s.Interrupted > 0:
		return errors.New(errors.ErrCodeExecInterrupted,
			fmt.Sprintf("%d task(s) interrupted", s.Interrupted))
	case s.Failed > 0:
		return errors.New(errors.ErrCodeExecTaskFailed,
			fmt.Sprintf("%d task(s) failed, %d skipped", s.Failed, s.Skipped))
	case s.Skipped > 0:
		return errors.New(errors.ErrCodeExecTaskFailed,
			fmt.Sprintf("%d task(s) skipped", s.Skipped))
	}
	return nil
}

func printSummary(out io.Writer, s *run.Summary) {
	total := len(s.Tasks)
	if s.DryRun {
		fmt.Fprintf(out, "\nTasks to run: %d (%d cached)\n", total, s.CacheHits)
		for _, t := range s.Tasks {
			state := "miss"
			if t.Cached {
				state = "hit"
			}
			fmt.Fprintf(out, "  %-40s cache %s\n", t.ID, state)
		}
		return
	}

	elapsed := (time.Duration(s.DurationMS) * time.Millisecond).Round(time.Millisecond)
	fmt.Fprintf(out, "\n Tasks: %d successful, %d total\n", s.Succeeded, total)
	fmt.Fprintf(out, "Cached: %d cached, %d total\n", s.CacheHits, total)
	fmt.Fprintf(out, "  Time: %s\n", elapsed)
	if s.Failed > 0 || s.Skipped > 0 || s.Interrupted > 0 {
		fmt.Fprintf(out, "Failed: %d failed, %d skipped, %d interrupted\n",
			s.Failed, s.Skipped, s.Interrupted)
	}
}
