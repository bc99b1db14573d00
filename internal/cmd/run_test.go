package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorail-dev/monorail/internal/cache"
	"github.com/monorail-dev/monorail/internal/config"
	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/log"
	"github.com/monorail-dev/monorail/internal/run"
	"github.com/monorail-dev/monorail/internal/watch"
	"github.com/monorail-dev/monorail/internal/workspace"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func quietLogger() *log.Logger {
	return log.New(log.Config{Level: log.LevelError, Output: log.NewOutput(io.Discard)})
}

func discover(t *testing.T, root string) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Discover(context.Background(), root)
	require.NoError(t, err)
	return ws
}

func TestFailureError(t *testing.T) {
	cases := []struct {
		name    string
		summary *run.Summary
		code    errors.ErrorCode
	}{
		{"failed tasks", &run.Summary{Failed: 2, Skipped: 1}, errors.ErrCodeExecTaskFailed},
		{"interrupted wins over failed", &run.Summary{Failed: 1, Interrupted: 1}, errors.ErrCodeExecInterrupted},
		{"skipped only", &run.Summary{Skipped: 3}, errors.ErrCodeExecTaskFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := failureError(tc.summary)
			require.Error(t, err)
			assert.Equal(t, tc.code, errors.CodeOf(err))
		})
	}

	assert.NoError(t, failureError(&run.Summary{Succeeded: 4}))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &run.Summary{
		Succeeded:  2,
		CacheHits:  1,
		DurationMS: 1234,
		Tasks: []run.TaskSummary{
			{ID: "util#build"},
			{ID: "web#build"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "2 successful, 2 total")
	assert.Contains(t, out, "1 cached, 2 total")
	assert.NotContains(t, out, "failed")
}

func TestPrintSummaryReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &run.Summary{
		Succeeded: 1,
		Failed:    1,
		Skipped:   2,
		Tasks: []run.TaskSummary{
			{ID: "util#build"}, {ID: "web#build"}, {ID: "web#test"}, {ID: "docs#build"},
		},
	})

	assert.Contains(t, buf.String(), "1 failed, 2 skipped, 0 interrupted")
}

func TestPrintSummaryDryRun(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &run.Summary{
		DryRun:    true,
		CacheHits: 1,
		Tasks: []run.TaskSummary{
			{ID: "util#build", Cached: true},
			{ID: "web#build"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Tasks to run: 2 (1 cached)")
	assert.Contains(t, out, "cache hit")
	assert.Contains(t, out, "cache miss")
}

func TestBuildCacheProviderDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Enabled = false

	p, err := buildCacheProvider(cfg, t.TempDir(), quietLogger())
	require.NoError(t, err)
	defer p.Close()

	assert.IsType(t, cache.NopProvider{}, p)
}

func TestBuildCacheProviderLocal(t *testing.T) {
	cfg := config.Default()
	root := t.TempDir()

	p, err := buildCacheProvider(cfg, root, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	assert.IsType(t, &cache.AsyncProvider{}, p)
	assert.DirExists(t, filepath.Join(root, ".monorail", "cache"))
}

func TestBuildCacheProviderRemote(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Remote.Enabled = true
	cfg.Cache.Remote.URL = "http://127.0.0.1:1"
	cfg.Cache.SignatureKey = "secret"

	p, err := buildCacheProvider(cfg, t.TempDir(), quietLogger())
	require.NoError(t, err)
	defer p.Close()

	// Construction never dials; the remote tier only matters at runtime.
	assert.IsType(t, &cache.AsyncProvider{}, p)
}

func TestSessionDryRun(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":  `{"name": "root", "workspaces": ["pkgs/*"]}`,
		"monorail.json": `{"pipeline": {"build": {"dependsOn": ["^build"]}}}`,
		"pkgs/app/package.json": `{
			"name": "app",
			"scripts": {"build": "echo app"},
			"dependencies": {"lib": "workspace:*"}
		}`,
		"pkgs/lib/package.json": `{
			"name": "lib",
			"scripts": {"build": "echo lib"}
		}`,
	})

	var buf bytes.Buffer
	s := &session{
		root:   root,
		cfg:    config.Default(),
		logger: quietLogger(),
		tasks:  []string{"build"},
		out:    &buf,
	}
	require.NoError(t, s.refresh(context.Background()))

	runDryRun = true
	defer func() { runDryRun = false }()

	summary, err := s.execute(context.Background(), cache.Nop())
	require.NoError(t, err)
	require.Len(t, summary.Tasks, 2)
	assert.Equal(t, "lib#build", summary.Tasks[0].ID)
	assert.Equal(t, "app#build", summary.Tasks[1].ID)
	assert.True(t, summary.OK())
	assert.Contains(t, buf.String(), "Tasks to run: 2")

	// Dry runs must not leave a summary file behind.
	_, statErr := os.Stat(filepath.Join(root, ".monorail"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSessionRefreshPicksUpManifestChanges(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":           `{"name": "root", "workspaces": ["pkgs/*"]}`,
		"monorail.json":          `{"pipeline": {"build": {}}}`,
		"pkgs/util/package.json": `{"name": "util", "scripts": {"build": "echo build"}}`,
	})

	s := &session{
		root:   root,
		cfg:    config.Default(),
		logger: quietLogger(),
		tasks:  []string{"lint"},
		out:    io.Discard,
	}
	require.NoError(t, s.refresh(context.Background()))

	runDryRun = true
	defer func() { runDryRun = false }()

	// No pipeline entry and no package declares a lint script yet.
	_, err := s.execute(context.Background(), cache.Nop())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePipelineTaskNotFound, errors.CodeOf(err))

	writeTree(t, root, map[string]string{
		"pkgs/util/package.json": `{"name": "util", "scripts": {"build": "echo build", "lint": "echo lint"}}`,
	})
	require.NoError(t, s.refresh(context.Background()))

	summary, err := s.execute(context.Background(), cache.Nop())
	require.NoError(t, err)
	require.Len(t, summary.Tasks, 1)
	assert.Equal(t, "util#lint", summary.Tasks[0].ID)
}

func TestReshaped(t *testing.T) {
	assert.False(t, reshaped(nil))
	assert.False(t, reshaped([]watch.Event{{Package: "web", Paths: []string{"apps/web/src/index.ts"}}}))
	assert.True(t, reshaped([]watch.Event{
		{Package: "web", Paths: []string{"apps/web/src/index.ts"}},
		{Package: "", Paths: []string{"pnpm-lock.yaml"}, ManifestChanged: true},
	}))
}
