package cache

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/log"
)

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func quietLogger() *log.Logger {
	return log.New(log.Config{Level: log.LevelError, Output: log.NewOutput(io.Discard)})
}

// fakeClient is an in-memory Client for provider tests.
type fakeClient struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	fetches   int
	puts      int
}

func newFakeClient() *fakeClient {
	return &fakeClient{artifacts: make(map[string]*Artifact)}
}

func (c *fakeClient) ArtifactExists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.artifacts[key]
	return ok, nil
}

func (c *fakeClient) FetchArtifact(ctx context.Context, key string) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	artifact, ok := c.artifacts[key]
	if !ok {
		return nil, ErrMiss
	}
	return artifact, nil
}

func (c *fakeClient) PutArtifact(ctx context.Context, key string, artifact *Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.artifacts[key] = artifact
	return nil
}

func TestRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "dist/bundle.js", "bundled")

	client := newFakeClient()
	p := NewRemote(client, NewSigner([]byte("secret")))

	entry := &Entry{
		ExitCode: 0,
		Log:      []byte("built\n"),
		Duration: 2 * time.Second,
		Files:    []string{"dist/bundle.js"},
	}
	require.NoError(t, p.Put(ctx, workspace, "key1", entry))

	restoreRoot := t.TempDir()
	got, err := p.Get(ctx, restoreRoot, "key1")
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(got.Log))
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.Equal(t, "bundled", readWorkspaceFile(t, restoreRoot, "dist/bundle.js"))
}

func TestRemoteMiss(t *testing.T) {
	p := NewRemote(newFakeClient(), nil)

	_, err := p.Get(context.Background(), t.TempDir(), "absent")
	require.Error(t, err)
	assert.True(t, IsMiss(err))
}

func TestRemoteRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "out.txt", "data")

	client := newFakeClient()
	writer := NewRemote(client, NewSigner([]byte("team-a")))
	require.NoError(t, writer.Put(ctx, workspace, "k", &Entry{Files: []string{"out.txt"}}))

	reader := NewRemote(client, NewSigner([]byte("team-b")))
	restoreRoot := t.TempDir()
	_, err := reader.Get(ctx, restoreRoot, "k")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCacheBadSignature, errors.CodeOf(err))

	// Verification happens before any bytes touch the workspace.
	entries, readErr := readDirNames(restoreRoot)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestRemoteUnsignedWhenNoSigner(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "out.txt", "data")

	client := newFakeClient()
	p := NewRemote(client, nil)
	require.NoError(t, p.Put(ctx, workspace, "k", &Entry{Files: []string{"out.txt"}}))

	client.mu.Lock()
	tag := client.artifacts["k"].Tag
	client.mu.Unlock()
	assert.Empty(t, tag)

	_, err := p.Get(ctx, t.TempDir(), "k")
	require.NoError(t, err)
}
