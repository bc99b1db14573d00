package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProvider counts calls and optionally blocks Put on a gate.
type recordingProvider struct {
	mu     sync.Mutex
	gate   chan struct{}
	puts   []string
	closed bool
}

func (r *recordingProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	return nil, ErrMiss
}

func (r *recordingProvider) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (r *recordingProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts = append(r.puts, key)
	return nil
}

func (r *recordingProvider) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestAsyncPutDoesNotBlock(t *testing.T) {
	inner := &recordingProvider{gate: make(chan struct{})}
	a := NewAsync(inner, 1, quietLogger())

	// The inner provider is blocked; if Put waited for it, this call
	// would hang the test.
	require.NoError(t, a.Put(context.Background(), t.TempDir(), "k1", &Entry{}))

	close(inner.gate)
	require.NoError(t, a.Close())

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, []string{"k1"}, inner.puts)
	assert.True(t, inner.closed)
}

func TestAsyncCloseDrainsQueue(t *testing.T) {
	inner := &recordingProvider{}
	a := NewAsync(inner, 2, quietLogger())

	ctx := context.Background()
	anchor := t.TempDir()
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, a.Put(ctx, anchor, key, &Entry{}))
	}
	require.NoError(t, a.Close())

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Len(t, inner.puts, 5, "every queued write must land before Close returns")
}

func TestAsyncPutAfterClose(t *testing.T) {
	a := NewAsync(&recordingProvider{}, 1, quietLogger())
	require.NoError(t, a.Close())

	err := a.Put(context.Background(), t.TempDir(), "late", &Entry{})
	assert.Error(t, err)
}

func TestAsyncGetPassesThrough(t *testing.T) {
	inner := &recordingProvider{}
	a := NewAsync(inner, 1, quietLogger())
	defer a.Close()

	_, err := a.Get(context.Background(), t.TempDir(), "k")
	assert.True(t, IsMiss(err))
}
