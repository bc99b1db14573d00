package cache

import (
	"context"
	"sync"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/log"
)

// AsyncProvider wraps another provider so Put returns immediately and
// the write happens on background workers, keeping task workers off the
// disk. Get passes through synchronously. Close drains every queued
// write before closing the inner provider.
type AsyncProvider struct {
	inner  Provider
	logger *log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []pendingWrite
	closed bool
	wg     sync.WaitGroup
}

type pendingWrite struct {
	anchor string
	key    string
	entry  *Entry
}

// NewAsync starts workers goroutines draining queued writes into inner.
func NewAsync(inner Provider, workers int, logger *log.Logger) *AsyncProvider {
	if workers < 1 {
		workers = 1
	}
	a := &AsyncProvider{inner: inner, logger: logger}
	a.cond = sync.NewCond(&a.mu)
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

func (a *AsyncProvider) worker() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		w := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		// The run that enqueued this write may already be finishing; the
		// write still completes so the next run can hit.
		if err := a.inner.Put(context.Background(), w.anchor, w.key, w.entry); err != nil {
			a.logger.Warn("cache write failed", "key", w.key, "error", err)
		}
	}
}

// Get passes through to the inner provider.
func (a *AsyncProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	return a.inner.Get(ctx, anchor, key)
}

// Exists passes through to the inner provider. A write still sitting in
// the queue is not visible yet.
func (a *AsyncProvider) Exists(ctx context.Context, key string) (bool, error) {
	return a.inner.Exists(ctx, key)
}

// Put queues the write and returns without touching storage.
func (a *AsyncProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New(errors.ErrCodeCacheWriteFailed, "cache is closed")
	}
	a.queue = append(a.queue, pendingWrite{anchor: anchor, key: key, entry: entry})
	a.cond.Signal()
	return nil
}

// Close drains the queue, stops the workers, and closes the inner
// provider.
func (a *AsyncProvider) Close() error {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
	a.wg.Wait()
	return a.inner.Close()
}
