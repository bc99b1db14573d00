package cache

import "context"

// NopProvider misses every read and discards every write. It stands in
// when caching is disabled so the scheduler keeps a single code path.
type NopProvider struct{}

// Nop returns a provider that caches nothing.
func Nop() NopProvider {
	return NopProvider{}
}

// Get always reports a miss.
func (NopProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	return nil, ErrMiss
}

// Exists always reports absence.
func (NopProvider) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// Put discards the entry.
func (NopProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	return nil
}

// Close is a no-op.
func (NopProvider) Close() error {
	return nil
}
