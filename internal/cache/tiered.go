package cache

import (
	"context"

	"github.com/monorail-dev/monorail/internal/log"
)

// TieredProvider consults a fast local provider first and falls back to
// a remote one, backfilling the local store on remote hits so later runs
// stay local. Local read failures degrade to the remote path instead of
// failing the lookup.
type TieredProvider struct {
	local  Provider
	remote Provider
	logger *log.Logger
}

// NewTiered layers local over remote. Both providers are required.
func NewTiered(local, remote Provider, logger *log.Logger) *TieredProvider {
	return &TieredProvider{local: local, remote: remote, logger: logger}
}

// Get tries the local provider, then the remote one.
func (p *TieredProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	entry, err := p.local.Get(ctx, anchor, key)
	if err == nil {
		return entry, nil
	}
	if !IsMiss(err) {
		p.logger.Warn("local cache read failed", "key", key, "error", err)
	}

	entry, err = p.remote.Get(ctx, anchor, key)
	if err != nil {
		return nil, err
	}

	// The remote hit restored the files into anchor, so the local copy
	// can be captured from there.
	if backfillErr := p.local.Put(ctx, anchor, key, entry); backfillErr != nil {
		p.logger.Warn("local cache backfill failed", "key", key, "error", backfillErr)
	}
	return entry, nil
}

// Exists reports whether either layer has the entry.
func (p *TieredProvider) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := p.local.Exists(ctx, key)
	if err != nil {
		p.logger.Warn("local cache check failed", "key", key, "error", err)
	}
	if ok {
		return true, nil
	}
	return p.remote.Exists(ctx, key)
}

// Put writes to both layers. The local write happens first; either
// failure is returned so the caller can log it, but the other layer is
// still attempted.
func (p *TieredProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	localErr := p.local.Put(ctx, anchor, key, entry)
	remoteErr := p.remote.Put(ctx, anchor, key, entry)
	if localErr != nil {
		return localErr
	}
	return remoteErr
}

// Close closes both layers.
func (p *TieredProvider) Close() error {
	localErr := p.local.Close()
	remoteErr := p.remote.Close()
	if localErr != nil {
		return localErr
	}
	return remoteErr
}
