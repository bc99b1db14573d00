package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/monorail-dev/monorail/internal/errors"
)

// Artifact is one cache entry in transport form: a self-contained
// archive embedding the entry metadata, the optional signature tag, and
// the original execution duration surfaced for transports that report
// time saved.
type Artifact struct {
	Body     []byte
	Tag      string
	Duration time.Duration
}

// Client is the transport a remote provider speaks through. The wire
// protocol behind it is out of scope; implementations may be HTTP
// backends or test doubles. FetchArtifact returns ErrMiss for absent
// keys.
type Client interface {
	ArtifactExists(ctx context.Context, key string) (bool, error)
	FetchArtifact(ctx context.Context, key string) (*Artifact, error)
	PutArtifact(ctx context.Context, key string, artifact *Artifact) error
}

// RemoteProvider adapts a Client to the Provider interface. Entries are
// packed into self-contained artifacts; when a signer is configured,
// uploads are tagged and downloads failing verification are rejected
// without touching the workspace.
type RemoteProvider struct {
	client Client
	signer *Signer
}

// NewRemote wraps client. A nil signer disables artifact
// authentication.
func NewRemote(client Client, signer *Signer) *RemoteProvider {
	return &RemoteProvider{client: client, signer: signer}
}

// Get downloads the artifact for key, verifies it, and restores it into
// anchor.
func (p *RemoteProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	artifact, err := p.client.FetchArtifact(ctx, key)
	if err != nil {
		if IsMiss(err) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCodeCacheRemoteFailed, "failed to fetch cache artifact "+key, err)
	}

	if p.signer != nil && !p.signer.Verify(key, artifact.Body, artifact.Tag) {
		return nil, errors.New(errors.ErrCodeCacheBadSignature,
			"cache artifact "+key+" failed signature verification").
			WithSuggestion("Check that every machine sharing this cache uses the same signature key")
	}

	meta, _, err := extractArchive(bytes.NewReader(artifact.Body), anchor)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheRestoreFailed, "failed to restore cache artifact "+key, err)
	}
	if meta == nil {
		return nil, errors.New(errors.ErrCodeCacheCorrupt, "cache artifact "+key+" carries no metadata")
	}

	var m entryMeta
	if err := json.Unmarshal(meta, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "corrupt metadata in cache artifact "+key, err)
	}
	return m.toEntry(), nil
}

// Exists asks the client whether an artifact is stored under key.
func (p *RemoteProvider) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := p.client.ArtifactExists(ctx, key)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeCacheRemoteFailed, "failed to check cache artifact "+key, err)
	}
	return ok, nil
}

// Put packs the entry into an artifact and uploads it.
func (p *RemoteProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	meta, err := json.Marshal(metaFromEntry(entry))
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to encode cache metadata for "+key, err)
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, anchor, entry.Files, meta); err != nil {
		return errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to pack cache artifact for "+key, err)
	}

	artifact := &Artifact{Body: buf.Bytes(), Duration: entry.Duration}
	if p.signer != nil {
		artifact.Tag = p.signer.Sign(key, artifact.Body)
	}
	if err := p.client.PutArtifact(ctx, key, artifact); err != nil {
		return errors.Wrap(errors.ErrCodeCacheRemoteFailed, "failed to upload cache artifact "+key, err)
	}
	return nil
}

// Close is a no-op; the client owns any connections.
func (p *RemoteProvider) Close() error {
	return nil
}
