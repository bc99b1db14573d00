package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/monorail-dev/monorail/internal/errors"
)

// FSProvider stores entries on the local filesystem: one tar.gz artifact
// holding the produced files plus one JSON metadata sidecar per key. The
// sidecar is renamed into place after the artifact, so a visible sidecar
// always has its artifact; racing writers to one key go through unique
// temp files and the last rename wins with both files intact.
type FSProvider struct {
	dir string
}

// NewFS opens (creating if needed) a filesystem cache rooted at dir.
func NewFS(dir string) (*FSProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to create cache directory "+dir, err)
	}
	return &FSProvider{dir: dir}, nil
}

// Dir returns the cache root directory.
func (p *FSProvider) Dir() string {
	return p.dir
}

func (p *FSProvider) metaPath(key string) string {
	return filepath.Join(p.dir, key+"-meta.json")
}

func (p *FSProvider) artifactPath(key string) string {
	return filepath.Join(p.dir, key+".tar.gz")
}

// Get reads the sidecar for key and restores the artifact into anchor.
func (p *FSProvider) Get(ctx context.Context, anchor, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.metaPath(key))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheReadFailed, "failed to read cache entry "+key, err)
	}

	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "corrupt cache metadata for "+key, err)
	}

	if len(meta.Files) > 0 {
		file, err := os.Open(p.artifactPath(key))
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeCacheCorrupt,
				fmt.Sprintf("cache entry %s has metadata but no artifact", key))
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheReadFailed, "failed to open cache artifact "+key, err)
		}
		_, _, restoreErr := extractArchive(file, anchor)
		closeErr := file.Close()
		if restoreErr != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheRestoreFailed, "failed to restore cache artifact "+key, restoreErr)
		}
		if closeErr != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheReadFailed, "failed to close cache artifact "+key, closeErr)
		}
	}

	return meta.toEntry(), nil
}

// Exists reports whether the sidecar for key is present.
func (p *FSProvider) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(p.metaPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeCacheReadFailed, "failed to stat cache entry "+key, err)
	}
	return true, nil
}

// Put archives entry.Files from anchor and commits the entry under key.
func (p *FSProvider) Put(ctx context.Context, anchor, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(entry.Files) > 0 {
		if err := p.writeArtifact(anchor, key, entry.Files); err != nil {
			return err
		}
	}

	data, err := json.Marshal(metaFromEntry(entry))
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to encode cache metadata for "+key, err)
	}
	if err := p.commit(p.metaPath(key), func(f *os.File) error {
		_, werr := f.Write(data)
		return werr
	}); err != nil {
		return errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to write cache metadata for "+key, err)
	}
	return nil
}

func (p *FSProvider) writeArtifact(anchor, key string, files []string) error {
	err := p.commit(p.artifactPath(key), func(f *os.File) error {
		return writeArchive(f, anchor, files, nil)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheWriteFailed, "failed to write cache artifact for "+key, err)
	}
	return nil
}

// commit writes through a unique temp file in the cache directory and
// renames it over path, so concurrent writers never interleave.
func (p *FSProvider) commit(path string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(p.dir, "put-*.tmp")
	if err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Close is a no-op; the filesystem provider writes synchronously.
func (p *FSProvider) Close() error {
	return nil
}
