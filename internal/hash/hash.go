// Package hash computes the content digests that cache keys chain over:
// file digests, file-set digests, and framed composite digests.
package hash

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// Bytes returns the blake3 digest of raw bytes as a hex string.
func Bytes(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// File returns the blake3 digest of a file's contents.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// JSON returns the blake3 digest of a value's canonical JSON encoding.
// Maps are serialized with sorted keys so logically equal values hash
// identically regardless of construction order.
func JSON(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return Bytes(canonical), nil
}

func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through interface{} so struct field order cannot leak in.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(generic))
}

// sortKeys recursively sorts map keys for stable JSON output
func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(map[string]any, len(val))
		for _, k := range keys {
			sorted[k] = sortKeys(val[k])
		}
		return sorted

	case []any:
		for i, item := range val {
			val[i] = sortKeys(item)
		}
		return val

	default:
		return v
	}
}

// FileDigest pairs a slash-normalized relative path with its content digest.
type FileDigest struct {
	Path   string
	Digest string
}

// Files hashes the given files relative to root and returns their digests
// sorted by path. The sorted order makes the result independent of the
// order paths were discovered in.
func Files(root string, relPaths []string) ([]FileDigest, error) {
	digests := make([]FileDigest, 0, len(relPaths))
	for _, rel := range relPaths {
		digest, err := File(filepath.Join(root, rel))
		if err != nil {
			return nil, err
		}
		digests = append(digests, FileDigest{
			Path:   filepath.ToSlash(rel),
			Digest: digest,
		})
	}

	sort.Slice(digests, func(i, j int) bool {
		return digests[i].Path < digests[j].Path
	})
	return digests, nil
}

// Tree reduces a set of file digests to one digest. Each entry is framed
// as path then digest, in sorted path order.
func Tree(digests []FileDigest) string {
	sorted := make([]FileDigest, len(digests))
	copy(sorted, digests)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	c := NewCapsule()
	for _, fd := range sorted {
		c.Field(fd.Path, []byte(fd.Digest))
	}
	return c.Sum()
}

// Capsule accumulates length-framed named fields into a single digest.
// Framing keeps adjacent fields from aliasing: "ab"+"c" and "a"+"bc"
// produce different digests.
type Capsule struct {
	hasher *blake3.Hasher
}

// NewCapsule returns an empty capsule.
func NewCapsule() *Capsule {
	return &Capsule{hasher: blake3.New()}
}

// Field appends a named byte field.
func (c *Capsule) Field(name string, value []byte) *Capsule {
	c.frame([]byte(name))
	c.frame(value)
	return c
}

// StringField appends a named string field.
func (c *Capsule) StringField(name, value string) *Capsule {
	return c.Field(name, []byte(value))
}

// SortedField appends a named list field in sorted order, so callers
// do not have to pre-sort.
func (c *Capsule) SortedField(name string, values []string) *Capsule {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)

	c.frame([]byte(name))
	c.frameCount(len(sorted))
	for _, v := range sorted {
		c.frame([]byte(v))
	}
	return c
}

// ListField appends a named list field preserving the caller's order.
// Used where order is semantic, such as upstream cache keys in
// deterministic topological order.
func (c *Capsule) ListField(name string, values []string) *Capsule {
	c.frame([]byte(name))
	c.frameCount(len(values))
	for _, v := range values {
		c.frame([]byte(v))
	}
	return c
}

// Sum returns the hex digest of everything appended so far.
func (c *Capsule) Sum() string {
	return fmt.Sprintf("%x", c.hasher.Sum(nil))
}

func (c *Capsule) frame(data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	c.hasher.Write(prefix[:])
	c.hasher.Write(data)
}

func (c *Capsule) frameCount(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	c.hasher.Write(buf[:])
}
