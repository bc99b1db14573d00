package hash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesDeterministic(t *testing.T) {
	a := Bytes([]byte("hello"))
	b := Bytes([]byte("hello"))
	c := Bytes([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	digest, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("content")), digest)
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestJSONIgnoresKeyOrder(t *testing.T) {
	a, err := JSON(map[string]any{"name": "web", "version": "1.0.0"})
	require.NoError(t, err)

	b, err := JSON(map[string]any{"version": "1.0.0", "name": "web"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestJSONNestedDeterminism(t *testing.T) {
	a, err := JSON(map[string]any{
		"scripts": map[string]any{"build": "tsc", "test": "jest"},
		"dependencies": map[string]any{
			"lib-a": "workspace:*",
			"lib-b": "workspace:*",
		},
	})
	require.NoError(t, err)

	b, err := JSON(map[string]any{
		"dependencies": map[string]any{
			"lib-b": "workspace:*",
			"lib-a": "workspace:*",
		},
		"scripts": map[string]any{"test": "jest", "build": "tsc"},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestJSONDistinguishesValues(t *testing.T) {
	a, err := JSON(map[string]any{"build": "tsc"})
	require.NoError(t, err)

	b, err := JSON(map[string]any{"build": "tsc --watch"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFilesSortedByPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "b.ts"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.ts"), []byte("a"), 0o644))

	digests, err := Files(dir, []string{"src/b.ts", "src/a.ts"})
	require.NoError(t, err)
	require.Len(t, digests, 2)

	assert.Equal(t, "src/a.ts", digests[0].Path)
	assert.Equal(t, "src/b.ts", digests[1].Path)
}

func TestTreeOrderIndependent(t *testing.T) {
	fds := []FileDigest{
		{Path: "src/a.ts", Digest: "aaa"},
		{Path: "src/b.ts", Digest: "bbb"},
	}
	reversed := []FileDigest{fds[1], fds[0]}

	assert.Equal(t, Tree(fds), Tree(reversed))
}

func TestTreeSensitiveToContent(t *testing.T) {
	base := []FileDigest{{Path: "src/a.ts", Digest: "aaa"}}
	changed := []FileDigest{{Path: "src/a.ts", Digest: "zzz"}}
	renamed := []FileDigest{{Path: "src/b.ts", Digest: "aaa"}}

	assert.NotEqual(t, Tree(base), Tree(changed))
	assert.NotEqual(t, Tree(base), Tree(renamed))
}

func TestCapsuleFraming(t *testing.T) {
	a := NewCapsule().StringField("x", "ab").StringField("y", "c").Sum()
	b := NewCapsule().StringField("x", "a").StringField("y", "bc").Sum()

	assert.NotEqual(t, a, b, "framing must prevent adjacent fields from aliasing")
}

func TestCapsuleDeterministic(t *testing.T) {
	build := func() string {
		return NewCapsule().
			StringField("manifest", "abc123").
			StringField("invocation", "web#build").
			SortedField("env", []string{"NODE_ENV", "CI"}).
			Sum()
	}

	assert.Equal(t, build(), build())
}

func TestCapsuleSortedField(t *testing.T) {
	a := NewCapsule().SortedField("env", []string{"B", "A"}).Sum()
	b := NewCapsule().SortedField("env", []string{"A", "B"}).Sum()

	assert.Equal(t, a, b)
}

func TestCapsuleListFieldPreservesOrder(t *testing.T) {
	a := NewCapsule().ListField("upstream", []string{"k1", "k2"}).Sum()
	b := NewCapsule().ListField("upstream", []string{"k2", "k1"}).Sum()

	assert.NotEqual(t, a, b, "upstream key order is semantic")
}

func TestCapsuleEmptyListDiffersFromAbsent(t *testing.T) {
	withEmpty := NewCapsule().StringField("a", "1").ListField("deps", nil).Sum()
	without := NewCapsule().StringField("a", "1").Sum()

	assert.NotEqual(t, withEmpty, without)
}
