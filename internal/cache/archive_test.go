package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveDeterministicBytes(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "b.txt", "bee")
	writeWorkspaceFile(t, root, "a.txt", "ay")

	pack := func(files []string) []byte {
		var buf bytes.Buffer
		require.NoError(t, writeArchive(&buf, root, files, nil))
		return buf.Bytes()
	}

	first := pack([]string{"b.txt", "a.txt"})
	second := pack([]string{"a.txt", "b.txt"})
	assert.Equal(t, first, second, "identical outputs must archive to identical bytes regardless of listing order")
}

func TestArchiveEmbeddedMetadata(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "dist/out.js", "x")

	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, root, []string{"dist/out.js"}, []byte(`{"exitCode":0}`)))

	target := t.TempDir()
	meta, files, err := extractArchive(bytes.NewReader(buf.Bytes()), target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"exitCode":0}`, string(meta))
	assert.Equal(t, []string{"dist/out.js"}, files)

	// The reserved metadata member never lands in the workspace.
	_, statErr := os.Stat(filepath.Join(target, ".monorail", "meta.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchiveRejectsTraversal(t *testing.T) {
	evil := func(name string) []byte {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		content := []byte("pwned")
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write(content)
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())
		return buf.Bytes()
	}

	for _, name := range []string{"../escape.txt", "/etc/escape.txt", "a/../../escape.txt"} {
		t.Run(name, func(t *testing.T) {
			target := t.TempDir()
			_, _, err := extractArchive(bytes.NewReader(evil(name)), target)
			require.Error(t, err)

			_, statErr := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt"))
			assert.True(t, os.IsNotExist(statErr), "no file may be written outside the workspace")
		})
	}
}

func TestArchivePreservesExecutableBit(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "bin", "run.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, root, []string{"bin/run.sh"}, nil))

	target := t.TempDir()
	_, _, err := extractArchive(bytes.NewReader(buf.Bytes()), target)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(target, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestArchiveMissingOutputFile(t *testing.T) {
	var buf bytes.Buffer
	err := writeArchive(&buf, t.TempDir(), []string{"dist/never-built.js"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never-built.js")
}
