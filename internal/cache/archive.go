package cache

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// metaMember is the reserved archive path carrying the entry metadata
// in transport artifacts. It is never written to the workspace.
const metaMember = ".monorail/meta.json"

// Extraction limits. Archives come from caches that may be shared, so a
// corrupt or hostile entry must not be able to fill the disk.
const (
	maxArchiveFiles = 100000
	maxFileSize     = 1 << 30 // 1 GiB per file
	maxArchiveSize  = 4 << 30 // 4 GiB total
)

// writeArchive streams a tar.gz of the given workspace-relative files to
// w. When meta is non-nil it becomes the first member under the reserved
// name. Files are written in sorted order with zeroed timestamps, so
// identical outputs always archive to identical bytes.
func writeArchive(w io.Writer, root string, files []string, meta []byte) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if meta != nil {
		header := &tar.Header{
			Name: metaMember,
			Size: int64(len(meta)),
			Mode: 0o644,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write metadata header: %w", err)
		}
		if _, err := tw.Write(meta); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, rel := range sorted {
		if err := writeArchiveFile(tw, root, rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression: %w", err)
	}
	return nil
}

func writeArchiveFile(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("failed to stat output file %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("output %s is not a regular file", rel)
	}

	header := &tar.Header{
		Name: rel,
		Size: info.Size(),
		Mode: int64(info.Mode().Perm()),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}

	file, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open output file %s: %w", rel, err)
	}
	written, copyErr := io.Copy(tw, file)
	closeErr := file.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", rel, closeErr)
	}
	if written != info.Size() {
		return fmt.Errorf("output %s changed while archiving: expected %d bytes, wrote %d", rel, info.Size(), written)
	}
	return nil
}

// extractArchive unpacks a tar.gz produced by writeArchive into the
// workspace rooted at root, overwriting files in place. It returns the
// embedded metadata bytes, if present, and the restored file paths.
func extractArchive(r io.Reader, root string) ([]byte, []string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open compressed archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var meta []byte
	var restored []string
	var fileCount int
	var totalSize int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read archive: %w", err)
		}

		fileCount++
		if fileCount > maxArchiveFiles {
			return nil, nil, fmt.Errorf("archive exceeds %d files", maxArchiveFiles)
		}
		if header.Size > maxFileSize {
			return nil, nil, fmt.Errorf("archive member %s exceeds %d bytes", header.Name, int64(maxFileSize))
		}
		totalSize += header.Size
		if totalSize > maxArchiveSize {
			return nil, nil, fmt.Errorf("archive exceeds %d total bytes", int64(maxArchiveSize))
		}
		if err := checkMemberPath(header.Name); err != nil {
			return nil, nil, err
		}

		if header.Name == metaMember {
			data, err := io.ReadAll(io.LimitReader(tr, header.Size))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read archive metadata: %w", err)
			}
			meta = data
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(header.Name)), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := extractRegular(tr, root, header); err != nil {
				return nil, nil, err
			}
			restored = append(restored, header.Name)
		}
	}

	return meta, restored, nil
}

func extractRegular(tr *tar.Reader, root string, header *tar.Header) error {
	target := filepath.Join(root, filepath.FromSlash(header.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", header.Name, err)
	}

	mode := os.FileMode(header.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", header.Name, err)
	}
	written, copyErr := io.Copy(out, io.LimitReader(tr, header.Size))
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to restore %s: %w", header.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", header.Name, closeErr)
	}
	if written != header.Size {
		return fmt.Errorf("restored %s is truncated: expected %d bytes, wrote %d", header.Name, header.Size, written)
	}
	return nil
}

// checkMemberPath rejects member names that could escape the workspace:
// absolute paths, parent references, and null bytes.
func checkMemberPath(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("archive member %s has an absolute path", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive member %s escapes the workspace", name)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("archive member name contains a null byte")
	}
	return nil
}
