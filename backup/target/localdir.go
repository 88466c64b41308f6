package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDir addresses a run directory by path concatenation under a
// base directory, typically a mounted volume (§4.1). It implements
// the same capability set as WebDAV so the archive pipeline, restore
// engine, and reconciler loops never branch on target type.
type LocalDir struct {
	BasePath string
}

// NewLocalDir builds a LocalDir rooted at base.
func NewLocalDir(base string) *LocalDir {
	return &LocalDir{BasePath: base}
}

func (l *LocalDir) resolve(relPath string) string {
	return filepath.Join(l.BasePath, filepath.FromSlash(relPath))
}

func (l *LocalDir) EnsureCollection(ctx context.Context, path string) error {
	full := l.resolve(path)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("target: local_dir: creating %s: %w", path, err)
	}
	return nil
}

func (l *LocalDir) HeadSize(ctx context.Context, path string) (int64, bool, error) {
	info, err := os.Stat(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("target: local_dir: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, false, fmt.Errorf("target: local_dir: %s is a directory", path)
	}
	return info.Size(), true, nil
}

func (l *LocalDir) PutFile(ctx context.Context, path, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("target: local_dir: opening source %s: %w", localPath, err)
	}
	defer src.Close()
	return l.putStream(path, src)
}

func (l *LocalDir) PutBytes(ctx context.Context, path string, data []byte, contentType string) error {
	return l.putStream(path, strings.NewReader(string(data)))
}

func (l *LocalDir) putStream(path string, r io.Reader) error {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("target: local_dir: creating parent of %s: %w", path, err)
	}
	partial := full + ".partial"
	_ = os.Remove(partial)
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("target: local_dir: creating %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("target: local_dir: writing %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("target: local_dir: closing %s: %w", path, err)
	}
	if err := os.Rename(partial, full); err != nil {
		return fmt.Errorf("target: local_dir: finalizing %s: %w", path, err)
	}
	return nil
}

func (l *LocalDir) GetBytes(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("target: local_dir: reading %s: %w", path, err)
	}
	return data, nil
}

func (l *LocalDir) GetToFile(ctx context.Context, path, destPath string, expectedSize int64) error {
	partial := destPath + ".partial"
	_ = os.Remove(partial)

	src, err := os.Open(l.resolve(path))
	if err != nil {
		return fmt.Errorf("target: local_dir: opening %s: %w", path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("target: local_dir: creating parent of %s: %w", destPath, err)
	}
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("target: local_dir: creating %s: %w", destPath, err)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(partial)
		return fmt.Errorf("target: local_dir: copying %s: %w", path, copyErr)
	}
	if closeErr != nil {
		os.Remove(partial)
		return fmt.Errorf("target: local_dir: closing %s: %w", destPath, closeErr)
	}
	if expectedSize > 0 && n != expectedSize {
		os.Remove(partial)
		return fmt.Errorf("target: local_dir: size mismatch fetching %s: want %d got %d", path, expectedSize, n)
	}
	if err := os.Rename(partial, destPath); err != nil {
		return fmt.Errorf("target: local_dir: finalizing %s: %w", destPath, err)
	}
	return nil
}

func (l *LocalDir) PropfindDepth1(ctx context.Context, path string) ([]Entry, error) {
	full := l.resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("target: local_dir: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, &ErrNotDirectory{Path: path}
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("target: local_dir: reading dir %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		childPath := strings.TrimPrefix(path, "/") + "/" + de.Name()
		childPath = strings.TrimPrefix(childPath, "/")
		fi, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{Path: childPath, IsDir: de.IsDir(), Size: fi.Size(), ModTime: fi.ModTime()}
		if e.IsDir {
			e.Path += "/"
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *LocalDir) Delete(ctx context.Context, path string) (bool, error) {
	full := l.resolve(path)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("target: local_dir: stat %s: %w", path, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return true, fmt.Errorf("target: local_dir: removing %s: %w", path, err)
	}
	return true, nil
}
