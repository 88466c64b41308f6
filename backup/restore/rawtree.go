package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/relaybackup/engine/backup/entries"
)

// RestoreRawTree copies a raw_tree_v1 payload from dataDir (the
// locally fetched mirror of <target>/<job>/<run>/data) to destDir,
// streaming the entries index to decide what to copy and applying
// the same selection, safe-join, and conflict rules archive_v1
// extraction uses (§4.6 "Raw-tree extraction").
func RestoreRawTree(idx *entries.Reader, dataDir, destDir string, conflict ConflictPolicy, selection *NormalizedSelection) (*Result, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: creating destination: %w", err)
	}

	res := &Result{}
	for {
		rec, err := idx.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !selection.Matches(rec.Path) {
			res.Skipped++
			continue
		}

		dest, err := SafeJoin(destDir, rec.Path)
		if err != nil {
			return nil, err
		}

		switch rec.Kind {
		case entries.KindDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, fmt.Errorf("restore: creating dir %s: %w", dest, err)
			}
			res.DirsCreated++
		case entries.KindSymlink:
			if err := resolveConflict(dest, conflict); err != nil {
				if _, ok := err.(errSkipExisting); ok {
					res.Skipped++
					continue
				}
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return nil, fmt.Errorf("restore: creating parent for %s: %w", dest, err)
			}
			if err := os.Symlink(rec.SymlinkTarget, dest); err != nil {
				return nil, fmt.Errorf("restore: writing symlink %s: %w", dest, err)
			}
			res.FilesWritten++
		default:
			src, err := SafeJoin(dataDir, rec.Path)
			if err != nil {
				return nil, err
			}
			if err := copyRawTreeFile(src, dest, conflict); err != nil {
				if _, ok := err.(errSkipExisting); ok {
					res.Skipped++
					continue
				}
				return nil, err
			}
			res.FilesWritten++
		}
	}
	return res, nil
}

func copyRawTreeFile(src, dest string, conflict ConflictPolicy) error {
	if err := resolveConflict(dest, conflict); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("restore: creating parent for %s: %w", dest, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("restore: opening %s: %w", src, err)
	}
	defer in.Close()

	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("restore: creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("restore: writing %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("restore: closing %s: %w", dest, err)
	}
	return os.Rename(partial, dest)
}
