package restore

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Result summarizes one extraction pass.
type Result struct {
	FilesWritten int
	DirsCreated  int
	Skipped      int
}

// Restore reassembles the ordered archive parts, peels off the
// encryption/zstd/tar layers and unpacks matching entries under
// destDir, honoring conflict and selection policy. This mirrors
// restore_from_parts: a single streaming pass from parts to disk,
// never materializing the whole payload in memory.
func Restore(parts []string, destDir string, conflict ConflictPolicy, decryption Decryption, selection *NormalizedSelection) (*Result, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("restore: no parts to restore")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: creating destination: %w", err)
	}

	cr, err := newConcatReader(parts)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	decrypted, err := decryption.Wrap(cr)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(decrypted)
	if err != nil {
		return nil, fmt.Errorf("restore: opening zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	res := &Result{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("restore: reading tar stream: %w", err)
		}

		matchPath, err := ArchiveMatchPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if matchPath == "" {
			continue
		}
		if !selection.Matches(matchPath) {
			res.Skipped++
			continue
		}

		dest, err := SafeJoin(destDir, matchPath)
		if err != nil {
			return nil, err
		}

		if err := extractEntry(tr, hdr, destDir, dest, conflict); err != nil {
			if _, ok := err.(errSkipExisting); ok {
				res.Skipped++
				continue
			}
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			res.DirsCreated++
		default:
			res.FilesWritten++
		}
	}

	return res, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, destDir, dest string, conflict ConflictPolicy) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, modeFromHeader(hdr, 0o755))
	case tar.TypeSymlink:
		if err := resolveConflict(dest, conflict); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restore: creating parent for %s: %w", dest, err)
		}
		if err := os.Symlink(hdr.Linkname, dest); err != nil {
			return fmt.Errorf("restore: writing symlink %s: %w", dest, err)
		}
		return nil
	case tar.TypeLink:
		// Hardlinks are written as regular-file copies; the archive
		// carries the bytes once but restore doesn't re-link inodes.
		linkPath, err := ArchiveMatchPath(hdr.Linkname)
		if err != nil {
			return err
		}
		src, err := SafeJoin(destDir, linkPath)
		if err != nil {
			return err
		}
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("restore: opening hardlink target %s: %w", src, err)
		}
		defer f.Close()
		return extractRegularFromReader(f, hdr, dest, conflict)
	case tar.TypeReg, tar.TypeRegA:
		return extractRegularFromReader(tr, hdr, dest, conflict)
	default:
		return nil
	}
}

func extractRegularFromReader(r io.Reader, hdr *tar.Header, dest string, conflict ConflictPolicy) error {
	if err := resolveConflict(dest, conflict); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("restore: creating parent for %s: %w", dest, err)
	}
	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, modeFromHeader(hdr, 0o644))
	if err != nil {
		return fmt.Errorf("restore: creating %s: %w", dest, err)
	}
	if r != nil {
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			os.Remove(partial)
			return fmt.Errorf("restore: writing %s: %w", dest, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("restore: closing %s: %w", dest, err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("restore: finalizing %s: %w", dest, err)
	}
	return nil
}

func modeFromHeader(hdr *tar.Header, fallback os.FileMode) os.FileMode {
	if hdr.Mode == 0 {
		return fallback
	}
	return os.FileMode(hdr.Mode) & os.ModePerm
}

// resolveConflict applies conflict policy against an existing path,
// mirroring remove_existing_path: overwrite removes it first, skip
// reports a sentinel the caller checks for, fail refuses outright.
func resolveConflict(dest string, conflict ConflictPolicy) error {
	info, err := os.Lstat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("restore: checking %s: %w", dest, err)
	}
	switch conflict {
	case ConflictFail:
		return fmt.Errorf("restore: restore conflict: destination already exists: %s", dest)
	case ConflictSkip:
		return errSkipExisting{path: dest}
	case ConflictOverwrite:
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("restore: removing existing %s: %w", dest, err)
		}
		return nil
	default:
		return fmt.Errorf("restore: unknown conflict policy %q", conflict)
	}
}

type errSkipExisting struct{ path string }

func (e errSkipExisting) Error() string { return fmt.Sprintf("restore: skipping existing %s", e.path) }
