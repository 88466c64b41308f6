package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/relaybackup/engine/backup/artifact"
	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/walker"
)

// RawTreeOption configures optional behavior of WriteRawTree.
type RawTreeOption func(*rawTreeOptions)

type rawTreeOptions struct {
	onFileStaged func(archivePath, localPath string, size int64) error
	onDirStaged  func(archivePath string) error
}

// WithFileStagedHook wires direct upload for raw_tree_v1 + WebDAV
// (§4.4 "Direct upload"): the caller is invoked synchronously after
// each file is staged, before the next file starts, so it can be
// pushed to the target immediately. The hook owns deciding whether to
// remove the local copy afterward.
func WithFileStagedHook(fn func(archivePath, localPath string, size int64) error) RawTreeOption {
	return func(o *rawTreeOptions) { o.onFileStaged = fn }
}

// WithDirStagedHook is invoked synchronously after each directory
// entry is staged, before any file beneath it; a direct-upload target
// uses this to create the matching remote collection ahead of the
// PUTs that will land inside it.
func WithDirStagedHook(fn func(archivePath string) error) RawTreeOption {
	return func(o *rawTreeOptions) { o.onDirStaged = fn }
}

// rawTreeVisitor copies each selected file verbatim to
// <stageDir>/data/<archivePath>, atomically via a sibling .partial
// file, hashing with blake3 during the copy. No archive parts are
// produced; the entries index still records per-file hashes.
type rawTreeVisitor struct {
	dataDir       string
	entriesWriter *entries.Writer
	onFileStaged  func(archivePath, localPath string, size int64) error
	onDirStaged   func(archivePath string) error
}

func (v *rawTreeVisitor) Visit(kind walker.EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error {
	switch kind {
	case walker.KindDir:
		dst := filepath.Join(v.dataDir, filepath.FromSlash(archivePath))
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		if err := v.entriesWriter.Append(entries.Record{Path: archivePath, Kind: entries.KindDir}); err != nil {
			return err
		}
		if v.onDirStaged != nil {
			if err := v.onDirStaged(archivePath); err != nil {
				return fmt.Errorf("archive: creating remote collection for %s: %w", archivePath, err)
			}
		}
		return nil
	case walker.KindSymlink:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return fmt.Errorf("readlink: %w", err)
		}
		return v.entriesWriter.Append(entries.Record{Path: archivePath, Kind: entries.KindSymlink, SymlinkTarget: target})
	default:
		return v.copyFile(fsPath, archivePath, info)
	}
}

func (v *rawTreeVisitor) copyFile(fsPath, archivePath string, info os.FileInfo) error {
	dst := filepath.Join(v.dataDir, filepath.FromSlash(archivePath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	partial := dst + ".partial"
	_ = os.Remove(partial)

	src, err := os.Open(fsPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create partial: %w", err)
	}

	hasher := blake3.New()
	_, copyErr := io.Copy(io.MultiWriter(out, hasher), src)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(partial)
		return fmt.Errorf("copy: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(partial)
		return fmt.Errorf("close partial: %w", closeErr)
	}
	if err := os.Rename(partial, dst); err != nil {
		return fmt.Errorf("rename partial into place: %w", err)
	}

	hash := fmt.Sprintf("%x", hasher.Sum(nil))
	if err := v.entriesWriter.Append(entries.Record{
		Path: archivePath, Kind: entries.KindFile, Size: info.Size(),
		HashAlg: "blake3", Hash: hash, Xattrs: readXattrs(fsPath),
	}); err != nil {
		return err
	}
	if v.onFileStaged != nil {
		if err := v.onFileStaged(archivePath, dst, info.Size()); err != nil {
			return fmt.Errorf("archive: direct upload of %s: %w", archivePath, err)
		}
	}
	return nil
}

// WriteRawTree walks source and copies it verbatim under
// <stageDir>/data, recording every entry (including hashes) into
// entriesWriter. No manifest Artifacts are produced; callers building
// a manifest for raw_tree_v1 leave Artifacts empty. It returns a
// consistency report comparing each visited file's state at walk time
// against its state once the walk finished (§4.5).
func WriteRawTree(stageDir string, source jobspec.FilesystemSource, entriesWriter *entries.Writer, issues *walker.Issues, opts ...RawTreeOption) (*walker.ConsistencyReport, error) {
	var cfg rawTreeOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	dataDir := filepath.Join(stageDir, artifact.RawTreeDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating raw tree data dir: %w", err)
	}

	v := &rawTreeVisitor{dataDir: dataDir, entriesWriter: entriesWriter, onFileStaged: cfg.onFileStaged, onDirStaged: cfg.onDirStaged}
	collector := &walker.BaselineCollector{Inner: v}
	if err := walker.Walk(source, collector, issues); err != nil {
		return nil, err
	}
	if err := entriesWriter.Close(); err != nil {
		return nil, err
	}
	return walker.CheckConsistency(collector.Baselines, source.ConsistencyPolicy, source.FailThreshold)
}
