// Package archive implements the archive_v1 (tar+zstd[+age], split
// into fixed-size hashed parts) and raw_tree_v1 (verbatim tree copy)
// payload pipelines, fed by backup/walker's filesystem selection.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"runtime"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/walker"
)

type hardlinkRecord struct {
	firstPath string
	size      int64
	hash      string
}

// tarBuilder adapts a tar.Writer plus the bookkeeping write_tar_entries
// needs (hardlink index, entries index, issue sink) into a
// walker.Visitor.
type tarBuilder struct {
	tw            *tar.Writer
	source        jobspec.FilesystemSource
	entriesWriter *entries.Writer
	hardlinkIndex map[walker.FileID]hardlinkRecord
	issues        *walker.Issues
}

func (b *tarBuilder) Visit(kind walker.EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error {
	switch kind {
	case walker.KindDir:
		return b.writeDir(fsPath, archivePath, info)
	case walker.KindSymlink:
		return b.writeSymlink(fsPath, archivePath)
	default:
		return b.writeFile(fsPath, archivePath, info, isSymlinkPath)
	}
}

func (b *tarBuilder) writeDir(fsPath, archivePath string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	hdr.Name = archivePath + "/"
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar write header: %w", err)
	}
	return b.entriesWriter.Append(entries.Record{Path: archivePath, Kind: entries.KindDir})
}

func (b *tarBuilder) writeSymlink(fsPath, archivePath string) error {
	target, err := os.Readlink(fsPath)
	if err != nil {
		return fmt.Errorf("readlink: %w", err)
	}
	info, err := os.Lstat(fsPath)
	if err != nil {
		return fmt.Errorf("lstat: %w", err)
	}
	hdr, err := tar.FileInfoHeader(info, target)
	if err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	hdr.Name = archivePath
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar write header: %w", err)
	}
	return b.entriesWriter.Append(entries.Record{Path: archivePath, Kind: entries.KindSymlink, SymlinkTarget: target})
}

func (b *tarBuilder) writeFile(fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error {
	if b.source.HardlinkPolicy == jobspec.HardlinkKeep && !isSymlinkPath && walker.HardlinkCandidate(info) {
		if id, ok := walker.FileIDFor(info); ok {
			if existing, found := b.hardlinkIndex[id]; found {
				hdr := &tar.Header{
					Typeflag: tar.TypeLink,
					Name:     archivePath,
					Linkname: existing.firstPath,
					Mode:     int64(info.Mode().Perm()),
					ModTime:  info.ModTime(),
				}
				if err := b.tw.WriteHeader(hdr); err != nil {
					return fmt.Errorf("tar write hardlink header: %w", err)
				}
				return b.entriesWriter.Append(entries.Record{
					Path: archivePath, Kind: entries.KindFile, Size: existing.size,
					HashAlg: "blake3", Hash: existing.hash, HardlinkGroup: existing.firstPath,
				})
			}
			hash, err := b.appendRegularFile(fsPath, archivePath, info)
			if err != nil {
				return err
			}
			b.hardlinkIndex[id] = hardlinkRecord{firstPath: archivePath, size: info.Size(), hash: hash}
			return nil
		}
	}
	_, err := b.appendRegularFile(fsPath, archivePath, info)
	return err
}

// appendRegularFile streams fsPath's bytes into the tar writer and a
// blake3 hasher in one pass, then records the entry. Returns the hex
// hash for hardlink-index reuse.
func (b *tarBuilder) appendRegularFile(fsPath, archivePath string, info os.FileInfo) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", fmt.Errorf("tar header: %w", err)
	}
	hdr.Name = archivePath
	if err := b.tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("tar write header: %w", err)
	}

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(b.tw, hasher), f); err != nil {
		return "", fmt.Errorf("copy: %w", err)
	}
	hash := fmt.Sprintf("%x", hasher.Sum(nil))

	if err := b.entriesWriter.Append(entries.Record{
		Path: archivePath, Kind: entries.KindFile, Size: info.Size(),
		HashAlg: "blake3", Hash: hash,
	}); err != nil {
		return "", err
	}
	return hash, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// TarZstdOption configures optional behavior of WriteTarZstdParts,
// following the same functional-options shape klauspost/compress/zstd
// itself uses (WithEncoderConcurrency below).
type TarZstdOption func(*tarZstdOptions)

type tarZstdOptions struct {
	onPartFinalized func(PartResult, string) error
}

// WithPartFinalizedHook wires PartWriter.OnPartFinalized (§4.4
// "rolling upload"): the caller is invoked synchronously as each part
// closes, before the next part is opened, so a completed part can be
// pushed to the target and its local copy deleted without waiting
// for the whole stream to finish.
func WithPartFinalizedHook(fn func(PartResult, string) error) TarZstdOption {
	return func(o *tarZstdOptions) { o.onPartFinalized = fn }
}

// WriteTarZstdParts walks source, streams a pax tar of its selection
// through a zstd encoder and, when pipeline.Encryption is age, an
// age encryption layer, finally splitting the ciphertext into
// fixed-size blake3-hashed parts under stageDir. It returns the
// finished parts in order plus a consistency report comparing each
// visited file's size/mtime at walk time against its state once the
// walk finished (§4.5); a non-nil error from a Fail policy breach
// still returns the parts already produced so the caller can decide
// whether to discard them.
func WriteTarZstdParts(stageDir string, source jobspec.FilesystemSource, pipeline jobspec.Pipeline, entriesWriter *entries.Writer, issues *walker.Issues, opts ...TarZstdOption) ([]PartResult, *walker.ConsistencyReport, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, nil, err
	}

	var cfg tarZstdOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	partWriter, err := NewPartWriter(stageDir, pipeline.SplitBytes)
	if err != nil {
		return nil, nil, err
	}
	partWriter.OnPartFinalized = cfg.onPartFinalized

	var sink io.WriteCloser = nopWriteCloser{partWriter}
	if pipeline.Encryption == jobspec.EncryptionAge {
		recipient, err := age.ParseX25519Recipient(pipeline.EncryptionRecipient)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: parsing age recipient: %w", err)
		}
		sink, err = age.Encrypt(partWriter, recipient)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: starting age encryption: %w", err)
		}
	}

	enc, err := zstd.NewWriter(sink, zstd.WithEncoderConcurrency(runtime.NumCPU()))
	if err != nil {
		return nil, nil, fmt.Errorf("archive: creating zstd encoder: %w", err)
	}

	tw := tar.NewWriter(enc)

	builder := &tarBuilder{
		tw:            tw,
		source:        source,
		entriesWriter: entriesWriter,
		hardlinkIndex: make(map[walker.FileID]hardlinkRecord),
		issues:        issues,
	}
	collector := &walker.BaselineCollector{Inner: builder}

	walkErr := walker.Walk(source, collector, issues)

	closeErr := closeChain(tw, enc, sink)
	if walkErr != nil {
		return nil, nil, walkErr
	}
	if closeErr != nil {
		return nil, nil, closeErr
	}

	if err := entriesWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("archive: closing entries index: %w", err)
	}

	parts, err := partWriter.Finish()
	if err != nil {
		return nil, nil, err
	}

	report, err := walker.CheckConsistency(collector.Baselines, source.ConsistencyPolicy, source.FailThreshold)
	return parts, report, err
}

func closeChain(tw *tar.Writer, enc *zstd.Encoder, sink io.WriteCloser) error {
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: closing tar writer: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("archive: closing zstd encoder: %w", err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("archive: closing encryption sink: %w", err)
	}
	return nil
}
