package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaybackup/engine/backup/artifact"
	"github.com/zeebo/blake3"
)

// PartResult describes one finalized archive part, ready to become
// a manifest ArtifactRef.
type PartResult struct {
	Name    string
	Size    int64
	HashAlg artifact.HashAlg
	Hash    string
}

// ArtifactRef converts a PartResult into the manifest's ArtifactRef shape.
func (p PartResult) ArtifactRef() artifact.ArtifactRef {
	return artifact.ArtifactRef{Name: p.Name, Size: p.Size, HashAlg: p.HashAlg, Hash: p.Hash}
}

// PartWriter is an io.Writer that transparently splits the stream it
// receives into fixed-size files named payload.part000001..N under
// a staging directory, hashing each part with blake3 as it writes.
// Parts are finalized on boundary crossings and at Finish; a final
// partial part is legal, and an all-zero-byte stream produces none.
type PartWriter struct {
	stageDir      string
	partSizeBytes int64

	partIndex   int
	current     *os.File
	hasher      *blake3.Hasher
	currentSize int64
	results     []PartResult

	// OnPartFinalized, when set, is invoked synchronously as each part
	// closes, before the next part is opened. The archive pipeline's
	// rolling-upload mode (§4.4) uses this to push the finished part
	// to the target and delete its local copy without waiting for the
	// whole stream to finish.
	OnPartFinalized func(part PartResult, localPath string) error
}

// NewPartWriter creates a PartWriter staging parts under stageDir.
func NewPartWriter(stageDir string, partSizeBytes int64) (*PartWriter, error) {
	if partSizeBytes <= 0 {
		return nil, fmt.Errorf("archive: part size must be positive")
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating stage dir: %w", err)
	}
	return &PartWriter{stageDir: stageDir, partSizeBytes: partSizeBytes}, nil
}

func (w *PartWriter) openNext() error {
	w.partIndex++
	name := artifact.PartName(w.partIndex)
	f, err := os.Create(filepath.Join(w.stageDir, name))
	if err != nil {
		return fmt.Errorf("archive: creating part %s: %w", name, err)
	}
	w.current = f
	w.hasher = blake3.New()
	w.currentSize = 0
	return nil
}

// Write implements io.Writer, splitting p across parts as needed.
func (w *PartWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if w.current == nil {
			if err := w.openNext(); err != nil {
				return total - len(p), err
			}
		}
		remaining := w.partSizeBytes - w.currentSize
		chunk := p
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := w.current.Write(chunk)
		if n > 0 {
			w.hasher.Write(chunk[:n])
			w.currentSize += int64(n)
		}
		if err != nil {
			return total - len(p) + n, fmt.Errorf("archive: writing part: %w", err)
		}
		p = p[n:]
		if w.currentSize >= w.partSizeBytes {
			if err := w.finalizeCurrent(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (w *PartWriter) finalizeCurrent() error {
	if w.current == nil {
		return nil
	}
	name := filepath.Base(w.current.Name())
	localPath := w.current.Name()
	if err := w.current.Close(); err != nil {
		return fmt.Errorf("archive: closing part %s: %w", name, err)
	}
	sum := w.hasher.Sum(nil)
	result := PartResult{
		Name:    name,
		Size:    w.currentSize,
		HashAlg: artifact.BlakeHashAlg,
		Hash:    fmt.Sprintf("%x", sum),
	}
	w.results = append(w.results, result)
	w.current = nil
	w.hasher = nil
	w.currentSize = 0

	if w.OnPartFinalized != nil {
		if err := w.OnPartFinalized(result, localPath); err != nil {
			return fmt.Errorf("archive: rolling upload of part %s: %w", name, err)
		}
	}
	return nil
}

// Finish finalizes any in-progress part and returns the completed
// part list in order.
func (w *PartWriter) Finish() ([]PartResult, error) {
	if err := w.finalizeCurrent(); err != nil {
		return nil, err
	}
	return w.results, nil
}
