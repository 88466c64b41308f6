package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaybackup/engine/backup/artifact"
)

// RunStore layers the fixed run-directory layout (§3, §6) on top of a
// bare Target, giving every caller — the archive pipeline's upload
// path, the restore engine's fetch path, and the reconciler loops'
// cleanup path — the same named operations instead of hand-formatting
// `<job>/<run>/...` paths themselves.
type RunStore struct {
	Target Target
}

// NewRunStore wraps tgt.
func NewRunStore(tgt Target) *RunStore {
	return &RunStore{Target: tgt}
}

func runDir(jobID, runID string) string {
	return artifact.RunDir(jobID, runID)
}

func runPath(jobID, runID, name string) string {
	return artifact.Path(jobID, runID, name)
}

// EnsureRunDir creates the run directory (and, on WebDAV, its parent
// job collection) ahead of the first upload.
func (s *RunStore) EnsureRunDir(ctx context.Context, jobID, runID string) error {
	return s.Target.EnsureCollection(ctx, runDir(jobID, runID))
}

// HeadPartSize returns the stored size of a named artifact under the
// run directory, for resume-by-size checks before re-uploading.
func (s *RunStore) HeadPartSize(ctx context.Context, jobID, runID, name string) (int64, bool, error) {
	return s.Target.HeadSize(ctx, runPath(jobID, runID, name))
}

// PutPart uploads a finished archive part (or raw-tree file),
// skipping the transfer when the target already holds a file of the
// expected size at that path (§4.4 "resume-by-size").
func (s *RunStore) PutPart(ctx context.Context, jobID, runID, name, localPath string, size int64) error {
	p := runPath(jobID, runID, name)
	if existing, ok, err := s.Target.HeadSize(ctx, p); err == nil && ok && existing == size {
		return nil
	}
	return s.Target.PutFile(ctx, p, localPath)
}

// PutRawTreeFile uploads one raw_tree_v1 file under data/<archivePath>,
// applying the same skip-if-size-equal resumability as PutPart
// (§4.4 "Direct upload").
func (s *RunStore) PutRawTreeFile(ctx context.Context, jobID, runID, archivePath, localPath string, size int64) error {
	name := artifact.RawTreeDataDir + "/" + archivePath
	return s.PutPart(ctx, jobID, runID, name, localPath, size)
}

// PutEntriesIndex uploads the entries.jsonl.zst file.
func (s *RunStore) PutEntriesIndex(ctx context.Context, jobID, runID, localPath string) error {
	return s.Target.PutFile(ctx, runPath(jobID, runID, artifact.EntriesName), localPath)
}

// PutManifest uploads manifest.json.
func (s *RunStore) PutManifest(ctx context.Context, jobID, runID string, m artifact.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("target: encoding manifest: %w", err)
	}
	return s.Target.PutBytes(ctx, runPath(jobID, runID, artifact.ManifestName), data, "application/json")
}

// PutComplete writes complete.json, the run's binary "all artifacts
// consistent" signal (§4.2). Callers MUST write this last.
func (s *RunStore) PutComplete(ctx context.Context, jobID, runID string) error {
	return s.Target.PutBytes(ctx, runPath(jobID, runID, artifact.CompleteName), []byte(`{"complete":true}`), "application/json")
}

// IsComplete reports whether complete.json exists on the target.
func (s *RunStore) IsComplete(ctx context.Context, jobID, runID string) (bool, error) {
	_, ok, err := s.Target.HeadSize(ctx, runPath(jobID, runID, artifact.CompleteName))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GetManifest downloads and decodes manifest.json.
func (s *RunStore) GetManifest(ctx context.Context, jobID, runID string) (*artifact.Manifest, error) {
	data, err := s.Target.GetBytes(ctx, runPath(jobID, runID, artifact.ManifestName))
	if err != nil {
		return nil, err
	}
	var m artifact.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("target: decoding manifest: %w", err)
	}
	return &m, nil
}

// GetEntriesIndexToFile downloads entries.jsonl.zst to destPath.
func (s *RunStore) GetEntriesIndexToFile(ctx context.Context, jobID, runID, destPath string) error {
	return s.Target.GetToFile(ctx, runPath(jobID, runID, artifact.EntriesName), destPath, 0)
}

// GetPartToFile downloads one named artifact to destPath, verifying
// its transferred size against expectedSize (§4.1 "GetToFile").
func (s *RunStore) GetPartToFile(ctx context.Context, jobID, runID, name, destPath string, expectedSize int64) error {
	return s.Target.GetToFile(ctx, runPath(jobID, runID, name), destPath, expectedSize)
}

// HasBastionMarkers reports whether any of artifact.BastionMarkers is
// present under the run directory, the safety check the artifact-
// delete and incomplete-cleanup loops require before os.RemoveAll on
// a local_dir run directory (§4.8, §9).
func (s *RunStore) HasBastionMarkers(ctx context.Context, jobID, runID string) (bool, error) {
	entries, err := s.Target.PropfindDepth1(ctx, runDir(jobID, runID))
	if err != nil {
		if _, ok := err.(*ErrNotDirectory); ok {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(strings.TrimPrefix(e.Path, runDir(jobID, runID)+"/"), "/")
		for _, marker := range artifact.BastionMarkers {
			if marker == name || (strings.HasSuffix(marker, "*") && strings.HasPrefix(name, strings.TrimSuffix(marker, "*"))) {
				return true, nil
			}
		}
	}
	return false, nil
}

// DeleteRunDir removes the entire run directory, reporting whether it
// previously existed.
func (s *RunStore) DeleteRunDir(ctx context.Context, jobID, runID string) (bool, error) {
	return s.Target.Delete(ctx, runDir(jobID, runID))
}
