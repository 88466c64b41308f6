package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaybackup/engine/backup/artifact"
	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/target"
)

// FetchedRun is the local mirror of a run directory pulled down from
// a target ahead of extraction: the decoded manifest, the entries
// index file, and either the ordered archive part paths (archive_v1)
// or the raw tree's data directory (raw_tree_v1).
type FetchedRun struct {
	Manifest    *artifact.Manifest
	EntriesPath string
	Parts       []string // ordered payload.partNNNNNN local paths, archive_v1 only
	DataDir     string   // local mirror of data/, raw_tree_v1 only
}

// FetchRun downloads a run's manifest, entries index, and payload
// into stageDir, verifying complete.json is present first (guarding
// against a half-uploaded run) and every downloaded artifact's hash
// against the manifest/entries index afterward (§4.6 "Preconditions"
// and "Download/verify parts").
func FetchRun(ctx context.Context, runStore *target.RunStore, jobID, runID, stageDir string) (*FetchedRun, error) {
	complete, err := runStore.IsComplete(ctx, jobID, runID)
	if err != nil {
		return nil, fmt.Errorf("restore: checking completion marker: %w", err)
	}
	if !complete {
		return nil, fmt.Errorf("restore: run %s/%s has no complete.json; refusing to restore a half-uploaded run", jobID, runID)
	}

	manifest, err := runStore.GetManifest(ctx, jobID, runID)
	if err != nil {
		return nil, fmt.Errorf("restore: fetching manifest: %w", err)
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: creating stage dir: %w", err)
	}
	entriesPath := filepath.Join(stageDir, artifact.EntriesName)
	if err := runStore.GetEntriesIndexToFile(ctx, jobID, runID, entriesPath); err != nil {
		return nil, fmt.Errorf("restore: fetching entries index: %w", err)
	}

	fetched := &FetchedRun{Manifest: manifest, EntriesPath: entriesPath}

	switch manifest.Pipeline.Format {
	case artifact.FormatArchiveV1:
		for _, a := range manifest.Artifacts {
			localPath := filepath.Join(stageDir, a.Name)
			if err := runStore.GetPartToFile(ctx, jobID, runID, a.Name, localPath, a.Size); err != nil {
				return nil, fmt.Errorf("restore: fetching part %s: %w", a.Name, err)
			}
			if err := verifyArtifactHash(localPath, a); err != nil {
				return nil, err
			}
			fetched.Parts = append(fetched.Parts, localPath)
		}
	case artifact.FormatRawTreeV1:
		dataDir := filepath.Join(stageDir, artifact.RawTreeDataDir)
		if err := fetchRawTreeFiles(ctx, runStore, jobID, runID, entriesPath, dataDir); err != nil {
			return nil, err
		}
		fetched.DataDir = dataDir
	default:
		return nil, fmt.Errorf("restore: unknown manifest pipeline format %q", manifest.Pipeline.Format)
	}

	return fetched, nil
}

func fetchRawTreeFiles(ctx context.Context, runStore *target.RunStore, jobID, runID, entriesPath, dataDir string) error {
	f, err := os.Open(entriesPath)
	if err != nil {
		return fmt.Errorf("restore: reopening entries index: %w", err)
	}
	defer f.Close()

	idx, err := entries.NewReader(f)
	if err != nil {
		return err
	}
	defer idx.Close()

	records, err := idx.All()
	if err != nil {
		return fmt.Errorf("restore: reading entries index: %w", err)
	}

	for _, rec := range records {
		if rec.Kind != entries.KindFile {
			continue
		}
		name := artifact.RawTreeDataDir + "/" + rec.Path
		localPath := filepath.Join(dataDir, filepath.FromSlash(rec.Path))
		if err := runStore.GetPartToFile(ctx, jobID, runID, name, localPath, rec.Size); err != nil {
			return fmt.Errorf("restore: fetching %s: %w", rec.Path, err)
		}
		if rec.Hash == "" {
			continue
		}
		sum, err := hashFileBlake3(localPath)
		if err != nil {
			return err
		}
		if sum != rec.Hash {
			return fmt.Errorf("restore: %s: hash mismatch after fetch: want %s got %s", rec.Path, rec.Hash, sum)
		}
	}
	return nil
}

func verifyArtifactHash(localPath string, ref artifact.ArtifactRef) error {
	if ref.HashAlg != artifact.BlakeHashAlg {
		return nil
	}
	sum, err := hashFileBlake3(localPath)
	if err != nil {
		return fmt.Errorf("restore: reopening fetched part %s: %w", ref.Name, err)
	}
	if sum != ref.Hash {
		return fmt.Errorf("restore: part %s: hash mismatch after fetch: want %s got %s", ref.Name, ref.Hash, sum)
	}
	return nil
}
