// Package pipeline implements scheduler.LocalExecutor (C7 "Local
// execution"): it decodes a job's jobspec.Envelope, runs the
// appropriate walker+archive pipeline (C4/C5), and uploads the
// result through backup/target (C1), producing the manifest and
// completion marker an agent-dispatched run would otherwise produce
// remotely.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaybackup/engine/backup/archive"
	"github.com/relaybackup/engine/backup/artifact"
	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/events"
	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/scheduler"
	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/backup/target"
	"github.com/relaybackup/engine/backup/walker"
	"github.com/relaybackup/engine/internal/errkind"
)

// Executor runs a job's pipeline on the node claiming it (the hub
// itself, when the job carries no agent_id) and implements
// scheduler.LocalExecutor.
type Executor struct {
	// StageDir is the scratch root; each run gets its own
	// <StageDir>/<run_id> subdirectory, removed on completion.
	StageDir string
	// Credentials resolves a WebDAV target's credential_secret.
	Credentials target.CredentialResolver
	// SnapshotProvider obtains a point-in-time snapshot of a
	// filesystem source's root, when the job's snapshot_mode
	// requests one. Nil means no provider is configured; ResolveSnapshot
	// degrades per jobspec.SnapshotMode in that case.
	SnapshotProvider walker.Provider
	Bus              *events.Bus
	Log              *logrus.Logger
}

// NewExecutor builds an Executor staging runs under stageDir.
func NewExecutor(stageDir string, credentials target.CredentialResolver, bus *events.Bus, log *logrus.Logger) *Executor {
	return &Executor{StageDir: stageDir, Credentials: credentials, Bus: bus, Log: log}
}

var _ scheduler.LocalExecutor = (*Executor)(nil)

// runSummary is the JSON shape returned in RunResult.Summary, which
// the worker writes to the run row's summary column. The
// "sqlite" sub-object is only populated for sqlite/vaultwarden job
// kinds, matching what C6's verify step later reads back out via
// gjson (§4.6).
type runSummary struct {
	Kind       jobspec.SourceKind `json:"kind"`
	FilesTotal int                `json:"files_total"`
	BytesTotal int64              `json:"bytes_total"`
	Warnings   []string           `json:"warnings,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	Consistency *consistencySummary `json:"consistency,omitempty"`
	SQLite     *sqliteSummary      `json:"sqlite,omitempty"`
}

type consistencySummary struct {
	Total   int      `json:"total"`
	Changed int      `json:"changed"`
	Samples []string `json:"samples,omitempty"`
}

type sqliteSummary struct {
	SnapshotName string `json:"snapshot_name"`
}

// Execute runs envelope.Kind's pipeline for job/run and uploads its
// artifacts, returning a terminal RunResult. It never panics on a bad
// spec; malformed input becomes a RunFailed result with errkind.Config.
func (e *Executor) Execute(ctx context.Context, job store.Job, run store.Run) scheduler.RunResult {
	log := e.Log.WithField("run_id", run.ID).WithField("job_id", job.ID)

	var envelope jobspec.Envelope
	if err := json.Unmarshal(job.Spec, &envelope); err != nil {
		return configFailure(fmt.Errorf("decoding job spec: %w", err))
	}
	if err := envelope.Target.Validate(); err != nil {
		return configFailure(err)
	}
	if err := envelope.Pipeline.Validate(); err != nil {
		return configFailure(err)
	}
	if envelope.Filesystem == nil {
		return configFailure(fmt.Errorf("job spec: %s source requires a filesystem selection", envelope.Kind))
	}

	stageDir := filepath.Join(e.StageDir, run.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return configFailure(fmt.Errorf("creating stage dir: %w", err))
	}
	defer os.RemoveAll(stageDir)

	tgt, err := target.New(ctx, envelope.Target, e.Credentials)
	if err != nil {
		return configFailure(err)
	}
	runStore := target.NewRunStore(tgt)
	if err := runStore.EnsureRunDir(ctx, job.ID, run.ID); err != nil {
		return classifiedFailure(err)
	}

	source := *envelope.Filesystem
	issues := &walker.Issues{}

	snap, err := walker.ResolveSnapshot(ctx, source.SnapshotMode, e.SnapshotProvider, source.Root, issues)
	if err != nil {
		return classifiedFailure(err)
	}
	if snap != nil {
		defer func() {
			if releaseErr := snap.Release(); releaseErr != nil {
				log.WithError(releaseErr).Warn("releasing snapshot failed")
			}
		}()
		source.Root = snap.Path
	}

	rollingUpload := !(source.ConsistencyPolicy == jobspec.ConsistencyFail && !source.UploadOnConsistencyFailure)

	var manifest artifact.Manifest
	var report *walker.ConsistencyReport
	switch envelope.Pipeline.Format {
	case jobspec.FormatArchiveV1:
		manifest, report, err = e.runArchive(ctx, job.ID, run.ID, stageDir, source, envelope.Pipeline, issues, runStore, rollingUpload)
	case jobspec.FormatRawTreeV1:
		manifest, report, err = e.runRawTree(ctx, job.ID, run.ID, stageDir, source, issues, runStore, rollingUpload)
	default:
		return configFailure(fmt.Errorf("job spec: unknown pipeline format %q", envelope.Pipeline.Format))
	}
	if err != nil {
		return classifiedFailure(err)
	}

	manifest.FormatVersion = artifact.FormatVersion
	manifest.JobID = job.ID
	manifest.RunID = run.ID
	manifest.StartedAt = run.StartedAt.UTC().Format(time.RFC3339)
	manifest.EndedAt = time.Now().UTC().Format(time.RFC3339)

	if err := runStore.PutManifest(ctx, job.ID, run.ID, manifest); err != nil {
		return classifiedFailure(err)
	}
	if err := runStore.PutComplete(ctx, job.ID, run.ID); err != nil {
		return classifiedFailure(err)
	}
	e.emit(ctx, run.ID, events.LevelInfo, "artifacts_uploaded", "manifest and completion marker written")

	summary := runSummary{
		Kind:       envelope.Kind,
		FilesTotal: int(manifest.EntryIndex.Count),
		Warnings:   issues.Warnings,
		Errors:     issues.Errors,
	}
	for _, a := range manifest.Artifacts {
		summary.BytesTotal += a.Size
	}
	if report != nil {
		summary.Consistency = &consistencySummary{Total: report.Total, Changed: report.Changed, Samples: report.Samples}
	}
	if envelope.Kind == jobspec.SourceSQLite || envelope.Kind == jobspec.SourceVaultwarden {
		name := "db.sqlite3"
		if envelope.Kind == jobspec.SourceSQLite {
			name = filepath.Base(source.Root)
		}
		summary.SQLite = &sqliteSummary{SnapshotName: name}
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return classifiedFailure(fmt.Errorf("encoding run summary: %w", err))
	}
	return scheduler.RunResult{Status: store.RunSuccess, Summary: summaryJSON}
}

// runArchive stages and uploads the archive_v1 payload, wiring
// rolling upload through archive.WithPartFinalizedHook when the
// consistency policy allows it (§4.4).
func (e *Executor) runArchive(ctx context.Context, jobID, runID, stageDir string, source jobspec.FilesystemSource, pipelineSpec jobspec.Pipeline, issues *walker.Issues, runStore *target.RunStore, rollingUpload bool) (artifact.Manifest, *walker.ConsistencyReport, error) {
	entriesPath := filepath.Join(stageDir, artifact.EntriesName)
	entriesFile, err := os.Create(entriesPath)
	if err != nil {
		return artifact.Manifest{}, nil, fmt.Errorf("creating entries index file: %w", err)
	}
	entriesWriter, err := entries.NewWriter(entriesFile)
	if err != nil {
		entriesFile.Close()
		return artifact.Manifest{}, nil, err
	}

	var opts []archive.TarZstdOption
	if rollingUpload {
		opts = append(opts, archive.WithPartFinalizedHook(func(part archive.PartResult, localPath string) error {
			if err := runStore.PutPart(ctx, jobID, runID, part.Name, localPath, part.Size); err != nil {
				return err
			}
			return os.Remove(localPath)
		}))
	}

	parts, report, err := archive.WriteTarZstdParts(stageDir, source, pipelineSpec, entriesWriter, issues, opts...)
	closeErr := entriesFile.Close()
	if err != nil {
		return artifact.Manifest{}, report, err
	}
	if closeErr != nil {
		return artifact.Manifest{}, report, fmt.Errorf("closing entries index file: %w", closeErr)
	}
	recordConsistency(issues, report)

	if !rollingUpload {
		for _, p := range parts {
			localPath := filepath.Join(stageDir, p.Name)
			if err := runStore.PutPart(ctx, jobID, runID, p.Name, localPath, p.Size); err != nil {
				return artifact.Manifest{}, report, err
			}
		}
	}
	if err := runStore.PutEntriesIndex(ctx, jobID, runID, entriesPath); err != nil {
		return artifact.Manifest{}, report, err
	}

	artifacts := make([]artifact.ArtifactRef, 0, len(parts))
	for _, p := range parts {
		artifacts = append(artifacts, p.ArtifactRef())
	}

	compression := artifact.CompressionZstd
	encryption := artifact.EncryptionNone
	encryptionKey := ""
	if pipelineSpec.Encryption == jobspec.EncryptionAge {
		encryption = artifact.EncryptionAge
		encryptionKey = pipelineSpec.EncryptionRecipient
	}

	return artifact.Manifest{
		Pipeline: artifact.Pipeline{
			Format:        artifact.FormatArchiveV1,
			Tar:           "pax",
			Compression:   compression,
			Encryption:    encryption,
			EncryptionKey: encryptionKey,
			SplitBytes:    pipelineSpec.SplitBytes,
		},
		Artifacts:  artifacts,
		EntryIndex: artifact.EntryIndexRef{Name: artifact.EntriesName, Count: entriesWriter.Count()},
	}, report, nil
}

// runRawTree stages and uploads the raw_tree_v1 payload, wiring
// direct upload through archive.WithFileStagedHook when the
// consistency policy allows it (§4.4 "Direct upload").
func (e *Executor) runRawTree(ctx context.Context, jobID, runID, stageDir string, source jobspec.FilesystemSource, issues *walker.Issues, runStore *target.RunStore, rollingUpload bool) (artifact.Manifest, *walker.ConsistencyReport, error) {
	entriesPath := filepath.Join(stageDir, artifact.EntriesName)
	entriesFile, err := os.Create(entriesPath)
	if err != nil {
		return artifact.Manifest{}, nil, fmt.Errorf("creating entries index file: %w", err)
	}
	entriesWriter, err := entries.NewWriter(entriesFile)
	if err != nil {
		entriesFile.Close()
		return artifact.Manifest{}, nil, err
	}

	var opts []archive.RawTreeOption
	if rollingUpload {
		opts = append(opts,
			archive.WithDirStagedHook(func(archivePath string) error {
				return runStore.Target.EnsureCollection(ctx, artifact.Path(jobID, runID, artifact.RawTreeDataDir+"/"+archivePath))
			}),
			archive.WithFileStagedHook(func(archivePath, localPath string, size int64) error {
				if err := runStore.PutRawTreeFile(ctx, jobID, runID, archivePath, localPath, size); err != nil {
					return err
				}
				return os.Remove(localPath)
			}),
		)
	}

	report, err := archive.WriteRawTree(stageDir, source, entriesWriter, issues, opts...)
	closeErr := entriesFile.Close()
	if err != nil {
		return artifact.Manifest{}, report, err
	}
	if closeErr != nil {
		return artifact.Manifest{}, report, fmt.Errorf("closing entries index file: %w", closeErr)
	}
	recordConsistency(issues, report)

	if !rollingUpload {
		dataDir := filepath.Join(stageDir, artifact.RawTreeDataDir)
		if err := uploadTree(ctx, dataDir, dataDir, jobID, runID, runStore); err != nil {
			return artifact.Manifest{}, report, err
		}
	}
	if err := runStore.PutEntriesIndex(ctx, jobID, runID, entriesPath); err != nil {
		return artifact.Manifest{}, report, err
	}

	return artifact.Manifest{
		Pipeline: artifact.Pipeline{
			Format:      artifact.FormatRawTreeV1,
			Compression: artifact.CompressionNone,
			Encryption:  artifact.EncryptionNone,
		},
		Artifacts:  nil,
		EntryIndex: artifact.EntryIndexRef{Name: artifact.EntriesName, Count: entriesWriter.Count()},
	}, report, nil
}

func uploadTree(ctx context.Context, base, dir, jobID, runID string, runStore *target.RunStore) error {
	entriesDir, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading staged raw tree: %w", err)
	}
	for _, de := range entriesDir {
		full := filepath.Join(dir, de.Name())
		if de.IsDir() {
			rel, err := filepath.Rel(base, full)
			if err != nil {
				return err
			}
			remoteDir := artifact.Path(jobID, runID, artifact.RawTreeDataDir+"/"+filepath.ToSlash(rel))
			if err := runStore.Target.EnsureCollection(ctx, remoteDir); err != nil {
				return err
			}
			if err := uploadTree(ctx, base, full, jobID, runID, runStore); err != nil {
				return err
			}
			continue
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return err
		}
		archivePath := filepath.ToSlash(rel)
		if err := runStore.PutRawTreeFile(ctx, jobID, runID, archivePath, full, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

func recordConsistency(issues *walker.Issues, report *walker.ConsistencyReport) {
	if report == nil || report.Changed == 0 {
		return
	}
	issues.RecordWarning(fmt.Sprintf("consistency check: %d of %d entries changed during the run", report.Changed, report.Total))
}

func configFailure(err error) scheduler.RunResult {
	return scheduler.RunResult{Status: store.RunFailed, Error: err.Error(), ErrorCode: string(errkind.Config)}
}

func classifiedFailure(err error) scheduler.RunResult {
	return scheduler.RunResult{Status: store.RunFailed, Error: err.Error(), ErrorCode: string(errkind.Classify(err, 0))}
}

func (e *Executor) emit(ctx context.Context, runID string, level events.Level, kind, message string) {
	if e.Bus == nil {
		return
	}
	if _, err := e.Bus.AppendAndBroadcast(ctx, runID, level, kind, message, nil); err != nil {
		e.Log.WithField("run_id", runID).WithError(err).Warn("appending run event failed")
	}
}
