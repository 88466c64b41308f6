package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/restore"
	"github.com/relaybackup/engine/backup/target"
)

func runVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var tf targetFlags
	tf.register(fs)
	jobID := fs.String("job", "", "job id the run belongs to")
	runID := fs.String("run", "", "run id to verify")
	destDir := fs.String("dest", "", "local directory the run was restored into")
	stageDir := fs.String("stage", "", "local scratch directory for the fetched entries index")
	sqlitePath := fs.String("sqlite", "", "path, relative to -dest, of a restored sqlite database to integrity-check")
	var files, dirs stringListFlag
	fs.Var(&files, "file", "restrict verification to this file (repeatable)")
	fs.Var(&dirs, "dir", "restrict verification to this directory (repeatable)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *jobID == "" || *runID == "" || *destDir == "" {
		return usageError(errors.New("verify requires -job, -run, and -dest"))
	}

	selection, err := restore.Normalize(&restore.Selection{Files: files, Dirs: dirs})
	if err != nil {
		return err
	}

	tgt, err := tf.build(ctx)
	if err != nil {
		return err
	}
	runStore := target.NewRunStore(tgt)

	stage := *stageDir
	if stage == "" {
		stage, err = os.MkdirTemp("", "relaybackup-verify-*")
		if err != nil {
			return fmt.Errorf("creating stage dir: %w", err)
		}
		defer os.RemoveAll(stage)
	}

	entriesPath := filepath.Join(stage, "entries.jsonl.zst")
	if err := runStore.GetEntriesIndexToFile(ctx, *jobID, *runID, entriesPath); err != nil {
		return fmt.Errorf("fetching entries index: %w", err)
	}
	idxFile, err := os.Open(entriesPath)
	if err != nil {
		return err
	}
	defer idxFile.Close()
	idx, err := entries.NewReader(idxFile)
	if err != nil {
		return err
	}
	defer idx.Close()

	result, err := restore.VerifyRestored(idx, *destDir, selection)
	if err != nil {
		return err
	}
	fmt.Printf("verified %d entries: %d ok, %d failed\n", result.FilesTotal, result.FilesOK, result.FilesFailed)
	for _, sample := range result.SampleErrors {
		fmt.Printf("  %s\n", sample)
	}

	if *sqlitePath != "" {
		sv, err := restore.VerifySQLiteIntegrity(filepath.Join(*destDir, *sqlitePath))
		if err != nil {
			return fmt.Errorf("sqlite integrity check: %w", err)
		}
		fmt.Printf("sqlite integrity_check: ok=%v output=%v\n", sv.OK, sv.Output)
		if !sv.OK {
			return fmt.Errorf("sqlite integrity check failed for %s", *sqlitePath)
		}
	}

	if !result.OK {
		return fmt.Errorf("%d entries failed verification", result.FilesFailed)
	}
	return nil
}
