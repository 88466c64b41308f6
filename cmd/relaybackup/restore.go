package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/relaybackup/engine/backup/artifact"
	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/restore"
	"github.com/relaybackup/engine/backup/target"
)

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var tf targetFlags
	tf.register(fs)
	jobID := fs.String("job", "", "job id the run belongs to")
	runID := fs.String("run", "", "run id to restore")
	destDir := fs.String("dest", "", "local directory to extract into")
	stageDir := fs.String("stage", "", "local scratch directory for fetched artifacts (defaults to a temp dir under dest)")
	conflictFlag := fs.String("conflict", string(restore.ConflictFail), "conflict policy: overwrite, skip, or fail")
	ageIdentityFile := fs.String("age-identity", "", "path to an age X25519 identity file, required if the run was encrypted")
	var files, dirs stringListFlag
	fs.Var(&files, "file", "restrict restore to this file (repeatable)")
	fs.Var(&dirs, "dir", "restrict restore to this directory (repeatable)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *jobID == "" || *runID == "" || *destDir == "" {
		return usageError(errors.New("restore requires -job, -run, and -dest"))
	}

	conflict, err := restore.ParseConflictPolicy(*conflictFlag)
	if err != nil {
		return err
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
		stage, err = os.MkdirTemp("", "relaybackup-restore-*")
		if err != nil {
			return fmt.Errorf("creating stage dir: %w", err)
		}
		defer os.RemoveAll(stage)
	}

	fetched, err := restore.FetchRun(ctx, runStore, *jobID, *runID, stage)
	if err != nil {
		return err
	}

	decryption := restore.Decryption{}
	if fetched.Manifest.Pipeline.Encryption == artifact.EncryptionAge {
		if *ageIdentityFile == "" {
			return fmt.Errorf("run %s/%s is age-encrypted; -age-identity is required", *jobID, *runID)
		}
		identity, err := os.ReadFile(*ageIdentityFile)
		if err != nil {
			return fmt.Errorf("reading age identity: %w", err)
		}
		decryption = restore.Decryption{Age: true, Identity: string(identity)}
	}

	var res *restore.Result
	switch fetched.Manifest.Pipeline.Format {
	case artifact.FormatArchiveV1:
		res, err = restore.Restore(fetched.Parts, *destDir, conflict, decryption, selection)
	case artifact.FormatRawTreeV1:
		idxFile, openErr := os.Open(fetched.EntriesPath)
		if openErr != nil {
			return fmt.Errorf("opening entries index: %w", openErr)
		}
		defer idxFile.Close()
		idx, readerErr := entries.NewReader(idxFile)
		if readerErr != nil {
			return readerErr
		}
		defer idx.Close()
		res, err = restore.RestoreRawTree(idx, fetched.DataDir, *destDir, conflict, selection)
	default:
		return fmt.Errorf("unknown pipeline format %q", fetched.Manifest.Pipeline.Format)
	}
	if err != nil {
		return err
	}

	fmt.Printf("restored run %s/%s: %d files written, %d dirs created, %d skipped\n",
		*jobID, *runID, res.FilesWritten, res.DirsCreated, res.Skipped)
	return nil
}

// stringListFlag implements flag.Value to collect repeated -file/-dir
// flags into a slice.
type stringListFlag []string

func (s *stringListFlag) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
