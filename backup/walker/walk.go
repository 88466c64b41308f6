// Package walker implements the filesystem selection and traversal
// shared by the archive pipeline and raw-tree pipeline: path
// normalization and dedup, glob include/exclude, symlink and
// hardlink policy enforcement, and post-walk consistency detection.
package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/relaybackup/engine/backup/jobspec"
)

// EntryKind classifies a visited filesystem object for the Visitor
// callbacks below.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

// Visitor receives one call per selected filesystem object, in walk
// order. IsSymlinkPath is true when the object itself (not a
// followed target) is a symlink; it is only meaningful for
// KindFile, since SymlinkSkip already filters pure symlink visits
// for KindSymlink and KindDir covers directories by definition.
type Visitor interface {
	Visit(kind EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error
}

// fail applies policy to a diagnostic: ErrorFailFast returns an
// error that aborts the walk; ErrorSkipFail records it and
// continues.
func fail(issues *Issues, policy jobspec.ErrorPolicy, msg string) error {
	if policy == jobspec.ErrorFailFast {
		return fmt.Errorf("%s", msg)
	}
	issues.RecordError(msg)
	return nil
}

func statFor(path string, policy jobspec.SymlinkPolicy) (os.FileInfo, error) {
	if policy == jobspec.SymlinkFollow {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

// Walk selects and visits every filesystem object named by source,
// applying its policies, and calls visitor for each one it decides
// to keep.
func Walk(source jobspec.FilesystemSource, visitor Visitor, issues *Issues) error {
	exclude, err := CompileGlobSet(source.Exclude)
	if err != nil {
		return err
	}
	include, err := CompileGlobSet(source.Include)
	if err != nil {
		return err
	}
	hasIncludes := len(source.Include) > 0

	usingPaths := false
	for _, p := range source.Paths {
		if NormalizeSelections([]string{p}); p != "" {
			usingPaths = true
			break
		}
	}

	seenArchivePaths := make(map[string]bool)
	visitedCycle := make(map[FileID]bool)

	if usingPaths {
		raw := NormalizeSelections(source.Paths)
		kept, dropped := DropCovered(raw, func(p string) bool {
			info, err := statFor(p, source.SymlinkPolicy)
			return err == nil && info.IsDir()
		})
		if len(dropped) > 0 {
			sample := dropped
			if len(sample) > 5 {
				sample = sample[:5]
			}
			issues.RecordWarning(fmt.Sprintf("deduplicated %d overlapping source path(s) (sample: %v)", len(dropped), sample))
		}
		for _, p := range kept {
			if err := walkSelection(p, source, exclude, include, hasIncludes, visitor, issues, seenArchivePaths, visitedCycle); err != nil {
				return err
			}
		}
		return nil
	}

	root := source.Root
	if root == "" {
		return fmt.Errorf("walker: filesystem source root is required")
	}
	return walkLegacyRoot(root, source, exclude, include, hasIncludes, visitor, issues, seenArchivePaths, visitedCycle)
}

func walkSelection(selPath string, source jobspec.FilesystemSource, exclude, include *GlobSet, hasIncludes bool, visitor Visitor, issues *Issues, seen map[string]bool, visitedCycle map[FileID]bool) error {
	prefix, err := ArchivePrefixForPath(selPath)
	if err != nil {
		return fail(issues, source.ErrorPolicy, fmt.Sprintf("archive path error: %s: %v", selPath, err))
	}
	info, err := statFor(selPath, source.SymlinkPolicy)
	if err != nil {
		return fail(issues, source.ErrorPolicy, fmt.Sprintf("metadata error: %s: %v", selPath, err))
	}

	if info.IsDir() {
		if prefix != "" && !exclude.IsMatch(prefix) && !exclude.IsMatch(prefix+"/") {
			if err := visit(visitor, KindDir, selPath, prefix, info, false, issues, source.ErrorPolicy); err != nil {
				return err
			}
			seen[prefix] = true
		}
		return walkDirTree(selPath, prefix, source, exclude, include, hasIncludes, visitor, issues, seen, visitedCycle)
	}

	return visitLeaf(selPath, prefix, info, source, exclude, include, hasIncludes, visitor, issues, seen)
}

func walkLegacyRoot(root string, source jobspec.FilesystemSource, exclude, include *GlobSet, hasIncludes bool, visitor Visitor, issues *Issues, seen map[string]bool, visitedCycle map[FileID]bool) error {
	info, err := statFor(root, source.SymlinkPolicy)
	if err != nil {
		return fail(issues, source.ErrorPolicy, fmt.Sprintf("metadata error: %s: %v", root, err))
	}

	if !info.IsDir() {
		name := filepath.Base(root)
		if name == "" || name == "." {
			name = "file"
		}
		return visitLeaf(root, name, info, source, exclude, include, hasIncludes, visitor, issues, seen)
	}

	return walkDirTree(root, "", source, exclude, include, hasIncludes, visitor, issues, seen, visitedCycle)
}

func visitLeaf(fsPath, archivePath string, info os.FileInfo, source jobspec.FilesystemSource, exclude, include *GlobSet, hasIncludes bool, visitor Visitor, issues *Issues, seen map[string]bool) error {
	if archivePath == "" {
		return fail(issues, source.ErrorPolicy, fmt.Sprintf("invalid source path: %s has no archive path", fsPath))
	}
	if exclude.IsMatch(archivePath) {
		return nil
	}
	isSymlinkPath := isSymlink(fsPath)
	if isSymlinkPath && source.SymlinkPolicy == jobspec.SymlinkSkip {
		target, _ := os.Readlink(fsPath)
		issues.RecordWarning(fmt.Sprintf("skipped symlink: %s -> %s", archivePath, target))
		return nil
	}

	if info.Mode().IsRegular() || (isSymlinkPath && source.SymlinkPolicy == jobspec.SymlinkFollow) {
		if hasIncludes && !include.IsMatch(archivePath) {
			return nil
		}
		return visit(visitor, KindFile, fsPath, archivePath, info, isSymlinkPath, issues, source.ErrorPolicy)
	}
	if isSymlinkPath {
		return visit(visitor, KindSymlink, fsPath, archivePath, info, true, issues, source.ErrorPolicy)
	}
	return fail(issues, source.ErrorPolicy, fmt.Sprintf("unsupported file type: %s", archivePath))
}

func walkDirTree(root, prefix string, source jobspec.FilesystemSource, exclude, include *GlobSet, hasIncludes bool, visitor Visitor, issues *Issues, seen map[string]bool, visitedCycle map[FileID]bool) error {
	followLinks := source.SymlinkPolicy == jobspec.SymlinkFollow

	if followLinks {
		if info, err := os.Stat(root); err == nil {
			if id, ok := FileIDFor(info); ok {
				visitedCycle[id] = true
			}
		}
	}

	return filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, err error) error {
		if fsPath == root {
			return nil
		}
		if err != nil {
			msg := fmt.Sprintf("walk error: %s: %v", fsPath, err)
			ferr := fail(issues, source.ErrorPolicy, msg)
			if ferr != nil {
				return ferr
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, fsPath)
		if relErr != nil {
			if ferr := fail(issues, source.ErrorPolicy, fmt.Sprintf("path error: %s is not under root %s: %v", fsPath, root, relErr)); ferr != nil {
				return ferr
			}
			return nil
		}
		archivePath := JoinArchivePath(prefix, rel)
		if archivePath == "" {
			return nil
		}

		isDir := d.IsDir()
		if exclude.IsMatch(archivePath) || (isDir && exclude.IsMatch(archivePath+"/")) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		isSymlinkPath := d.Type()&fs.ModeSymlink != 0
		if isSymlinkPath && source.SymlinkPolicy == jobspec.SymlinkSkip {
			target, _ := os.Readlink(fsPath)
			issues.RecordWarning(fmt.Sprintf("skipped symlink: %s -> %s", archivePath, target))
			return nil
		}

		if followLinks && isSymlinkPath {
			target, terr := filepath.EvalSymlinks(fsPath)
			if terr == nil {
				if tinfo, serr := os.Stat(target); serr == nil {
					if id, ok := FileIDFor(tinfo); ok {
						if visitedCycle[id] {
							msg := fmt.Sprintf("symlink cycle detected: %s", archivePath)
							return fail(issues, source.ErrorPolicy, msg)
						}
						visitedCycle[id] = true
					}
				}
			}
		}

		info, ierr := d.Info()
		if ierr != nil {
			if ferr := fail(issues, source.ErrorPolicy, fmt.Sprintf("metadata error: %s: %v", archivePath, ierr)); ferr != nil {
				return ferr
			}
			return nil
		}

		if info.Mode().IsRegular() {
			if hasIncludes && !include.IsMatch(archivePath) {
				return nil
			}
			if seen[archivePath] {
				issues.RecordWarning(fmt.Sprintf("duplicate archive path (file): %s", archivePath))
				return nil
			}
			if verr := visit(visitor, KindFile, fsPath, archivePath, info, isSymlinkPath, issues, source.ErrorPolicy); verr != nil {
				return verr
			}
			seen[archivePath] = true
			return nil
		}

		if isDir {
			if seen[archivePath] {
				issues.RecordWarning(fmt.Sprintf("duplicate archive path (dir): %s", archivePath))
				return nil
			}
			if verr := visit(visitor, KindDir, fsPath, archivePath, info, false, issues, source.ErrorPolicy); verr != nil {
				return verr
			}
			seen[archivePath] = true
			return nil
		}

		if isSymlinkPath {
			if seen[archivePath] {
				issues.RecordWarning(fmt.Sprintf("duplicate archive path (symlink): %s", archivePath))
				return nil
			}
			if verr := visit(visitor, KindSymlink, fsPath, archivePath, info, true, issues, source.ErrorPolicy); verr != nil {
				return verr
			}
			seen[archivePath] = true
			return nil
		}

		return fail(issues, source.ErrorPolicy, fmt.Sprintf("unsupported file type: %s", archivePath))
	})
}

func visit(visitor Visitor, kind EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool, issues *Issues, policy jobspec.ErrorPolicy) error {
	if err := visitor.Visit(kind, fsPath, archivePath, info, isSymlinkPath); err != nil {
		return fail(issues, policy, fmt.Sprintf("archive error: %s: %v", archivePath, err))
	}
	return nil
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
