// Package restore implements run extraction, archive-part fetch and
// verification, and restored-file/sqlite integrity checking (C6).
package restore

import (
	"fmt"
	"sort"
	"strings"
)

// Selection names the files and directories a restore should
// extract; an empty Selection means "everything".
type Selection struct {
	Files []string
	Dirs  []string
}

// NormalizedSelection is a Selection reduced to a matchable form:
// exact file paths plus directory prefixes, longest-first so a
// nested dir doesn't shadow matching against its parent.
type NormalizedSelection struct {
	files map[string]bool
	dirs  []string
}

func normalizeSelectionPath(path string, allowTrailingSlash bool) string {
	s := strings.TrimSpace(path)
	s = strings.ReplaceAll(s, "\\", "/")
	if s == "" {
		return ""
	}
	for strings.HasPrefix(s, "./") {
		s = strings.TrimPrefix(s, "./")
	}
	s = strings.TrimLeft(s, "/")
	if !allowTrailingSlash {
		s = strings.TrimRight(s, "/")
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return ""
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return ""
		}
	}
	return s
}

// Normalize validates and canonicalizes sel. An empty selection
// (after trimming) is an error: the caller meant "everything" and
// should pass a nil *Selection instead.
func Normalize(sel *Selection) (*NormalizedSelection, error) {
	files := make(map[string]bool)
	dirSet := make(map[string]bool)

	for _, f := range sel.Files {
		if v := normalizeSelectionPath(f, false); v != "" {
			files[v] = true
		}
	}
	for _, d := range sel.Dirs {
		if v := normalizeSelectionPath(d, true); v != "" {
			dirSet[strings.TrimRight(v, "/")] = true
		}
	}

	if len(files) == 0 && len(dirSet) == 0 {
		return nil, fmt.Errorf("restore: selection is empty")
	}

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	return &NormalizedSelection{files: files, dirs: dirs}, nil
}

// Matches reports whether archivePath is selected.
func (s *NormalizedSelection) Matches(archivePath string) bool {
	if s == nil {
		return true
	}
	if s.files[archivePath] {
		return true
	}
	for _, dir := range s.dirs {
		if archivePath == dir {
			return true
		}
		if strings.HasPrefix(archivePath, dir) && len(archivePath) > len(dir) && archivePath[len(dir)] == '/' {
			return true
		}
	}
	return false
}
