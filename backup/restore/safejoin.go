package restore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeJoin joins an archive-relative path (forward-slash components,
// as stored in the tar header or entries index) under base, rejecting
// any component that is not a plain name: "..", an absolute root, or
// any other non-Normal path component. This is the sandboxing
// invariant every extraction path goes through before touching disk.
func SafeJoin(base, archivePath string) (string, error) {
	out := base
	for _, seg := range strings.Split(archivePath, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("restore: path escapes destination: %q", archivePath)
		default:
			if strings.ContainsRune(seg, filepath.Separator) {
				return "", fmt.Errorf("restore: invalid path component: %q", archivePath)
			}
			out = filepath.Join(out, seg)
		}
	}
	if out == base {
		return "", fmt.Errorf("restore: empty path after normalization: %q", archivePath)
	}
	return out, nil
}

// ArchiveMatchPath joins a tar header's slash-separated components
// back into the canonical form Selection.Matches expects, rejecting
// ".." the same way SafeJoin does.
func ArchiveMatchPath(name string) (string, error) {
	var parts []string
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("restore: invalid entry path: %q", name)
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/"), nil
}
