package restore

import "fmt"

// ConflictPolicy governs what happens when a restore target path
// already exists on disk.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// ParseConflictPolicy validates a conflict policy string from a
// restore request.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case ConflictOverwrite, ConflictSkip, ConflictFail:
		return ConflictPolicy(s), nil
	default:
		return "", fmt.Errorf("restore: invalid conflict policy %q", s)
	}
}
