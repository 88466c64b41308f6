package walker

import (
	"context"
	"fmt"

	"github.com/relaybackup/engine/backup/jobspec"
)

// Snapshot is a point-in-time copy of a source root, walkable in
// place of the live filesystem.
type Snapshot struct {
	// Path is the snapshot's root, to be walked instead of the
	// original root.
	Path string
	// Release tears down the snapshot once the walk has finished
	// reading from Path.
	Release func() error
}

// Provider obtains a point-in-time snapshot of root. Implementations
// are platform- or storage-specific (LVM, ZFS, Btrfs, a cloud
// volume API); none are bundled here since the reference pack
// carries no snapshot client of its own.
type Provider interface {
	Snapshot(ctx context.Context, root string) (*Snapshot, error)
}

// ErrSnapshotUnavailable is returned by ResolveSnapshot when no
// snapshot could be obtained and SnapshotRequired demands one.
var ErrSnapshotUnavailable = fmt.Errorf("walker: snapshot unavailable")

// ResolveSnapshot applies SnapshotMode: Off returns nil without
// calling provider; Auto falls back to a live walk (nil snapshot)
// with a warning on failure; Required returns ErrSnapshotUnavailable.
func ResolveSnapshot(ctx context.Context, mode jobspec.SnapshotMode, provider Provider, root string, issues *Issues) (*Snapshot, error) {
	if mode == jobspec.SnapshotOff {
		return nil, nil
	}
	if provider == nil {
		if mode == jobspec.SnapshotRequired {
			return nil, fmt.Errorf("%w: no snapshot provider configured", ErrSnapshotUnavailable)
		}
		return nil, nil
	}
	snap, err := provider.Snapshot(ctx, root)
	if err == nil {
		return snap, nil
	}
	if mode == jobspec.SnapshotRequired {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	issues.RecordWarning(fmt.Sprintf("snapshot unavailable, falling back to live walk: %v", err))
	return nil, nil
}

// RemapArchivePath rewrites an archive path computed against a
// snapshot root back to what it would have been against the
// original root; since the walker computes archive paths purely
// from the (snapshot) root's own relative structure, no remap is
// actually needed — the identity function documents that invariant
// for callers wiring a Provider in.
func RemapArchivePath(archivePath string) string { return archivePath }
