package walker

import "os"

// FileID identifies a file by device and inode, used for hardlink
// detection and symlink-cycle tracking under HardlinkKeep/follow.
type FileID struct {
	Dev uint64
	Ino uint64
}

// FileIDFor returns the identity of info, and false when the
// platform cannot report device/inode (only unix builds can).
func FileIDFor(info os.FileInfo) (FileID, bool) {
	return fileIDFor(info)
}

// HardlinkCandidate reports whether info has more than one link,
// making it worth deduplicating under HardlinkKeep.
func HardlinkCandidate(info os.FileInfo) bool {
	return hardlinkCandidate(info)
}
