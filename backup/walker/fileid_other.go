//go:build !unix

package walker

import "os"

func fileIDFor(info os.FileInfo) (FileID, bool) { return FileID{}, false }

func hardlinkCandidate(info os.FileInfo) bool { return false }
