package artifact

import "fmt"

// Layout names the fixed files under a run directory
// <target>/<job_id>/<run_id>/. Every reader/writer in the module goes
// through these constants rather than hand-formatting paths, so the
// layout only needs to change in one place.
const (
	ManifestName    = "manifest.json"
	EntriesName     = "entries.jsonl.zst"
	CompleteName    = "complete.json"
	RawTreeDataDir  = "data"
	partNamePattern = "payload.part%06d"
)

// RunDir returns the relative path of a run directory under a
// target's base.
func RunDir(jobID, runID string) string {
	return jobID + "/" + runID
}

// PartName formats the Nth (1-indexed) archive part file name.
func PartName(n int) string {
	return fmt.Sprintf(partNamePattern, n)
}

// Path joins a run directory with one of the fixed file names above,
// e.g. Path(jobID, runID, ManifestName).
func Path(jobID, runID, name string) string {
	return RunDir(jobID, runID) + "/" + name
}

// BastionMarkers are the files whose presence under a candidate
// directory proves it is actually a backup run directory, not
// unrelated content that happens to live at a configured local_dir
// path. The artifact-delete reconciler (C8) requires at least one of
// these before it will os.RemoveAll a local_dir run directory.
var BastionMarkers = []string{CompleteName, ManifestName, EntriesName, "payload.part*"}
