package walker

import (
	"fmt"
	"os"

	"github.com/relaybackup/engine/backup/jobspec"
)

// ConsistencyReport summarizes entries whose size or mtime changed
// between being walked and the end-of-walk re-stat.
type ConsistencyReport struct {
	Total   int
	Changed int
	Samples []string
}

// Baseline is the subset of metadata recorded at walk time that a
// consistency check compares against a re-stat.
type Baseline struct {
	Path  string
	Size  int64
	MTime int64
}

// CheckConsistency re-stats every recorded baseline and counts how
// many differ in size or mtime, per Policy: Ignore skips the re-stat
// and reports a nil error; Warn never returns an error; Fail returns
// an error once Changed exceeds failThreshold.
func CheckConsistency(baselines []Baseline, policy jobspec.ConsistencyPolicy, failThreshold int) (*ConsistencyReport, error) {
	report := &ConsistencyReport{Total: len(baselines)}
	if policy == jobspec.ConsistencyIgnore {
		return report, nil
	}
	for _, b := range baselines {
		info, err := os.Lstat(b.Path)
		if err != nil {
			report.Changed++
			if len(report.Samples) < 5 {
				report.Samples = append(report.Samples, fmt.Sprintf("%s: %v", b.Path, err))
			}
			continue
		}
		if info.Size() != b.Size || info.ModTime().Unix() != b.MTime {
			report.Changed++
			if len(report.Samples) < 5 {
				report.Samples = append(report.Samples, b.Path)
			}
		}
	}
	if policy == jobspec.ConsistencyFail && report.Changed > failThreshold {
		return report, fmt.Errorf("walker: %d of %d entries changed during the run (threshold %d)", report.Changed, report.Total, failThreshold)
	}
	return report, nil
}

// NewBaseline records the (path, size, mtime) triple for a visited
// regular file, for later consistency comparison.
func NewBaseline(path string, size int64, mtime int64) Baseline {
	return Baseline{Path: path, Size: size, MTime: mtime}
}

// BaselineCollector wraps another Visitor, recording a Baseline for
// every visited regular file so the caller can run CheckConsistency
// against the same walk once it finishes, without a second pass over
// the source tree (§4.5 "Consistency detection (at end of walk)").
type BaselineCollector struct {
	Inner     Visitor
	Baselines []Baseline
}

func (c *BaselineCollector) Visit(kind EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error {
	if kind == KindFile {
		c.Baselines = append(c.Baselines, NewBaseline(fsPath, info.Size(), info.ModTime().Unix()))
	}
	return c.Inner.Visit(kind, fsPath, archivePath, info, isSymlinkPath)
}
