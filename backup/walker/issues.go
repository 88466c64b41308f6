package walker

// Issues accumulates non-fatal diagnostics recorded while walking
// under ErrorSkipFail, surfaced to the run's event log and summary.
type Issues struct {
	Warnings []string
	Errors   []string
}

func (i *Issues) RecordWarning(msg string) { i.Warnings = append(i.Warnings, msg) }
func (i *Issues) RecordError(msg string)   { i.Errors = append(i.Errors, msg) }
