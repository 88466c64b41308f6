package reconcile

import "github.com/relaybackup/engine/internal/errkind"

// errKindOf converts a persisted error-kind string back into the
// errkind.Kind used to select a backoff schedule. An empty or
// unrecognized value defaults to Unknown's (aggressive) schedule
// rather than silently falling back to the long blocked schedule.
func errKindOf(s string) errkind.Kind {
	switch errkind.Kind(s) {
	case errkind.Network, errkind.HTTP, errkind.Auth, errkind.Config, errkind.Unknown,
		errkind.FSIssues, errkind.SnapshotUnavailable, errkind.SourceConsistency,
		errkind.IntegrityCheck, errkind.AgentFailed, errkind.Timeout, errkind.OverlapRejected:
		return errkind.Kind(s)
	default:
		return errkind.Unknown
	}
}
