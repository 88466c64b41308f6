// Package jobspec defines the tagged-union job specification shared by
// the filesystem walker, archive pipeline, and restore engine: source
// selection policy, pipeline encoding, and target addressing.
package jobspec

// SymlinkPolicy controls how a walk treats symbolic links.
type SymlinkPolicy string

const (
	SymlinkKeep   SymlinkPolicy = "keep"
	SymlinkFollow SymlinkPolicy = "follow"
	SymlinkSkip   SymlinkPolicy = "skip"
)

// HardlinkPolicy controls whether repeated (dev, ino) pairs are
// stored once and linked, or copied in full each time.
type HardlinkPolicy string

const (
	HardlinkKeep HardlinkPolicy = "keep"
	HardlinkCopy HardlinkPolicy = "copy"
)

// ErrorPolicy controls whether a per-entry error aborts the run or
// is recorded and skipped.
type ErrorPolicy string

const (
	ErrorFailFast ErrorPolicy = "fail_fast"
	ErrorSkipFail ErrorPolicy = "skip_fail"
)

// ConsistencyPolicy controls how a post-walk re-stat mismatch is
// handled.
type ConsistencyPolicy string

const (
	ConsistencyIgnore ConsistencyPolicy = "ignore"
	ConsistencyWarn   ConsistencyPolicy = "warn"
	ConsistencyFail   ConsistencyPolicy = "fail"
)

// SnapshotMode controls whether a point-in-time snapshot provider is
// required, attempted, or skipped.
type SnapshotMode string

const (
	SnapshotOff      SnapshotMode = "off"
	SnapshotAuto     SnapshotMode = "auto"
	SnapshotRequired SnapshotMode = "required"
)

// PipelineFormat selects the archive encoding.
type PipelineFormat string

const (
	FormatArchiveV1 PipelineFormat = "archive_v1"
	FormatRawTreeV1 PipelineFormat = "raw_tree_v1"
)

// Encryption selects payload encryption.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionAge  Encryption = "age"
)

// FilesystemSource describes the files a filesystem-kind job selects
// and the policies governing how they are walked and archived.
// Paths takes precedence over Root whenever any entry is non-empty.
type FilesystemSource struct {
	Paths   []string
	Root    string
	Exclude []string
	Include []string

	SymlinkPolicy     SymlinkPolicy
	HardlinkPolicy    HardlinkPolicy
	ErrorPolicy       ErrorPolicy
	ConsistencyPolicy ConsistencyPolicy
	SnapshotMode      SnapshotMode

	// FailThreshold is the number of changed entries a consistency
	// check tolerates before ConsistencyFail fails the run.
	FailThreshold int
	// UploadOnConsistencyFailure allows rolling upload to proceed
	// even when the consistency check will fail the run.
	UploadOnConsistencyFailure bool
}

// Pipeline describes the archive encoding and encryption applied to
// a filesystem source's output.
type Pipeline struct {
	Format     PipelineFormat
	Encryption Encryption
	// EncryptionRecipient is an age X25519 recipient string, required
	// when Encryption is EncryptionAge.
	EncryptionRecipient string
	// SplitBytes is the target size of each archive_v1 part.
	SplitBytes int64
}

func (p Pipeline) Validate() error {
	if p.Format != FormatArchiveV1 && p.Format != FormatRawTreeV1 {
		return errInvalid("pipeline.format", string(p.Format))
	}
	if p.Encryption == EncryptionAge && p.EncryptionRecipient == "" {
		return errInvalid("pipeline.encryption_recipient", "required when encryption=age")
	}
	if p.Format == FormatArchiveV1 && p.SplitBytes <= 0 {
		return errInvalid("pipeline.split_bytes", "must be positive for archive_v1")
	}
	return nil
}

// TargetType selects the storage backend a run's artifacts are
// written to.
type TargetType string

const (
	TargetLocalDir TargetType = "local_dir"
	TargetWebDAV   TargetType = "webdav"
)

// LocalDirTarget addresses a run directory by path concatenation
// under a base directory, typically a mounted volume.
type LocalDirTarget struct {
	BasePath string `json:"base_path"`
}

// WebDAVTarget addresses a run directory on a WebDAV server.
// CredentialSecret names a secret (resolved through the process
// keyring) whose plaintext is a JSON object `{"username","password"}`.
type WebDAVTarget struct {
	BaseURL          string `json:"base_url"`
	CredentialSecret string `json:"credential_secret"`
	// InsecureSkipVerify disables TLS certificate verification; only
	// meant for development servers using self-signed certificates.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// TargetSpec is the tagged-union target sub-document carried in a
// job's spec and snapshotted verbatim onto the run/task rows at
// enqueue time (§3 "target_snapshot").
type TargetSpec struct {
	Type     TargetType      `json:"type"`
	LocalDir *LocalDirTarget `json:"local_dir,omitempty"`
	WebDAV   *WebDAVTarget   `json:"webdav,omitempty"`
}

func (t TargetSpec) Validate() error {
	switch t.Type {
	case TargetLocalDir:
		if t.LocalDir == nil || t.LocalDir.BasePath == "" {
			return errInvalid("target.local_dir.base_path", "required when type=local_dir")
		}
	case TargetWebDAV:
		if t.WebDAV == nil || t.WebDAV.BaseURL == "" {
			return errInvalid("target.webdav.base_url", "required when type=webdav")
		}
	default:
		return errInvalid("target.type", string(t.Type))
	}
	return nil
}

// SourceKind names which backup source a job's spec selects.
type SourceKind string

const (
	SourceFilesystem SourceKind = "filesystem"
	SourceSQLite     SourceKind = "sqlite"
	SourceVaultwarden SourceKind = "vaultwarden"
)

// Envelope is the full decode of a job's spec JSON: source kind,
// the source-specific sub-document, the archive pipeline, and the
// target. Only the sub-document matching Kind is populated.
type Envelope struct {
	Kind       SourceKind        `json:"kind"`
	Filesystem *FilesystemSource `json:"filesystem,omitempty"`
	Pipeline   Pipeline          `json:"pipeline"`
	Target     TargetSpec        `json:"target"`
}

type validationError struct {
	field string
	msg   string
}

func (e *validationError) Error() string {
	return "jobspec: " + e.field + ": " + e.msg
}

func errInvalid(field, msg string) error {
	return &validationError{field: field, msg: msg}
}
