// Package artifact defines the on-target layout of a run directory
// and the manifest schema every backup/restore path agrees on.
package artifact

// FormatVersion is the only manifest schema version this module
// produces or accepts.
const FormatVersion = 1

// PipelineFormat distinguishes the two archive pipeline modes (C4).
type PipelineFormat string

const (
	FormatArchiveV1 PipelineFormat = "archive_v1"
	FormatRawTreeV1 PipelineFormat = "raw_tree_v1"
)

// Compression is the payload compression algorithm.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// Encryption is the payload encryption algorithm.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionAge  Encryption = "age"
)

// HashAlg is the content-hash algorithm used for artifacts and entries.
type HashAlg string

const BlakeHashAlg HashAlg = "blake3"

// Pipeline describes how the payload was produced, mirrored verbatim
// into the manifest so restore can reverse it without out-of-band
// configuration.
type Pipeline struct {
	Format        PipelineFormat `json:"format"`
	Tar           string         `json:"tar,omitempty"` // "pax" for archive_v1
	Compression   Compression    `json:"compression"`
	Encryption    Encryption     `json:"encryption"`
	EncryptionKey string         `json:"encryption_key,omitempty"`
	SplitBytes    int64          `json:"split_bytes"`
}

// ArtifactRef names one stored part (or, in raw_tree_v1, would be
// absent entirely — raw_tree_v1 manifests carry an empty Artifacts
// slice since file bytes live under data/ instead).
type ArtifactRef struct {
	Name    string  `json:"name"`
	Size    int64   `json:"size"`
	HashAlg HashAlg `json:"hash_alg"`
	Hash    string  `json:"hash"`
}

// EntryIndexRef points at the entries index file and its record count.
type EntryIndexRef struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Manifest is the canonical manifest.json payload (§4.2/§6).
type Manifest struct {
	FormatVersion int           `json:"format_version"`
	JobID         string        `json:"job_id"`
	RunID         string        `json:"run_id"`
	StartedAt     string        `json:"started_at"` // RFC3339 UTC
	EndedAt       string        `json:"ended_at"`
	Pipeline      Pipeline      `json:"pipeline"`
	Artifacts     []ArtifactRef `json:"artifacts"`
	EntryIndex    EntryIndexRef `json:"entry_index"`
}
