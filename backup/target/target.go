// Package target implements C1, the uniform read/write/delete/list
// capability set over the two supported backup storage backends:
// local_dir (path concatenation under a base directory) and WebDAV
// (HTTP + MKCOL/PROPFIND/PUT/GET/HEAD/DELETE). Every upload,
// download, and cleanup path in the module goes through this
// interface rather than branching on target type itself (§4.1, §9
// "model as a sum type... prefer static dispatch over virtual
// tables").
package target

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/internal/ratelimit"
)

// Entry is one row of a PropfindDepth1 listing.
type Entry struct {
	// Path is the child's full path below the target root (not
	// relative to the listed directory), without a leading "/" and
	// normalized to end in "/" for collections. WebDAV takes it from
	// the server's href, so a BaseURL path prefix appears in it too.
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Target is the capability set every caller programs against,
// regardless of backend (§4.1).
type Target interface {
	// EnsureCollection creates path and any missing intermediate
	// collections. Already-exists is success.
	EnsureCollection(ctx context.Context, path string) error
	// HeadSize returns the stored size of path, or ok=false if it
	// does not exist. Used for resume-by-size.
	HeadSize(ctx context.Context, path string) (size int64, ok bool, err error)
	// PutFile uploads the contents of localPath to path, retrying
	// with exponential backoff up to the target's configured
	// MaxAttempts. PUT is idempotent at the URL level so retries are
	// safe.
	PutFile(ctx context.Context, path, localPath string) error
	// PutBytes uploads data directly, for small fixed payloads like
	// manifest.json and complete.json.
	PutBytes(ctx context.Context, path string, data []byte, contentType string) error
	// GetBytes downloads path in full.
	GetBytes(ctx context.Context, path string) ([]byte, error)
	// GetToFile downloads path to a sibling ".partial" file and
	// renames it into place on success. Any pre-existing .partial is
	// removed first. expectedSize, when non-zero, is checked against
	// both the Content-Length header and the bytes actually
	// transferred; a mismatch discards the partial and fails.
	GetToFile(ctx context.Context, path, destPath string, expectedSize int64) error
	// PropfindDepth1 lists the direct children of path. Returns
	// ErrNotDirectory when path exists but is not a collection.
	PropfindDepth1(ctx context.Context, path string) ([]Entry, error)
	// Delete removes path (recursively, for a collection). existed
	// reports whether anything was actually there.
	Delete(ctx context.Context, path string) (existed bool, err error)
}

// ErrNotDirectory is returned by PropfindDepth1 when the request URL
// resolves to something that exists but is not a collection — never
// surfaced as an empty listing (§8 boundary behavior).
type ErrNotDirectory struct{ Path string }

func (e *ErrNotDirectory) Error() string {
	return fmt.Sprintf("target: %s is not a directory", e.Path)
}

// DefaultMaxAttempts bounds retried target I/O absent an explicit
// override (§7 "retried with exponential backoff up to max_attempts
// (default 3)").
const DefaultMaxAttempts = 3

// DefaultRequestTimeout is the WebDAV client's default per-request
// timeout (§5: "WebDAV requests carry a 60-second default").
const DefaultRequestTimeout = 60 * time.Second

// CredentialResolver loads the plaintext username/password for a
// WebDAV target's named credential secret. The hub resolves this
// against its encrypted keyring (C13) and database; the agent
// resolves it against the SecretsSnapshot pushed down the control
// plane. Either way this package only consumes the resolved pair —
// credential storage, rotation, and keypack import/export are the
// external collaborator §1 scopes out.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, secretName string) (username, password string, err error)
}

// New builds the Target a job's TargetSpec addresses. resolver may be
// nil for local_dir specs.
func New(ctx context.Context, spec jobspec.TargetSpec, resolver CredentialResolver) (Target, error) {
	switch spec.Type {
	case jobspec.TargetLocalDir:
		if spec.LocalDir == nil || spec.LocalDir.BasePath == "" {
			return nil, fmt.Errorf("target: local_dir spec missing base_path")
		}
		return NewLocalDir(spec.LocalDir.BasePath), nil
	case jobspec.TargetWebDAV:
		if spec.WebDAV == nil || spec.WebDAV.BaseURL == "" {
			return nil, fmt.Errorf("target: webdav spec missing base_url")
		}
		var username, password string
		if spec.WebDAV.CredentialSecret != "" {
			if resolver == nil {
				return nil, fmt.Errorf("target: webdav spec requires credential_secret %q but no resolver was configured", spec.WebDAV.CredentialSecret)
			}
			var err error
			username, password, err = resolver.ResolveCredential(ctx, spec.WebDAV.CredentialSecret)
			if err != nil {
				return nil, fmt.Errorf("target: resolving credential %q: %w", spec.WebDAV.CredentialSecret, err)
			}
		}
		w := NewWebDAV(spec.WebDAV.BaseURL, username, password, spec.WebDAV.InsecureSkipVerify)
		w.Limiter = ratelimit.New(ratelimit.DefaultConfig())
		return w, nil
	default:
		return nil, fmt.Errorf("target: unknown target type %q", spec.Type)
	}
}

// RedactURL strips userinfo, query, and fragment from rawURL so
// credentials and signed-URL parameters never reach logs or
// persisted fields (§7).
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<redacted>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// joinPath concatenates a relative target path onto base using
// forward slashes, tolerating (and collapsing) leading/trailing
// slashes on either side.
func joinPath(base, rel string) string {
	base = strings.TrimRight(base, "/")
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return base
	}
	return base + "/" + rel
}
