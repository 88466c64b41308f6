package target

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/internal/secrets"
)

// CredentialStore is the persistence side of credential resolution:
// loading the encrypted envelope a WebDAV target's credential_secret
// names. PostgresSecretStore implements this against the hub's
// database; an agent resolves the same shape against the
// SecretsSnapshot pushed down its control-plane connection.
type CredentialStore interface {
	GetSecret(ctx context.Context, scope secrets.Scope) (secrets.EncryptedSecret, error)
}

// KeyringCredentialResolver implements CredentialResolver by loading
// a secret's envelope from a CredentialStore and opening it with the
// process keyring, expecting the plaintext to be the JSON object
// `{"username","password"}` jobspec.WebDAVTarget's doc comment
// promises (§4.13).
type KeyringCredentialResolver struct {
	NodeID  string
	Keyring *secrets.Manager
	Store   CredentialStore
}

// credentialSecretKind is the secrets.Scope.Kind every WebDAV
// credential is stored under, distinguishing it from other secret
// kinds that may share the same keyring and table.
const credentialSecretKind = "webdav_credential"

func (r *KeyringCredentialResolver) ResolveCredential(ctx context.Context, secretName string) (string, string, error) {
	scope := secrets.Scope{NodeID: r.NodeID, Kind: credentialSecretKind, Name: secretName}
	enc, err := r.Store.GetSecret(ctx, scope)
	if err != nil {
		return "", "", fmt.Errorf("target: loading credential %q: %w", secretName, err)
	}
	plain, err := r.Keyring.Decrypt(scope, enc)
	if err != nil {
		return "", "", fmt.Errorf("target: decrypting credential %q: %w", secretName, err)
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return "", "", fmt.Errorf("target: credential %q is not the expected {username,password} object: %w", secretName, err)
	}
	return creds.Username, creds.Password, nil
}

// SnapshotResolver implements reconcile.TargetResolver by decoding a
// run's persisted target_snapshot (the jobspec.TargetSpec recorded at
// enqueue time) and building the matching Target, so reconciler loops
// never need a live job lookup to know where a run's artifacts live.
type SnapshotResolver struct {
	Credentials CredentialResolver
}

func (r *SnapshotResolver) ResolveTarget(ctx context.Context, targetType string, snapshot []byte) (Target, error) {
	var spec jobspec.TargetSpec
	if err := json.Unmarshal(snapshot, &spec); err != nil {
		return nil, fmt.Errorf("target: decoding target_snapshot: %w", err)
	}
	return New(ctx, spec, r.Credentials)
}
