package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := NewManager([]byte("a-sufficiently-long-master-secret"))
	require.NoError(t, err)

	scope := Scope{NodeID: "hub-1", Kind: "webdav", Name: "prod-target"}
	enc, err := m.Encrypt(scope, []byte("s3cr3t-password"))
	require.NoError(t, err)
	require.Equal(t, "v1", enc.KID)
	require.Len(t, enc.Nonce, 24)

	plain, err := m.Decrypt(scope, enc)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t-password", string(plain))
}

func TestDecryptWrongScopeFails(t *testing.T) {
	m, err := NewManager([]byte("a-sufficiently-long-master-secret"))
	require.NoError(t, err)

	enc, err := m.Encrypt(Scope{NodeID: "hub-1", Kind: "webdav", Name: "prod"}, []byte("x"))
	require.NoError(t, err)

	_, err = m.Decrypt(Scope{NodeID: "hub-2", Kind: "webdav", Name: "prod"}, enc)
	require.Error(t, err)
}

func TestLegacyAADFallback(t *testing.T) {
	m, err := NewManager([]byte("a-sufficiently-long-master-secret"))
	require.NoError(t, err)

	// Simulate a secret encrypted before node-scoping existed: AAD
	// carries only {kind, name}.
	legacy, err := m.Encrypt(Scope{Kind: "webdav", Name: "prod"}, []byte("legacy-value"))
	require.NoError(t, err)

	plain, err := m.Decrypt(Scope{NodeID: "hub-1", Kind: "webdav", Name: "prod"}, legacy)
	require.NoError(t, err)
	require.Equal(t, "legacy-value", string(plain))
}

func TestRotatePreservesOldVersions(t *testing.T) {
	m, err := NewManager([]byte("master-v1-secret-value"))
	require.NoError(t, err)
	scope := Scope{NodeID: "hub-1", Kind: "age-identity", Name: "default"}

	oldEnc, err := m.Encrypt(scope, []byte("old-secret"))
	require.NoError(t, err)

	require.NoError(t, m.Rotate("v2", []byte("master-v2-secret-value")))
	require.Equal(t, "v2", m.CurrentKID())

	newEnc, err := m.Encrypt(scope, []byte("new-secret"))
	require.NoError(t, err)
	require.Equal(t, "v2", newEnc.KID)

	plainOld, err := m.Decrypt(scope, oldEnc)
	require.NoError(t, err)
	require.Equal(t, "old-secret", string(plainOld))

	plainNew, err := m.Decrypt(scope, newEnc)
	require.NoError(t, err)
	require.Equal(t, "new-secret", string(plainNew))
}
