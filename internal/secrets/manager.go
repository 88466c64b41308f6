package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Manager is the process-scope keyring. It is loaded once at startup
// (NewManager) and its current key version only grows via Rotate,
// which appends a new kid without invalidating ciphertexts encrypted
// under an older one (§9).
type Manager struct {
	mu       sync.RWMutex
	versions map[string]*keyVersion
	current  string
}

// NewManager derives the first key version (kid "v1") from master via
// HKDF-SHA256, so the same raw master secret never directly becomes
// an AEAD key.
func NewManager(master []byte) (*Manager, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("secrets: master key is required")
	}
	m := &Manager{versions: make(map[string]*keyVersion)}
	if err := m.addVersion("v1", master); err != nil {
		return nil, err
	}
	m.current = "v1"
	return m, nil
}

func (m *Manager) addVersion(kid string, master []byte) error {
	key, err := deriveKey(master, kid)
	if err != nil {
		return err
	}
	m.versions[kid] = &keyVersion{kid: kid, key: key, createdAt: time.Now().UTC()}
	return nil
}

func deriveKey(master []byte, kid string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, master, nil, []byte("bastion-backup-keyring:"+kid))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("secrets: deriving key for %s: %w", kid, err)
	}
	return out, nil
}

// Rotate derives and installs a new key version from newMaster,
// atomically replacing the "current" pointer while leaving every
// prior version in place so secrets encrypted under them still
// decrypt (§9 "rotate adds a new kid without invalidating old ones").
func (m *Manager) Rotate(kid string, newMaster []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.versions[kid]; exists {
		return fmt.Errorf("secrets: key version %s already exists", kid)
	}
	if err := m.addVersion(kid, newMaster); err != nil {
		return err
	}
	m.current = kid
	return nil
}

// CurrentKID returns the key version new encryptions are performed
// under.
func (m *Manager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// KIDs returns every key version installed in the keyring, in no
// particular order; used by the rotation CLI to pick a new, unused
// kid.
func (m *Manager) KIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kids := make([]string, 0, len(m.versions))
	for kid := range m.versions {
		kids = append(kids, kid)
	}
	return kids
}

// Encrypt seals plaintext under the current key version, binding the
// AAD to scope.
func (m *Manager) Encrypt(scope Scope, plaintext []byte) (EncryptedSecret, error) {
	m.mu.RLock()
	kid := m.current
	kv := m.versions[kid]
	m.mu.RUnlock()
	if kv == nil {
		return EncryptedSecret{}, fmt.Errorf("secrets: no current key version")
	}

	aead, err := chacha20poly1305.NewX(kv.key[:])
	if err != nil {
		return EncryptedSecret{}, fmt.Errorf("secrets: constructing aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedSecret{}, fmt.Errorf("secrets: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad(scope))
	return EncryptedSecret{KID: kid, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens an EncryptedSecret using the key version named by its
// kid, trying scope's current AAD first and falling back to the
// legacy {kind, name} AAD (no node_id) only on decryption failure, so
// secrets written before node-scoping was introduced still decrypt
// (§3 "a legacy AAD {kind, name} is accepted as a fallback during
// decryption only").
func (m *Manager) Decrypt(scope Scope, enc EncryptedSecret) ([]byte, error) {
	m.mu.RLock()
	kv := m.versions[enc.KID]
	m.mu.RUnlock()
	if kv == nil {
		return nil, fmt.Errorf("secrets: unknown key version %s", enc.KID)
	}

	aead, err := chacha20poly1305.NewX(kv.key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: constructing aead: %w", err)
	}
	if plain, err := aead.Open(nil, enc.Nonce, enc.Ciphertext, aad(scope)); err == nil {
		return plain, nil
	}
	legacy := Scope{Kind: scope.Kind, Name: scope.Name}
	plain, err := aead.Open(nil, enc.Nonce, enc.Ciphertext, aad(legacy))
	if err != nil {
		return nil, fmt.Errorf("secrets: decryption failed for kid %s: %w", enc.KID, err)
	}
	return plain, nil
}

// aad serializes scope into additional authenticated data binding the
// ciphertext to {node_id, kind, name} (or {kind, name} for legacy).
func aad(s Scope) []byte {
	return []byte(s.NodeID + "\x00" + s.Kind + "\x00" + s.Name)
}

// HexEncode/HexDecode are convenience helpers for persisting an
// EncryptedSecret's binary fields as hex in a JSON column.
func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
