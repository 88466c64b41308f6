// Package secrets implements the process-scope encrypted keyring
// (C13): a versioned AEAD envelope manager loaded once per process
// and treated as immutable thereafter, with atomic-replace semantics
// on rotation (§9 "Shared state").
package secrets

import "time"

// EncryptedSecret is the on-disk/on-row envelope (§3). Nonce is
// 24 bytes (XChaCha20-Poly1305, not the 12-byte AES-GCM nonce a
// single-key manager would use) because a versioned keyring rotates
// keys over a long-lived process and a 24-byte nonce makes random
// generation collision-safe without a counter.
type EncryptedSecret struct {
	KID        string `json:"kid"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Scope binds an envelope's AAD to the context it was encrypted
// under, preventing a ciphertext from one node/kind/name from being
// decrypted as if it belonged to another.
type Scope struct {
	NodeID string
	Kind   string
	Name   string
}

// keyVersion is one entry in the keyring: a 32-byte XChaCha20-Poly1305
// key identified by kid, plus when it was added (rotation never
// removes an old kid, only adds a new current one).
type keyVersion struct {
	kid       string
	key       [32]byte
	createdAt time.Time
}
