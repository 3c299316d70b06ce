package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings separate the derived key domains. Changing either one
// invalidates all material derived under it.
const (
	sessionKeyInfo    = "desktop-oauth/session-signing/v1"
	encryptionKeyInfo = "desktop-oauth/challenge-encryption/v1"
)

// MinMasterSecretLength is the minimum accepted master secret length.
const MinMasterSecretLength = 32

// KeySet holds the purpose-bound keys derived from one master secret.
// Deployments configure a single secret; the session signing key and the
// challenge encryption key are derived from it with HKDF-SHA256 so the two
// domains never share key material.
type KeySet struct {
	// SessionSigningKey signs session tokens (HMAC-SHA256, 32 bytes)
	SessionSigningKey []byte

	// EncryptionKey encrypts code verifiers at rest (AES-256, 32 bytes)
	EncryptionKey []byte
}

// DeriveKeys expands a master secret into the purpose-bound key set.
// The same secret always yields the same keys, so workers sharing a secret
// can verify each other's sessions and decrypt each other's records.
func DeriveKeys(masterSecret []byte) (*KeySet, error) {
	if len(masterSecret) < MinMasterSecretLength {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d",
			MinMasterSecretLength, len(masterSecret))
	}

	sessionKey, err := deriveKey(masterSecret, sessionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session signing key: %w", err)
	}

	encryptionKey, err := deriveKey(masterSecret, encryptionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return &KeySet{
		SessionSigningKey: sessionKey,
		EncryptionKey:     encryptionKey,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
