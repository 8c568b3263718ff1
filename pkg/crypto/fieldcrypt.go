// Package crypto provides application-level field encryption using
// AES-256-GCM. Channel configs carry delivery credentials (webhook URLs with
// embedded tokens, SMTP passwords, SNMP auth keys); those fields are sealed
// before they reach the database and opened only inside the notifier.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encPrefix marks stored ciphertext. Values without it are treated as
// plaintext so encrypted and legacy rows can coexist during migration.
const encPrefix = "enc:v1:"

const keySize = 32 // AES-256

// FieldEncryptor seals and opens string fields. Safe for concurrent use.
type FieldEncryptor struct {
	aead cipher.AEAD
}

// DeriveFieldEncryptor stretches an existing master secret into an AES-256
// key with HKDF-SHA256. The purpose string goes into the HKDF info so two
// subsystems deriving from the same master secret cannot open each other's
// fields.
func DeriveFieldEncryptor(masterSecret []byte, purpose string) (*FieldEncryptor, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, masterSecret, []byte("pulse-field-encryption"), []byte(purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("fieldcrypt: key derivation: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: %w", err)
	}
	return &FieldEncryptor{aead: aead}, nil
}

// IsEncrypted reports whether a stored value carries the encryption prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, encPrefix)
}

// Encrypt seals plaintext under a fresh nonce and returns the prefixed
// base64 form for DB storage.
func (fe *FieldEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, fe.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: nonce: %w", err)
	}
	sealed := fe.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix pass
// through unchanged.
func (fe *FieldEncryptor) Decrypt(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, encPrefix)
	if !ok {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: invalid base64: %w", err)
	}
	ns := fe.aead.NonceSize()
	if len(raw) <= ns {
		return "", fmt.Errorf("fieldcrypt: ciphertext too short")
	}

	plaintext, err := fe.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: open: %w", err)
	}
	return string(plaintext), nil
}
