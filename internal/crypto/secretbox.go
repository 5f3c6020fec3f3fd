package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// DataKeySize is the byte length of a per-entity symmetric data key.
const DataKeySize = 32

const nonceSize = 24

// ErrDecrypt is returned when a ciphertext cannot be opened with the given
// data key. No plaintext is ever returned alongside it.
var ErrDecrypt = fmt.Errorf("decryption failed")

// NewDataKey generates a fresh per-entity symmetric data key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}

// EncryptWithDataKey encrypts plaintext with a per-entity data key using
// NaCl secretbox. Format: [nonce (24 bytes)][sealed data], base64 encoded.
func EncryptWithDataKey(plaintext, dataKey []byte) (string, error) {
	if len(dataKey) != DataKeySize {
		return "", fmt.Errorf("invalid data key size: %d", len(dataKey))
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var key [DataKeySize]byte
	copy(key[:], dataKey)

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptWithDataKey decrypts a ciphertext produced by EncryptWithDataKey.
// A wrong key or tampered ciphertext fails closed with ErrDecrypt.
func DecryptWithDataKey(ciphertext string, dataKey []byte) ([]byte, error) {
	if len(dataKey) != DataKeySize {
		return nil, fmt.Errorf("invalid data key size: %d", len(dataKey))
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	var key [DataKeySize]byte
	copy(key[:], dataKey)

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
