package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed values have the format [salt (16 bytes)][nonce (24 bytes)][ciphertext].
const sealSaltSize = 16

var ErrSealedValueInvalid = errors.New("sealed value is malformed or was tampered with")

// DeriveStoreKey derives a 32-byte symmetric key from a passphrase with argon2id.
func DeriveStoreKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// SealValue encrypts value with a key derived from passphrase. The name is
// bound as associated data so a sealed value cannot be moved between entries.
func SealValue(passphrase []byte, name string, value []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(DeriveStoreKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(value)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, value, []byte(name)), nil
}

// OpenValue reverses SealValue.
func OpenValue(passphrase []byte, name string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealedValueInvalid
	}
	salt := sealed[:sealSaltSize]
	nonce := sealed[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[sealSaltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(DeriveStoreKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	value, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, ErrSealedValueInvalid
	}
	return value, nil
}
