package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SHA-1 OAEP is part of the wrap wire format.
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// OAEPHash selects the hash used by RSA-OAEP in the hybrid wrap.
type OAEPHash int

const (
	HashSHA256 OAEPHash = iota
	HashSHA1
	HashSHA384
)

func (h OAEPHash) String() string {
	switch h {
	case HashSHA1:
		return "SHA-1"
	case HashSHA256:
		return "SHA-256"
	case HashSHA384:
		return "SHA-384"
	default:
		return "unknown"
	}
}

func (h OAEPHash) new() (hash.Hash, error) {
	switch h {
	case HashSHA1:
		return sha1.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA384:
		return sha512.New384(), nil
	default:
		return nil, fmt.Errorf("unsupported OAEP hash %d", int(h))
	}
}

const wrapAESKeySize = 32

// WrapRsaOaepAesKwp encrypts plaintext for the holder of publicKeyPEM using
// RSA-OAEP(SHA-256) over a fresh AES-256 key followed by AES-KWP of plaintext.
func WrapRsaOaepAesKwp(plaintext []byte, publicKeyPEM string) ([]byte, error) {
	return WrapRsaOaepAesKwpWithHash(plaintext, publicKeyPEM, HashSHA256)
}

// WrapRsaOaepAesKwpWithHash is WrapRsaOaepAesKwp with an explicit OAEP hash.
func WrapRsaOaepAesKwpWithHash(plaintext []byte, publicKeyPEM string, oaepHash OAEPHash) ([]byte, error) {
	pub, err := RSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	h, err := oaepHash.new()
	if err != nil {
		return nil, err
	}

	aesKey := make([]byte, wrapAESKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, err
	}

	wrappedKey, err := rsa.EncryptOAEP(h, rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	if len(wrappedKey) != pub.Size() {
		return nil, fmt.Errorf("unexpected wrapped key length %d, expected %d", len(wrappedKey), pub.Size())
	}

	wrappedValue, err := wrapKWP(aesKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("aes-kwp wrap: %w", err)
	}
	return append(wrappedKey, wrappedValue...), nil
}

// UnwrapRsaOaepAesKwp reverses WrapRsaOaepAesKwpWithHash. The split point is
// the modulus size of the private key and oaepHash must match the one used to wrap.
func UnwrapRsaOaepAesKwp(wrapped []byte, privateKeyPEM string, oaepHash OAEPHash) ([]byte, error) {
	key, err := RSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	h, err := oaepHash.new()
	if err != nil {
		return nil, err
	}

	split := key.Size()
	if len(wrapped) < split {
		return nil, fmt.Errorf("wrapped value too short: %d bytes, need at least %d", len(wrapped), split)
	}

	aesKey, err := rsa.DecryptOAEP(h, nil, key, wrapped[:split], nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep decrypt: %w", err)
	}
	plaintext, err := unwrapKWP(aesKey, wrapped[split:])
	if err != nil {
		return nil, fmt.Errorf("aes-kwp unwrap: %w", err)
	}
	return plaintext, nil
}

// DecryptRSAOAEP decrypts ciphertext encrypted directly to the RSA key.
func DecryptRSAOAEP(ciphertext []byte, privateKeyPEM string, oaepHash OAEPHash) ([]byte, error) {
	key, err := RSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	h, err := oaepHash.new()
	if err != nil {
		return nil, err
	}
	return rsa.DecryptOAEP(h, nil, key, ciphertext, nil)
}

// EncryptRSAOAEP encrypts a short plaintext directly to the RSA key.
func EncryptRSAOAEP(plaintext []byte, publicKeyPEM string, oaepHash OAEPHash) ([]byte, error) {
	pub, err := RSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	h, err := oaepHash.new()
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(h, rand.Reader, pub, plaintext, nil)
}
