package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// ErrSignatureMismatch is returned when a signature does not verify.
var ErrSignatureMismatch = errors.New("signature mismatch")

// SignDataECDSA signs sha256(data) and returns the IEEE P1363 (r||s) encoding.
func SignDataECDSA(data []byte, privateKeyPEM string) ([]byte, error) {
	key, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected ECDSA private key, got %T", ErrUnsupportedKeyType, key)
	}
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, ecKey, digest[:])
	if err != nil {
		return nil, err
	}
	size := (ecKey.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

// VerifyDataECDSA verifies a P1363 signature over sha256(data). The key may be
// given as a certificate or a public key PEM.
func VerifyDataECDSA(data, signature []byte, keyOrCertPEM string) error {
	pub, err := ParsePublicKeyPEM(keyOrCertPEM)
	if err != nil {
		return err
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: expected ECDSA public key, got %T", ErrUnsupportedKeyType, pub)
	}
	size := (ecPub.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*size {
		return fmt.Errorf("%w: unexpected signature length %d", ErrSignatureMismatch, len(signature))
	}
	digest := sha256.Sum256(data)
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	if !ecdsa.Verify(ecPub, digest[:], r, s) {
		return ErrSignatureMismatch
	}
	return nil
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// SignDataRSAPSS signs sha256(data) with RSA-PSS, salt length equal to the hash.
func SignDataRSAPSS(data []byte, privateKeyPEM string) ([]byte, error) {
	key, err := RSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOptions)
}

// VerifyDataRSAPSS verifies an RSA-PSS SHA-256 signature over data.
func VerifyDataRSAPSS(data, signature []byte, publicKeyPEM string) error {
	pub, err := RSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return nil
}
