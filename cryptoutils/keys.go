package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// KeyKind selects the algorithm of a generated key pair.
type KeyKind int

const (
	// KeyKindRSA is an RSA-2048 encryption key.
	KeyKindRSA KeyKind = iota
	// KeyKindECDSA is a P-384 signing key with a self-signed certificate.
	KeyKindECDSA
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindRSA:
		return "rsa"
	case KeyKindECDSA:
		return "ecdsa"
	default:
		return "unknown"
	}
}

const (
	rsaKeyBits          = 2048
	signingCertName     = "Self-Signed ECDSA"
	signingCertValidity = 365 * 24 * time.Hour
)

var (
	ErrInvalidPEM         = errors.New("invalid PEM data")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// GenerateRSAKeyPair returns a new RSA-2048 key pair as SPKI and PKCS8 PEM.
func GenerateRSAKeyPair() (publicKeyPEM, privateKeyPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", "", err
	}
	return marshalKeyPair(key, &key.PublicKey)
}

// GenerateECDSAKeyPair returns a new P-384 key pair as SPKI and PKCS8 PEM
// together with a self-signed certificate valid for one year.
func GenerateECDSAKeyPair() (publicKeyPEM, privateKeyPEM, certPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return "", "", "", err
	}
	publicKeyPEM, privateKeyPEM, err = marshalKeyPair(key, &key.PublicKey)
	if err != nil {
		return "", "", "", err
	}
	certPEM, err = SelfSignedCertificate(key, signingCertName, signingCertValidity)
	if err != nil {
		return "", "", "", err
	}
	return publicKeyPEM, privateKeyPEM, certPEM, nil
}

func marshalKeyPair(priv any, pub any) (string, string, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return string(pubPEM), string(privPEM), nil
}

// SelfSignedCertificate creates a PEM certificate for key with the given common name.
func SelfSignedCertificate(key crypto.Signer, commonName string, validity time.Duration) (string, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return "", fmt.Errorf("create certificate: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// ParseCertificatePEM parses the first certificate in certPEM.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: expected CERTIFICATE block", ErrInvalidPEM)
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParseCertificateChainPEM parses every certificate in a concatenated PEM chain.
func ParseCertificateChainPEM(chainPEM []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found", ErrInvalidPEM)
	}
	return certs, nil
}

// ParsePublicKeyPEM parses an SPKI public key, a PKCS1 RSA public key or the
// public key of a certificate.
func ParsePublicKeyPEM(publicKeyPEM string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: unexpected block %q", ErrInvalidPEM, block.Type)
	}
}

// ParsePrivateKeyPEM parses a PKCS8, PKCS1 or SEC1 private key.
func ParsePrivateKeyPEM(privateKeyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: cannot parse %q", ErrInvalidPEM, block.Type)
}

// RSAPublicKeyFromPEM parses publicKeyPEM and requires an RSA key.
func RSAPublicKeyFromPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA public key, got %T", ErrUnsupportedKeyType, pub)
	}
	return rsaPub, nil
}

// RSAPrivateKeyFromPEM parses privateKeyPEM and requires an RSA key.
func RSAPrivateKeyFromPEM(privateKeyPEM string) (*rsa.PrivateKey, error) {
	key, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA private key, got %T", ErrUnsupportedKeyType, key)
	}
	return rsaKey, nil
}

// PublicKeyPEM returns the SPKI PEM encoding of pub.
func PublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// CertificatePublicKeyPEM returns the SPKI PEM of the key in certPEM.
func CertificatePublicKeyPEM(certPEM string) (string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return "", err
	}
	return PublicKeyPEM(cert.PublicKey)
}

// CertFingerprint returns the lowercase hex sha256 of the certificate DER.
func CertFingerprint(certPEM string) (string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}
