package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"reflect"
	"time"
)

const serviceCertValidity = 365 * 24 * time.Hour

var ErrCertificateNotPinned = errors.New("peer certificate does not match the pinned certificate")

// VerifyCertificate checks that certPEM holds the public half of keyPEM and,
// when expectedCN is non-empty, that the subject common name matches.
func VerifyCertificate(keyPEM, certPEM []byte, expectedCN string) error {
	key, err := ParsePrivateKeyPEM(string(keyPEM))
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	cert, err := ParseCertificatePEM(string(certPEM))
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if expectedCN != "" && cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := key.Public().(equaler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKeyType, reflect.TypeOf(key.Public()))
	}
	if !pub.Equal(cert.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// NewSelfSignedServiceCert generates a P-256 key and a self-signed server
// certificate for commonName. It is the service's TLS identity when none is
// provisioned.
func NewSelfSignedServiceCert(commonName string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", err
	}
	certPEM, err = SelfSignedCertificate(key, commonName, serviceCertValidity)
	if err != nil {
		return "", "", err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}

// TLSCertificate builds a tls.Certificate from PEM data after checking the pair matches.
func TLSCertificate(certPEM, keyPEM string) (tls.Certificate, error) {
	if err := VerifyCertificate([]byte(keyPEM), []byte(certPEM), ""); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
}

// PinnedCertPool returns a pool containing only the given PEM certificate.
func PinnedCertPool(certPEM string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(certPEM)) {
		return nil, fmt.Errorf("%w: no certificate to pin", ErrInvalidPEM)
	}
	return pool, nil
}

// PinnedTLSConfig trusts exactly the given certificate. The peer's leaf must be
// byte-identical to it; host names and chains are not consulted.
func PinnedTLSConfig(certPEM string) (*tls.Config, error) {
	pinned, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// verification happens in VerifyPeerCertificate against the pinned leaf
		InsecureSkipVerify: true, //nolint:gosec
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned.Raw) {
				return ErrCertificateNotPinned
			}
			return nil
		},
	}, nil
}
