package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	gocose "github.com/veraison/go-cose"
)

// Algorithm is a COSE algorithm identifier.
type Algorithm = gocose.Algorithm

const (
	AlgorithmES256 = gocose.AlgorithmES256
	AlgorithmES384 = gocose.AlgorithmES384
	AlgorithmES512 = gocose.AlgorithmES512
	AlgorithmEdDSA = gocose.AlgorithmEdDSA
	AlgorithmPS256 = gocose.AlgorithmPS256
	AlgorithmPS384 = gocose.AlgorithmPS384
	AlgorithmPS512 = gocose.AlgorithmPS512
)

// Header labels defined by RFC 9052.
const (
	HeaderLabelAlgorithm = gocose.HeaderLabelAlgorithm
	HeaderLabelKeyID     = gocose.HeaderLabelKeyID
	HeaderLabelX5Chain   = gocose.HeaderLabelX5Chain
)

var (
	ErrMalformedMessage  = errors.New("malformed COSE_Sign1 message")
	ErrUnsupportedKey    = errors.New("unsupported signing key")
	ErrAlgorithmMismatch = errors.New("algorithm does not match key")
	ErrInvalidSignature  = errors.New("signature verification failed")
)

// Signer holds a certificate and its private key.
type Signer struct {
	certPEM string
	signer  gocose.Signer
	alg     Algorithm
	kid     string
}

// NewSigner parses a PEM certificate and PEM private key (PKCS8 or SEC1)
// and selects the algorithm from the key type and curve size.
func NewSigner(certPEM, keyPEM string) (*Signer, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	alg, err := algorithmForKey(key.Public())
	if err != nil {
		return nil, err
	}
	signer, err := gocose.NewSigner(alg, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return &Signer{
		certPEM: certPEM,
		signer:  signer,
		alg:     alg,
		kid:     fingerprint(cert),
	}, nil
}

// KeyID is the lowercase hex sha256 fingerprint of the signer certificate.
func (s *Signer) KeyID() string { return s.kid }

// Algorithm is the algorithm used for signatures.
func (s *Signer) Algorithm() Algorithm { return s.alg }

// Certificate returns the PEM signer certificate.
func (s *Signer) Certificate() string { return s.certPEM }

// Headers are protected header entries keyed by integer or text label.
type Headers map[any]any

// Sign produces a tagged COSE_Sign1 with the payload embedded. The protected
// header always carries alg and kid in addition to the supplied headers.
func Sign(s *Signer, headers Headers, payload []byte) ([]byte, error) {
	protected := gocose.ProtectedHeader{
		HeaderLabelAlgorithm: s.alg,
		HeaderLabelKeyID:     []byte(s.kid),
	}
	for k, v := range headers {
		if n, ok := k.(int); ok {
			k = int64(n)
		}
		protected[k] = v
	}
	// an empty payload is an empty byte string, nil would mean detached
	if payload == nil {
		payload = []byte{}
	}

	msg := gocose.NewSign1Message()
	msg.Headers.Protected = protected
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return msg.MarshalCBOR()
}

// Sign1Message is a decoded COSE_Sign1 message.
type Sign1Message struct {
	*gocose.Sign1Message
}

// Decode parses a tagged or untagged COSE_Sign1 message.
func Decode(data []byte) (*Sign1Message, error) {
	var msg gocose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		var untagged gocose.UntaggedSign1Message
		if uerr := untagged.UnmarshalCBOR(data); uerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		msg = gocose.Sign1Message(untagged)
	}
	if msg.Headers.Protected == nil {
		msg.Headers.Protected = gocose.ProtectedHeader{}
	}
	return &Sign1Message{Sign1Message: &msg}, nil
}

// Header returns a protected header value by integer or text label.
func (m *Sign1Message) Header(label any) (any, bool) {
	want, ok := normalizeLabel(label)
	if !ok {
		return nil, false
	}
	for k, v := range m.Headers.Protected {
		if got, ok := normalizeLabel(k); ok && got == want {
			return v, true
		}
	}
	return nil, false
}

// StringHeader returns a text protected header.
func (m *Sign1Message) StringHeader(label any) (string, bool) {
	v, ok := m.Header(label)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntHeader returns an integer protected header.
func (m *Sign1Message) IntHeader(label any) (int64, bool) {
	v, ok := m.Header(label)
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Algorithm returns the alg protected header.
func (m *Sign1Message) Algorithm() (Algorithm, error) {
	alg, err := m.Headers.Protected.Algorithm()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return alg, nil
}

// KeyID returns the kid protected header as a string.
func (m *Sign1Message) KeyID() string {
	v, ok := m.Header(HeaderLabelKeyID)
	if !ok {
		return ""
	}
	switch kid := v.(type) {
	case []byte:
		return string(kid)
	case string:
		return kid
	}
	return ""
}

// CertificateChain returns the x5chain protected header, leaf first.
func (m *Sign1Message) CertificateChain() ([]*x509.Certificate, error) {
	v, ok := m.Header(HeaderLabelX5Chain)
	if !ok {
		return nil, fmt.Errorf("%w: x5chain missing", ErrMalformedMessage)
	}
	var ders [][]byte
	switch chain := v.(type) {
	case []byte:
		ders = [][]byte{chain}
	case []any:
		if len(chain) > 100 {
			return nil, fmt.Errorf("%w: unreasonable number of certs %d", ErrMalformedMessage, len(chain))
		}
		for _, c := range chain {
			der, ok := c.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: x5chain entry is not a byte string", ErrMalformedMessage)
			}
			ders = append(ders, der)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected x5chain type %T", ErrMalformedMessage, v)
	}

	certs := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5chain: %v", ErrMalformedMessage, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// VerifySignature checks the signature with pub. The alg header must match the key.
func (m *Sign1Message) VerifySignature(pub crypto.PublicKey) error {
	alg, err := m.Algorithm()
	if err != nil {
		return err
	}
	if err := checkAlgorithm(alg, pub); err != nil {
		return err
	}
	verifier, err := gocose.NewVerifier(alg, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAlgorithmMismatch, err)
	}
	if err := m.Verify(nil, verifier); err != nil {
		if errors.Is(err, gocose.ErrVerification) {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Verify decodes envelope and verifies it against the PEM signer certificate.
// Malformed input is an error; a wrong algorithm or bad signature returns false.
func Verify(envelope []byte, signerCertPEM string) (bool, error) {
	cert, err := parseCertificate(signerCertPEM)
	if err != nil {
		return false, err
	}
	msg, err := Decode(envelope)
	if err != nil {
		return false, err
	}
	err = msg.VerifySignature(cert.PublicKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAlgorithmMismatch), errors.Is(err, ErrInvalidSignature):
		return false, nil
	default:
		return false, err
	}
}

func algorithmForKey(pub crypto.PublicKey) (Algorithm, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgorithmES256, nil
		case elliptic.P384():
			return AlgorithmES384, nil
		case elliptic.P521():
			return AlgorithmES512, nil
		}
		return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	case ed25519.PublicKey:
		return AlgorithmEdDSA, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

func checkAlgorithm(alg Algorithm, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		want, err := algorithmForKey(k)
		if err != nil {
			return err
		}
		if want != alg {
			return fmt.Errorf("%w: %s with %s key", ErrAlgorithmMismatch, alg, k.Curve.Params().Name)
		}
	case ed25519.PublicKey:
		if alg != AlgorithmEdDSA {
			return fmt.Errorf("%w: %s with Ed25519 key", ErrAlgorithmMismatch, alg)
		}
	case *rsa.PublicKey:
		switch alg {
		case AlgorithmPS256, AlgorithmPS384, AlgorithmPS512:
		default:
			return fmt.Errorf("%w: %s with RSA key", ErrAlgorithmMismatch, alg)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return nil
}

func normalizeLabel(label any) (any, bool) {
	if l, ok := label.(string); ok {
		return l, true
	}
	return toInt64(label)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case int32:
		return int64(n), true
	case Algorithm:
		return int64(n), true
	}
	return 0, false
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePrivateKey(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unrecognized private key encoding %q", ErrUnsupportedKey, block.Type)
}
