package cryptoutils

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/ccf-recovery-service/cose"
)

// Trusted issuer and feed of Microsoft UVM endorsements, see
// https://github.com/microsoft/did-x509/blob/main/specification.md
const (
	UVMTrustedIssuer = "did:x509:0:sha256:I__iuL25oXEVFdTP_aBLx_eT1RPHbCQ_ECBQfYZpt9s::eku:1.3.6.1.4.1.311.76.59.1.2"
	UVMTrustedFeed   = "ContainerPlat-AMD-UVM"
)

// UVMPayload is the JSON payload of a UVM endorsement.
type UVMPayload struct {
	LaunchMeasurement string `json:"x-ms-sevsnpvm-launchmeasurement"`
	GuestSVN          any    `json:"x-ms-sevsnpvm-guestsvn,omitempty"`
}

// VerifyUVMEndorsement checks a COSE_Sign1 UVM endorsement against the trusted
// issuer and feed, and that it endorses the given launch measurement.
func VerifyUVMEndorsement(endorsement []byte, measurement string) (*UVMPayload, error) {
	return verifyUVMEndorsement(endorsement, measurement, UVMTrustedIssuer, UVMTrustedFeed)
}

func verifyUVMEndorsement(endorsement []byte, measurement, trustedIssuer, trustedFeed string) (*UVMPayload, error) {
	msg, err := cose.Decode(endorsement)
	if err != nil {
		return nil, fmt.Errorf("uvm endorsement: %w", err)
	}

	iss, _ := msg.StringHeader("iss")
	if iss != trustedIssuer {
		return nil, fmt.Errorf("unexpected iss value of %q", iss)
	}
	feed, _ := msg.StringHeader("feed")
	if feed != trustedFeed {
		return nil, fmt.Errorf("unexpected feed value of %q", feed)
	}

	chain, err := msg.CertificateChain()
	if err != nil {
		return nil, err
	}
	if err := verifyChainLinks(chain); err != nil {
		return nil, err
	}

	rootFingerprint, ekuOID, err := parseDIDX509(trustedIssuer)
	if err != nil {
		return nil, err
	}
	root := chain[len(chain)-1]
	rootHash := sha256.Sum256(root.Raw)
	if got := base64.RawURLEncoding.EncodeToString(rootHash[:]); got != rootFingerprint {
		return nil, fmt.Errorf("unexpected certificate fingerprint %q when expecting %q", got, rootFingerprint)
	}

	leaf := chain[0]
	if !hasEKU(leaf, ekuOID) {
		return nil, fmt.Errorf("expected EKU %s not found on leaf cert", ekuOID)
	}

	if err := msg.VerifySignature(leaf.PublicKey); err != nil {
		return nil, fmt.Errorf("uvm endorsement signature: %w", err)
	}

	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("uvm endorsement content is empty")
	}
	var payload UVMPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("uvm payload deserialization failed: %w", err)
	}
	if !strings.EqualFold(payload.LaunchMeasurement, measurement) {
		return nil, fmt.Errorf("uvm launch measurement %q does not match report measurement %q",
			payload.LaunchMeasurement, measurement)
	}
	return &payload, nil
}

// verifyChainLinks checks each certificate is signed by the next and that the
// last one is self-signed. Validity periods are not enforced.
func verifyChainLinks(chain []*x509.Certificate) error {
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return fmt.Errorf("%q certificate chain was not valid: %w", chain[i].Subject.String(), err)
		}
	}
	root := chain[len(chain)-1]
	if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err != nil {
		return fmt.Errorf("root %q is not self-signed: %w", root.Subject.String(), err)
	}
	return nil
}

// parseDIDX509 extracts the root fingerprint and EKU policy of a
// did:x509:0:sha256:<fp>::eku:<oid> identifier.
func parseDIDX509(did string) (string, string, error) {
	parts := strings.SplitN(did, "::", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed did:x509 %q", did)
	}
	tokens := strings.Split(parts[0], ":")
	if len(tokens) != 5 || tokens[0] != "did" || tokens[1] != "x509" {
		return "", "", fmt.Errorf("malformed did:x509 %q", did)
	}
	if tokens[3] != "sha256" {
		return "", "", fmt.Errorf("unsupported hash algo type %s in did:x509", tokens[3])
	}
	policy := strings.Split(parts[1], ":")
	if len(policy) != 2 || policy[0] != "eku" {
		return "", "", fmt.Errorf("unsupported did:x509 policy %q", parts[1])
	}
	return tokens[4], policy[1], nil
}

func hasEKU(cert *x509.Certificate, oid string) bool {
	for _, u := range cert.UnknownExtKeyUsage {
		if u.String() == oid {
			return true
		}
	}
	return false
}
