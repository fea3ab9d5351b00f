package cryptoutils

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/go-sev-guest/abi"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
	sv "github.com/google/go-sev-guest/verify"
	"github.com/google/go-sev-guest/verify/trust"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// snpPolicyDebugBit is bit 19 of the SEV-SNP guest policy.
const snpPolicyDebugBit = uint64(1) << 19

// SNPVerifier verifies SEV-SNP evidence against the AMD root of trust and
// extracts its claims.
type SNPVerifier struct {
	log *slog.Logger

	// TrustedRoots overrides the embedded AMD root certificates when set.
	TrustedRoots map[string][]*trust.AMDRootCerts

	// RequireUVMEndorsement rejects evidence without a UVM endorsement.
	RequireUVMEndorsement bool

	verifyAttestation func(*spb.Attestation, *sv.Options) error
}

func NewSNPVerifier(log *slog.Logger) *SNPVerifier {
	return &SNPVerifier{
		log:               log,
		verifyAttestation: sv.SnpAttestation,
	}
}

// Verify checks the report signature and endorsement chain, the optional UVM
// endorsement and returns the report claims. All failures are
// VerificationError/VerifySnpAttestationFailed.
func (v *SNPVerifier) Verify(_ context.Context, report *interfaces.AttestationReport) (*interfaces.AttestationClaims, error) {
	claims, err := v.verify(report)
	if err != nil {
		v.log.Error("VerifySnpAttestation failed", "err", err)
		return nil, interfaces.WrapError(interfaces.VerificationError, interfaces.CodeVerifySnpAttestationFailed,
			err, "snp attestation verification failed")
	}
	return claims, nil
}

func (v *SNPVerifier) verify(report *interfaces.AttestationReport) (*interfaces.AttestationClaims, error) {
	if report == nil || report.Attestation == "" {
		return nil, fmt.Errorf("evidence is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(report.Attestation)
	if err != nil {
		return nil, fmt.Errorf("evidence is not valid base64: %w", err)
	}
	parsed, err := abi.ReportToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing snp report: %w", err)
	}

	chain, err := parseEndorsements(report.PlatformCertificates)
	if err != nil {
		return nil, err
	}

	opts := &sv.Options{
		DisableCertFetching: true,
		TrustedRoots:        v.TrustedRoots,
	}
	if err := v.verifyAttestation(&spb.Attestation{Report: parsed, CertificateChain: chain}, opts); err != nil {
		return nil, fmt.Errorf("report signature: %w", err)
	}

	claims := &interfaces.AttestationClaims{
		HostData:    hex.EncodeToString(parsed.GetHostData()),
		ReportData:  hex.EncodeToString(parsed.GetReportData()),
		Measurement: hex.EncodeToString(parsed.GetMeasurement()),
		Debuggable:  parsed.GetPolicy()&snpPolicyDebugBit != 0,
	}

	if report.UvmEndorsements != "" {
		endorsement, err := base64.StdEncoding.DecodeString(report.UvmEndorsements)
		if err != nil {
			return nil, fmt.Errorf("uvm endorsements are not valid base64: %w", err)
		}
		if _, err := VerifyUVMEndorsement(endorsement, claims.Measurement); err != nil {
			return nil, err
		}
	} else if v.RequireUVMEndorsement {
		return nil, fmt.Errorf("uvm endorsements missing")
	}

	return claims, nil
}

// parseEndorsements decodes the base64 PEM chain in VCEK, ASK, ARK order.
func parseEndorsements(endorsements string) (*spb.CertificateChain, error) {
	chainPEM, err := base64.StdEncoding.DecodeString(endorsements)
	if err != nil {
		return nil, fmt.Errorf("endorsements are not valid base64: %w", err)
	}
	certs, err := ParseCertificateChainPEM(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing endorsements: %w", err)
	}
	chain := &spb.CertificateChain{VcekCert: certs[0].Raw}
	if len(certs) > 1 {
		chain.AskCert = certs[1].Raw
	}
	if len(certs) > 2 {
		chain.ArkCert = certs[2].Raw
	}
	return chain, nil
}
