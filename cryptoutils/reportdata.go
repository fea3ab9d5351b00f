package cryptoutils

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// ReportDataSize is the size of the SEV-SNP REPORT_DATA field.
const ReportDataSize = 64

// AsReportData returns sha256(base64(publicKeyPEM)) as lowercase hex.
func AsReportData(publicKeyPEM string) string {
	digest := reportDigest(publicKeyPEM)
	return hex.EncodeToString(digest[:])
}

// AsReportDataBytes returns the report_data value requested from the hardware:
// the digest in the first 32 bytes and zeros after.
func AsReportDataBytes(publicKeyPEM string) [ReportDataSize]byte {
	digest := reportDigest(publicKeyPEM)
	return ReportDataForDigest(digest[:])
}

// PaddedReportData is the hex form of AsReportDataBytes as it appears in
// verified claims: 64 digest characters followed by 64 '0' characters.
func PaddedReportData(publicKeyPEM string) string {
	return AsReportData(publicKeyPEM) + strings.Repeat("0", 64)
}

// ReportDataForDigest places digest at the start of a zeroed report_data buffer.
// Digests longer than the buffer are truncated.
func ReportDataForDigest(digest []byte) [ReportDataSize]byte {
	var reportData [ReportDataSize]byte
	copy(reportData[:], digest)
	return reportData
}

func reportDigest(publicKeyPEM string) [sha256.Size]byte {
	encoded := base64.StdEncoding.EncodeToString([]byte(publicKeyPEM))
	return sha256.Sum256([]byte(encoded))
}

// VerifyReportDataBinding checks that the evidence was produced for publicKeyPEM.
func VerifyReportDataBinding(claims *interfaces.AttestationClaims, publicKeyPEM string) error {
	expected := PaddedReportData(publicKeyPEM)
	if claims == nil || claims.ReportData != expected {
		got := ""
		if claims != nil {
			got = claims.ReportData
		}
		return interfaces.NewError(interfaces.VerificationError, interfaces.CodeReportDataMismatch,
			"Attestation report_data value did not match. Expected: %s, actual: %s", expected, got)
	}
	return nil
}

// VerifyHostData checks that the evidence host_data is in allowList.
func VerifyHostData(claims *interfaces.AttestationClaims, allowList []string) error {
	if claims != nil {
		for _, hostData := range allowList {
			if strings.EqualFold(hostData, claims.HostData) {
				return nil
			}
		}
	}
	got := ""
	if claims != nil {
		got = claims.HostData
	}
	return interfaces.NewError(interfaces.VerificationError, interfaces.CodeHostDataMismatch,
		"Attestation host_data value %q did not match any allowed value", got)
}
