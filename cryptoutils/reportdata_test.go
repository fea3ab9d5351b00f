package cryptoutils

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func TestAsReportData(t *testing.T) {
	pub, _, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString([]byte(pub))))
	expected := hex.EncodeToString(sum[:])

	assert.Equal(t, expected, AsReportData(pub))

	reportData := AsReportDataBytes(pub)
	assert.Equal(t, sum[:], reportData[:32])
	assert.Equal(t, make([]byte, 32), reportData[32:])

	padded := PaddedReportData(pub)
	assert.Len(t, padded, 128)
	assert.Equal(t, hex.EncodeToString(reportData[:]), padded)
	assert.True(t, strings.HasSuffix(padded, strings.Repeat("0", 64)))
}

func TestVerifyReportDataBinding(t *testing.T) {
	pub, _, err := GenerateRSAKeyPair()
	require.NoError(t, err)
	other, _, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	claims := &interfaces.AttestationClaims{ReportData: PaddedReportData(pub)}
	require.NoError(t, VerifyReportDataBinding(claims, pub))

	// the comparison is exact, a case-changed digest is rejected
	claims.ReportData = strings.ToUpper(claims.ReportData)
	err = VerifyReportDataBinding(claims, pub)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeReportDataMismatch), "got %v", err)

	claims.ReportData = PaddedReportData(pub)
	err = VerifyReportDataBinding(claims, other)
	require.Error(t, err)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeReportDataMismatch))
	assert.True(t, interfaces.IsKind(err, interfaces.VerificationError))

	// unpadded digest is not accepted
	claims.ReportData = AsReportData(pub)
	assert.True(t, interfaces.HasCode(VerifyReportDataBinding(claims, pub), interfaces.CodeReportDataMismatch))

	// a one character change in the key changes the binding
	tweaked := strings.Replace(pub, "\n", "\r\n", 1)
	claims.ReportData = PaddedReportData(pub)
	assert.Error(t, VerifyReportDataBinding(claims, tweaked))
}

func TestVerifyHostData(t *testing.T) {
	hostData := strings.Repeat("ab", 32)
	claims := &interfaces.AttestationClaims{HostData: hostData}

	require.NoError(t, VerifyHostData(claims, []string{strings.Repeat("cd", 32), strings.ToUpper(hostData)}))

	err := VerifyHostData(claims, []string{strings.Repeat("cd", 32)})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeHostDataMismatch))

	err = VerifyHostData(claims, nil)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeHostDataMismatch))
}
