package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/vault/shamir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/cose"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/internal/attestmock"
)

func TestMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.GetMember(ctx, "member0")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeMemberNotFound), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.NotFoundError))

	member, err := f.service.GenerateMember(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, serviceHostData, member.RecoveryService.HostData)

	again, err := f.service.GenerateMember(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, member, again)

	got, err := f.service.GetMember(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, member, got)

	_, err = f.service.GenerateMember(ctx, "member1")
	require.NoError(t, err)
	names, err := f.service.GetMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"member0", "member1"}, names)

	report, err := f.service.GetMemberReport(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, member.SigningCert, report.SigningKeyReport.SigningCert)
	assert.Equal(t, member.EncryptionPublicKey, report.EncryptionKeyReport.EncryptionPublicKey)

	claims, err := (&attestmock.Verifier{}).Verify(ctx, &report.EncryptionKeyReport.Report)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyReportDataBinding(claims, member.EncryptionPublicKey))

	_, err = f.service.GenerateMember(ctx, "")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeMemberNameMissing))
}

func decodeGovMessage(t *testing.T, envelope []byte, signingCert string, want cose.GovMessageType) *cose.Sign1Message {
	t.Helper()
	ok, err := cose.Verify(envelope, signingCert)
	require.NoError(t, err)
	require.True(t, ok)

	msg, err := cose.Decode(envelope)
	require.NoError(t, err)
	msgType, ok := msg.StringHeader(cose.HeaderGovMsgType)
	require.True(t, ok)
	assert.Equal(t, string(want), msgType)
	_, ok = msg.IntHeader(cose.HeaderGovMsgCreatedAt)
	assert.True(t, ok)
	return msg
}

func TestStateDigestMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	member, err := f.service.GenerateMember(ctx, "member0")
	require.NoError(t, err)

	envelope, err := f.service.GenerateStateDigestMessage(ctx, "member0")
	require.NoError(t, err)
	msg := decodeGovMessage(t, envelope, member.SigningCert, cose.GovStateDigest)
	assert.Empty(t, msg.Payload)

	digest := json.RawMessage(`{ "state_digest": "abcd" }`)
	envelope, err = f.service.GenerateStateDigestAckMessage(ctx, "member0", digest)
	require.NoError(t, err)
	msg = decodeGovMessage(t, envelope, member.SigningCert, cose.GovAck)
	assert.Equal(t, `{"state_digest":"abcd"}`, string(msg.Payload))

	for _, bad := range []json.RawMessage{nil, json.RawMessage(`"x"`), json.RawMessage(`{`)} {
		_, err = f.service.GenerateStateDigestAckMessage(ctx, "member0", bad)
		assert.True(t, interfaces.HasCode(err, interfaces.CodeStateDigestMissing), "input %s: %v", bad, err)
	}

	_, err = f.service.GenerateStateDigestMessage(ctx, "nobody")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeSigningKeyNotFound), "got %v", err)
}

// The ledger splits its recovery secret and encrypts one share per member; the
// secret is restored once enough members submit their decrypted shares.
func TestRecoveryShareMessagesRestoreSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	secret := []byte("ledger recovery secret")
	shares, err := shamir.Split(secret, 3, 2)
	require.NoError(t, err)

	var recovered [][]byte
	for i, name := range []string{"member0", "member1"} {
		member, err := f.service.GenerateMember(ctx, name)
		require.NoError(t, err)

		ciphertext, err := cryptoutils.EncryptRSAOAEP(shares[i], member.EncryptionPublicKey, cryptoutils.HashSHA256)
		require.NoError(t, err)
		envelope, err := f.service.GenerateRecoveryShareMessage(ctx, name, &EncryptedShare{
			EncryptedShare: base64.StdEncoding.EncodeToString(ciphertext),
		})
		require.NoError(t, err)

		msg := decodeGovMessage(t, envelope, member.SigningCert, cose.GovRecoveryShare)
		var payload struct {
			Share string `json:"share"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		share, err := base64.StdEncoding.DecodeString(payload.Share)
		require.NoError(t, err)
		assert.Equal(t, shares[i], share)
		recovered = append(recovered, share)
	}

	combined, err := shamir.Combine(recovered)
	require.NoError(t, err)
	assert.Equal(t, secret, combined)
}

func TestRecoveryShareMessageFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.service.GenerateMember(ctx, "member0")
	require.NoError(t, err)

	_, err = f.service.GenerateRecoveryShareMessage(ctx, "member0", nil)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeEncryptedShareMissing))

	_, err = f.service.GenerateRecoveryShareMessage(ctx, "nobody", &EncryptedShare{EncryptedShare: "AAAA"})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeEncryptionKeyNotFound), "got %v", err)

	_, err = f.service.GenerateRecoveryShareMessage(ctx, "member0", &EncryptedShare{EncryptedShare: "AAAA"})
	assert.True(t, interfaces.IsKind(err, interfaces.ValidationError), "got %v", err)
}

func TestSetNetworkJoinPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	caller := &AttestedCaller{HostData: agentHostData}

	err := f.service.SetNetworkJoinPolicy(ctx, caller, &interfaces.NetworkJoinPolicy{
		Snp: &interfaces.SnpJoinPolicy{HostData: []string{otherHostData}},
	})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeCannotRemoveSelf), "got %v", err)

	err = f.service.SetNetworkJoinPolicy(ctx, caller, &interfaces.NetworkJoinPolicy{})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeSnpKeyMissing), "got %v", err)

	updated := &interfaces.NetworkJoinPolicy{
		Snp: &interfaces.SnpJoinPolicy{HostData: []string{strings.ToUpper(agentHostData), otherHostData}},
	}
	require.NoError(t, f.service.SetNetworkJoinPolicy(ctx, caller, updated))

	policy, err := f.policies.GetNetworkJoinPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, updated, policy)
}

func TestGetServiceReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.GetServiceReport(ctx)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeServiceCertNotFound), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.UnavailableError))

	certPEM, _, err := cryptoutils.NewSelfSignedServiceCert("recovery-service")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.certPath, []byte(certPEM), 0o600))

	report, err := f.service.GetServiceReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PlatformSNP, report.Platform)
	assert.Equal(t, certPEM, report.ServiceCert)
	assert.Equal(t, serviceHostData, report.HostData)
	require.NotNil(t, report.Report)

	claims, err := (&attestmock.Verifier{}).Verify(ctx, report.Report)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(certPEM))
	assert.Equal(t, hex.EncodeToString(digest[:])+strings.Repeat("0", 64), claims.ReportData)

	f.env.Mode = interfaces.PlatformVirtual
	report, err = f.service.GetServiceReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PlatformVirtual, report.Platform)
	assert.Nil(t, report.Report)
}
