package recoveryhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/cose"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/internal/attestmock"
	"github.com/ruteri/ccf-recovery-service/kms"
	"github.com/ruteri/ccf-recovery-service/recovery"
	"github.com/ruteri/ccf-recovery-service/storage"
)

var (
	serviceHostData = strings.Repeat("11", 32)
	agentHostData   = strings.Repeat("22", 32)
	otherHostData   = strings.Repeat("33", 32)
)

type testSetup struct {
	server   *httptest.Server
	client   *Client
	certPath string
}

func setupTest(t *testing.T) *testSetup {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := attestmock.NewEnvironment(serviceHostData)
	verifier := &attestmock.Verifier{}

	store, err := storage.NewFileBackend(t.TempDir(), nil, log)
	require.NoError(t, err)
	keys := kms.NewSecretKeyStore(store, env, verifier, log)

	initial, err := json.Marshal(interfaces.NetworkJoinPolicy{Snp: &interfaces.SnpJoinPolicy{HostData: []string{agentHostData}}})
	require.NoError(t, err)
	policies, err := kms.NewSignedPolicyStore(store, keys, env, base64.StdEncoding.EncodeToString(initial), log)
	require.NoError(t, err)

	certPath := t.TempDir() + "/service-cert.pem"
	service := recovery.NewService(kms.NewMemberStore(keys, env), policies, env, certPath, nil, log)
	handler := NewHandler(service, recovery.NewRequestVerifier(verifier, policies, nil, log), policies, log)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	agentKeys := cryptoutils.NewAttestedKeyPairSource(attestmock.NewEnvironment(agentHostData), cryptoutils.KeyKindRSA)
	return &testSetup{
		server:   server,
		client:   NewClient(server.URL, server.Client(), agentKeys),
		certPath: certPath,
	}
}

func TestMemberLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTest(t)

	members, err := s.client.GetMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = s.client.GetMember(ctx, "member0")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeMemberNotFound), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.NotFoundError))

	member, err := s.client.GenerateMember(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, serviceHostData, member.RecoveryService.HostData)

	got, err := s.client.GetMember(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, member, got)

	members, err = s.client.GetMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"member0"}, members)

	report, err := s.client.GetMemberReport(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, member.SigningCert, report.SigningKeyReport.SigningCert)

	message, err := s.client.GenerateStateDigestMessage(ctx, "member0")
	require.NoError(t, err)
	ok, err := cose.Verify(message, member.SigningCert)
	require.NoError(t, err)
	assert.True(t, ok)

	ack, err := s.client.GenerateStateDigestAckMessage(ctx, "member0", json.RawMessage(`{"digest":"00"}`))
	require.NoError(t, err)
	decoded, err := cose.Decode(ack)
	require.NoError(t, err)
	assert.Equal(t, `{"digest":"00"}`, string(decoded.Payload))

	ciphertext, err := cryptoutils.EncryptRSAOAEP([]byte("share"), member.EncryptionPublicKey, cryptoutils.HashSHA256)
	require.NoError(t, err)
	shareMessage, err := s.client.GenerateRecoveryShareMessage(ctx, "member0", &recovery.EncryptedShare{
		EncryptedShare: base64.StdEncoding.EncodeToString(ciphertext),
	})
	require.NoError(t, err)
	decoded, err = cose.Decode(shareMessage)
	require.NoError(t, err)
	assert.JSONEq(t, `{"share":"`+base64.StdEncoding.EncodeToString([]byte("share"))+`"}`, string(decoded.Payload))
}

func TestJoinPolicyRoutes(t *testing.T) {
	ctx := context.Background()
	s := setupTest(t)

	policy, err := s.client.GetNetworkJoinPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{agentHostData}, policy.Snp.HostData)

	security, err := s.client.GetSecurityPolicy(ctx)
	require.NoError(t, err)
	assert.Empty(t, security.Signers)

	err = s.client.SetNetworkJoinPolicy(ctx, &interfaces.NetworkJoinPolicy{
		Snp: &interfaces.SnpJoinPolicy{HostData: []string{otherHostData}},
	})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeCannotRemoveSelf), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.ValidationError))

	err = s.client.SetNetworkJoinPolicy(ctx, &interfaces.NetworkJoinPolicy{
		Snp: &interfaces.SnpJoinPolicy{HostData: []string{agentHostData, "abc"}},
	})
	assert.True(t, interfaces.HasCode(err, interfaces.CodeInvalidHostData), "got %v", err)

	updated := &interfaces.NetworkJoinPolicy{Snp: &interfaces.SnpJoinPolicy{HostData: []string{agentHostData, otherHostData}}}
	require.NoError(t, s.client.SetNetworkJoinPolicy(ctx, updated))

	policy, err = s.client.GetNetworkJoinPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, updated, policy)

	security, err = s.client.GetSecurityPolicy(ctx)
	require.NoError(t, err)
	require.Len(t, security.Signers, 1)
	require.Len(t, security.SignedPolicy.Signatures, 1)
}

func TestUnattestedCallerRejected(t *testing.T) {
	ctx := context.Background()
	s := setupTest(t)

	outsider := NewClient(s.server.URL, s.server.Client(),
		cryptoutils.NewAttestedKeyPairSource(attestmock.NewEnvironment(otherHostData), cryptoutils.KeyKindRSA))
	_, err := outsider.GenerateMember(ctx, "member0")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeHostDataMismatch), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.VerificationError))

	resp, err := http.Post(s.server.URL+"/members/generate", "application/json", bytes.NewReader([]byte(`{"data":"e30="}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, interfaces.CodeAttestationMissing, body["code"])

	members, err := s.client.GetMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestReportRoute(t *testing.T) {
	ctx := context.Background()
	s := setupTest(t)

	_, err := s.client.GetReport(ctx)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeServiceCertNotFound), "got %v", err)
	assert.True(t, interfaces.IsKind(err, interfaces.UnavailableError))

	certPEM, _, err := cryptoutils.NewSelfSignedServiceCert("recovery")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.certPath, []byte(certPEM), 0o600))

	report, err := s.client.GetReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PlatformSNP, report.Platform)
	assert.Equal(t, certPEM, report.ServiceCert)
	assert.NotNil(t, report.Report)
}

func TestPinnedHTTPClient(t *testing.T) {
	ctx := context.Background()
	router := chi.NewRouter()
	router.Get("/members", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["member0"]`))
	})
	server := httptest.NewTLSServer(router)
	defer server.Close()

	pinnedCert := string(pemEncode(server.Certificate().Raw))
	httpClient, err := NewHTTPClient(pinnedCert)
	require.NoError(t, err)
	members, err := NewClient(server.URL, httpClient, nil).GetMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"member0"}, members)

	otherCert, _, err := cryptoutils.NewSelfSignedServiceCert("other")
	require.NoError(t, err)
	httpClient, err = NewHTTPClient(otherCert)
	require.NoError(t, err)
	_, err = NewClient(server.URL, httpClient, nil).GetMembers(ctx)
	assert.ErrorIs(t, err, cryptoutils.ErrCertificateNotPinned)
}

func pemEncode(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
