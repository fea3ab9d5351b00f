package recovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/internal/attestmock"
	"github.com/ruteri/ccf-recovery-service/kms"
	"github.com/ruteri/ccf-recovery-service/metrics"
	"github.com/ruteri/ccf-recovery-service/storage"
)

var (
	serviceHostData = strings.Repeat("11", 32)
	agentHostData   = strings.Repeat("22", 32)
	otherHostData   = strings.Repeat("33", 32)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	env      *attestmock.Environment
	store    *storage.FileBackend
	policies *kms.SignedPolicyStore
	service  *Service
	verifier *RequestVerifier
	certPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()
	env := attestmock.NewEnvironment(serviceHostData)

	store, err := storage.NewFileBackend(t.TempDir(), nil, log)
	require.NoError(t, err)
	keys := kms.NewSecretKeyStore(store, env, &attestmock.Verifier{}, log)

	initial, err := json.Marshal(interfaces.NetworkJoinPolicy{Snp: &interfaces.SnpJoinPolicy{HostData: []string{agentHostData}}})
	require.NoError(t, err)
	policies, err := kms.NewSignedPolicyStore(store, keys, env, base64.StdEncoding.EncodeToString(initial), log)
	require.NoError(t, err)

	m := metrics.NewRecovery(prometheus.NewRegistry(), "test")
	certPath := t.TempDir() + "/service-cert.pem"
	return &fixture{
		env:      env,
		store:    store,
		policies: policies,
		service:  NewService(kms.NewMemberStore(keys, env), policies, env, certPath, m, log),
		verifier: NewRequestVerifier(&attestmock.Verifier{}, policies, m, log),
		certPath: certPath,
	}
}

// agentKeyPair returns an attested RSA key pair of a caller running with hostData.
func agentKeyPair(t *testing.T, hostData string, debug bool) *interfaces.AttestedKeyPair {
	t.Helper()
	env := attestmock.NewEnvironment(hostData)
	env.Debug = debug
	kp, err := cryptoutils.GenerateKeyPairAndReport(context.Background(), env, cryptoutils.KeyKindRSA)
	require.NoError(t, err)
	return kp
}

type nilPolicyStore struct{}

func (nilPolicyStore) GetNetworkJoinPolicy(context.Context) (*interfaces.NetworkJoinPolicy, error) {
	return nil, nil
}

func (nilPolicyStore) SetNetworkJoinPolicy(context.Context, *interfaces.NetworkJoinPolicy) error {
	return nil
}

func (nilPolicyStore) GetSecurityPolicy(context.Context) (*interfaces.SecurityPolicy, error) {
	return &interfaces.SecurityPolicy{}, nil
}
