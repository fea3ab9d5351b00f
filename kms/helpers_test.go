package kms

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/internal/attestmock"
	"github.com/ruteri/ccf-recovery-service/storage"
)

var (
	hostDataA = strings.Repeat("ab", 32)
	hostDataB = strings.Repeat("cd", 32)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type keyStoreFixture struct {
	store    *storage.FileBackend
	env      *attestmock.Environment
	verifier *attestmock.Verifier
	keys     *SecretKeyStore
}

func newKeyStoreFixture(t *testing.T, hostData string) *keyStoreFixture {
	t.Helper()
	store, err := storage.NewFileBackend(t.TempDir(), nil, testLogger())
	require.NoError(t, err)
	return newKeyStoreFixtureWithStore(store, hostData)
}

func newKeyStoreFixtureWithStore(store *storage.FileBackend, hostData string) *keyStoreFixture {
	env := attestmock.NewEnvironment(hostData)
	verifier := &attestmock.Verifier{}
	return &keyStoreFixture{
		store:    store,
		env:      env,
		verifier: verifier,
		keys:     NewSecretKeyStore(store, env, verifier, testLogger()),
	}
}
