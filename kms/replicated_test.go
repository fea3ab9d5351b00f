package kms

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/internal/attestmock"
	"github.com/ruteri/ccf-recovery-service/retry"
	"github.com/ruteri/ccf-recovery-service/storage"
)

// flakyStore is a secret store that can be switched off.
type flakyStore struct {
	interfaces.SecretStore
	down atomic.Bool
}

func (f *flakyStore) Available(ctx context.Context) bool {
	return !f.down.Load() && f.SecretStore.Available(ctx)
}

func (f *flakyStore) err() error {
	return fmt.Errorf("%w: switched off", interfaces.ErrBackendUnavailable)
}

func (f *flakyStore) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.SecretStore.Get(ctx, name)
}

func (f *flakyStore) Create(ctx context.Context, secret *interfaces.Secret) error {
	if f.down.Load() {
		return f.err()
	}
	return f.SecretStore.Create(ctx, secret)
}

func (f *flakyStore) Set(ctx context.Context, secret *interfaces.Secret) error {
	if f.down.Load() {
		return f.err()
	}
	return f.SecretStore.Set(ctx, secret)
}

func TestGenerateAcrossPrimaryOutage(t *testing.T) {
	ctx := context.Background()
	newFile := func() *storage.FileBackend {
		fb, err := storage.NewFileBackend(t.TempDir(), nil, testLogger())
		require.NoError(t, err)
		return fb
	}
	primary := &flakyStore{SecretStore: newFile()}
	replica := newFile()
	store := storage.NewReplicatedBackend([]interfaces.SecretStore{primary, replica}, testLogger())

	env := attestmock.NewEnvironment(hostDataA)
	keys := NewSecretKeyStore(store, env, &attestmock.Verifier{}, testLogger()).
		WithRetryOptions(retry.WithMaxRetries(1), retry.WithDelay(time.Millisecond, time.Millisecond))

	t.Run("primary down before first generate", func(t *testing.T) {
		primary.down.Store(true)
		_, err := keys.GenerateSigningKey(ctx, "early", MemberKeyType, nil)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)

		_, err = replica.Get(ctx, signingKeyName("early"))
		assert.ErrorIs(t, err, interfaces.ErrSecretNotFound, "nothing may be created on a replica")
		primary.down.Store(false)
	})

	t.Run("generate is stable across an outage", func(t *testing.T) {
		first, err := keys.GenerateSigningKey(ctx, "member0", MemberKeyType, nil)
		require.NoError(t, err)
		attests := env.Attests.Load()

		primary.down.Store(true)
		second, err := keys.GenerateSigningKey(ctx, "member0", MemberKeyType, nil)
		require.NoError(t, err, "served from the replica")
		assert.Equal(t, first.SigningCert, second.SigningCert)

		primary.down.Store(false)
		third, err := keys.GenerateSigningKey(ctx, "member0", MemberKeyType, nil)
		require.NoError(t, err)
		assert.Equal(t, first.SigningCert, third.SigningCert)
		assert.Equal(t, attests, env.Attests.Load(), "no second key may be generated")
	})
}
