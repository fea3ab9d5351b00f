package kms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func TestSigningKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)

	first, err := f.keys.GenerateSigningKey(ctx, "alice", MemberKeyType, map[string]string{MemberNameTag: "alice"})
	require.NoError(t, err)
	second, err := f.keys.GenerateSigningKey(ctx, "alice", MemberKeyType, nil)
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, int32(1), f.env.Attests.Load(), "second generate must not create a key")

	got, err := f.keys.GetSigningKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.SigningCert, got.SigningCert)

	released, err := f.keys.ReleaseSigningKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.SigningCert, released.SigningCert)

	// the released private key matches the certificate
	signature, err := cryptoutils.SignDataECDSA([]byte("hello"), released.SigningKey)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyDataECDSA([]byte("hello"), signature, released.SigningCert))

	// release is repeatable
	again, err := f.keys.ReleaseSigningKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, released.SigningKey, again.SigningKey)

	// the evidence is bound to the certificate's public key
	pub, err := cryptoutils.CertificatePublicKeyPEM(released.SigningCert)
	require.NoError(t, err)
	claims, err := f.verifier.Verify(ctx, &released.AttestationReport)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyReportDataBinding(claims, pub))

	secret, err := f.store.Get(ctx, "alice-signing-key")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		KeyIDTag:      "alice",
		KeyTypeTag:    MemberKeyType,
		HostDataTag:   hostDataA,
		MemberNameTag: "alice",
	}, secret.Tags)
}

func TestEncryptionKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)

	info, err := f.keys.GenerateEncryptionKey(ctx, "alice", MemberKeyType, nil)
	require.NoError(t, err)
	again, err := f.keys.GenerateEncryptionKey(ctx, "alice", MemberKeyType, nil)
	require.NoError(t, err)
	assert.Equal(t, info, again)

	got, err := f.keys.GetEncryptionKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, info.EncryptionPublicKey, got.EncryptionPublicKey)

	released, err := f.keys.ReleaseEncryptionKey(ctx, "alice")
	require.NoError(t, err)

	wrapped, err := cryptoutils.WrapRsaOaepAesKwp([]byte("share"), info.EncryptionPublicKey)
	require.NoError(t, err)
	plain, err := cryptoutils.UnwrapRsaOaepAesKwp(wrapped, released.EncryptionPrivateKey, cryptoutils.HashSHA256)
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), plain)

	// a signing key with the same kid is independent
	_, err = f.keys.GetSigningKey(ctx, "alice")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeSigningKeyNotFound))
}

func TestKeyNotFound(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)

	_, err := f.keys.GetSigningKey(ctx, "nobody")
	assert.True(t, interfaces.IsKind(err, interfaces.NotFoundError))
	assert.True(t, interfaces.HasCode(err, interfaces.CodeSigningKeyNotFound))

	_, err = f.keys.ReleaseSigningKey(ctx, "nobody")
	assert.True(t, interfaces.IsKind(err, interfaces.NotFoundError))

	_, err = f.keys.GetEncryptionKey(ctx, "nobody")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeEncryptionKeyNotFound))

	_, err = f.keys.ReleaseEncryptionKey(ctx, "nobody")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeEncryptionKeyNotFound))

	_, err = f.keys.GetSigningKey(ctx, "../escape")
	assert.True(t, interfaces.IsKind(err, interfaces.ValidationError))
}

func TestKeyVerificationOnRead(t *testing.T) {
	ctx := context.Background()

	t.Run("host data changed", func(t *testing.T) {
		f := newKeyStoreFixture(t, hostDataA)
		_, err := f.keys.GenerateSigningKey(ctx, "k", MemberKeyType, nil)
		require.NoError(t, err)

		other := newKeyStoreFixtureWithStore(f.store, hostDataB)
		_, err = other.keys.GetSigningKey(ctx, "k")
		assert.True(t, interfaces.HasCode(err, interfaces.CodeHostDataMismatch), "got %v", err)
		assert.True(t, interfaces.IsKind(err, interfaces.VerificationError))
	})

	t.Run("debuggable environment", func(t *testing.T) {
		f := newKeyStoreFixture(t, hostDataA)
		f.env.Debug = true
		_, err := f.keys.GenerateEncryptionKey(ctx, "k", MemberKeyType, nil)
		assert.True(t, interfaces.HasCode(err, interfaces.CodeTeeDebugModeEnabled), "got %v", err)
	})

	t.Run("report swapped for another key", func(t *testing.T) {
		f := newKeyStoreFixture(t, hostDataA)
		a, err := f.keys.GenerateEncryptionKey(ctx, "a", MemberKeyType, nil)
		require.NoError(t, err)
		b, err := f.keys.GenerateEncryptionKey(ctx, "b", MemberKeyType, nil)
		require.NoError(t, err)

		reportB, err := f.store.Get(ctx, reportSecretPrefix+fingerprintPublicKey(b.EncryptionPublicKey))
		require.NoError(t, err)
		reportB.Name = reportSecretPrefix + fingerprintPublicKey(a.EncryptionPublicKey)
		require.NoError(t, f.store.Set(ctx, reportB))

		_, err = f.keys.ReleaseEncryptionKey(ctx, "a")
		assert.True(t, interfaces.HasCode(err, interfaces.CodeReportDataMismatch), "got %v", err)
	})

	t.Run("unverifiable evidence", func(t *testing.T) {
		f := newKeyStoreFixture(t, hostDataA)
		info, err := f.keys.GenerateSigningKey(ctx, "k", MemberKeyType, nil)
		require.NoError(t, err)
		pub, err := cryptoutils.CertificatePublicKeyPEM(info.SigningCert)
		require.NoError(t, err)

		require.NoError(t, f.store.Set(ctx, &interfaces.Secret{
			Name:  reportSecretPrefix + fingerprintPublicKey(pub),
			Value: []byte(`{"attestation":"","platformCertificates":"","uvmEndorsements":""}`),
		}))
		_, err = f.keys.GetSigningKey(ctx, "k")
		assert.True(t, interfaces.HasCode(err, interfaces.CodeVerifySnpAttestationFailed), "got %v", err)
	})

	t.Run("virtual platform skips verification", func(t *testing.T) {
		f := newKeyStoreFixture(t, hostDataA)
		f.env.Mode = interfaces.PlatformVirtual
		_, err := f.keys.GenerateSigningKey(ctx, "k", MemberKeyType, nil)
		require.NoError(t, err)
		assert.Zero(t, f.verifier.Calls.Load())
	})
}

func TestConcurrentGenerateConverges(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)

	const callers = 8
	certs := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := f.keys.GenerateSigningKey(ctx, "contended", MemberKeyType, nil)
			errs[i] = err
			if err == nil {
				certs[i] = info.SigningCert
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, certs[0], certs[i])
	}
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)

	_, err := f.keys.GenerateSigningKey(ctx, "m1", MemberKeyType, nil)
	require.NoError(t, err)
	_, err = f.keys.GenerateEncryptionKey(ctx, "m1", MemberKeyType, nil)
	require.NoError(t, err)
	_, err = f.keys.GenerateSigningKey(ctx, "m2", MemberKeyType, nil)
	require.NoError(t, err)
	_, err = f.keys.GenerateSigningKey(ctx, "signer", PolicySignerKeyType, nil)
	require.NoError(t, err)

	keys, err := f.keys.ListKeys(ctx, MemberKeyType)
	require.NoError(t, err)
	var kids []string
	for _, k := range keys {
		kids = append(kids, k.Kid)
	}
	assert.ElementsMatch(t, []string{"m1", "m2"}, kids)

	enc, err := f.keys.ListEncryptionKeys(ctx, MemberKeyType)
	require.NoError(t, err)
	require.Len(t, enc, 1)
	assert.Equal(t, "m1", enc[0].Kid)

	signers, err := f.keys.ListKeys(ctx, PolicySignerKeyType)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, "signer", signers[0].Kid)
}
