package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func TestMemberStore(t *testing.T) {
	ctx := context.Background()
	f := newKeyStoreFixture(t, hostDataA)
	members := NewMemberStore(f.keys, f.env)

	names, err := members.ListMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"member1", "member0"} {
		_, err := members.GenerateSigningKey(ctx, name)
		require.NoError(t, err)
		_, err = members.GenerateEncryptionKey(ctx, name)
		require.NoError(t, err)
	}
	// signing key only, not listed
	_, err = members.GenerateSigningKey(ctx, "pending")
	require.NoError(t, err)

	names, err = members.ListMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"member0", "member1"}, names)

	signing, err := members.GetSigningKey(ctx, "member0")
	require.NoError(t, err)
	released, err := members.ReleaseSigningKey(ctx, "member0")
	require.NoError(t, err)
	assert.Equal(t, signing.SigningCert, released.SigningCert)

	enc, err := members.GetEncryptionKey(ctx, "member1")
	require.NoError(t, err)
	encReleased, err := members.ReleaseEncryptionKey(ctx, "member1")
	require.NoError(t, err)
	assert.Equal(t, enc.EncryptionPublicKey, encReleased.EncryptionPublicKey)

	secret, err := f.store.Get(ctx, "mk-member0-"+hostDataA+"-enc-key")
	require.NoError(t, err)
	assert.Equal(t, "member0", secret.Tags[MemberNameTag])
	assert.Equal(t, MemberKeyType, secret.Tags[KeyTypeTag])
}

func TestMemberStoreScopedByHostData(t *testing.T) {
	ctx := context.Background()
	a := newKeyStoreFixture(t, hostDataA)
	_, err := NewMemberStore(a.keys, a.env).GenerateEncryptionKey(ctx, "member0")
	require.NoError(t, err)

	b := newKeyStoreFixtureWithStore(a.store, hostDataB)
	membersB := NewMemberStore(b.keys, b.env)

	names, err := membersB.ListMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = membersB.GetEncryptionKey(ctx, "member0")
	assert.True(t, interfaces.IsKind(err, interfaces.NotFoundError))
}

func TestMemberStoreRequiresName(t *testing.T) {
	f := newKeyStoreFixture(t, hostDataA)
	_, err := NewMemberStore(f.keys, f.env).GenerateSigningKey(context.Background(), "")
	assert.True(t, interfaces.HasCode(err, interfaces.CodeMemberNameMissing))
}
