//go:build insecure_virtual

package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func TestAllowAllPolicyStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewAllowAllPolicyStore(testLogger())
	require.NoError(t, err)

	policy, err := store.GetNetworkJoinPolicy(ctx)
	require.NoError(t, err)
	require.NoError(t, ValidateJoinPolicy(policy))
	assert.Equal(t, []string{allowAllHostData}, policy.Snp.HostData)

	err = store.SetNetworkJoinPolicy(ctx, policy)
	assert.True(t, interfaces.HasCode(err, interfaces.CodeNotSupported))

	security, err := store.GetSecurityPolicy(ctx)
	require.NoError(t, err)
	assert.Empty(t, security.Signers)
}
