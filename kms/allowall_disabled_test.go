//go:build !insecure_virtual

package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
)

func TestAllowAllPolicyStoreUnavailable(t *testing.T) {
	store, err := NewAllowAllPolicyStore(testLogger())
	assert.Nil(t, store)
	assert.ErrorIs(t, err, cryptoutils.ErrVirtualModeUnavailable)
}
