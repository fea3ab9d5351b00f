//go:build !insecure_virtual

package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVirtualEnvironmentUnavailable(t *testing.T) {
	env, err := NewVirtualEnvironment()
	assert.Nil(t, env)
	assert.ErrorIs(t, err, ErrVirtualModeUnavailable)
}
