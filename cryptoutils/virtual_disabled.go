//go:build !insecure_virtual

package cryptoutils

import "github.com/ruteri/ccf-recovery-service/interfaces"

// NewVirtualEnvironment is only available in binaries built with -tags insecure_virtual.
func NewVirtualEnvironment() (interfaces.Environment, error) {
	return nil, ErrVirtualModeUnavailable
}
