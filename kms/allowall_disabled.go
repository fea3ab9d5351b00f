//go:build !insecure_virtual

package kms

import (
	"log/slog"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// NewAllowAllPolicyStore is only available in binaries built with -tags insecure_virtual.
func NewAllowAllPolicyStore(*slog.Logger) (interfaces.PolicyStore, error) {
	return nil, cryptoutils.ErrVirtualModeUnavailable
}
