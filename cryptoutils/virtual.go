//go:build insecure_virtual

package cryptoutils

import (
	"context"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

const insecureVirtualHostData = "73973b78d70cc68353426de188db5dfc57e5b766e399935fb73a61127ea26d20"

type virtualEnvironment struct{}

// NewVirtualEnvironment returns an unattested environment for dev/test use.
func NewVirtualEnvironment() (interfaces.Environment, error) {
	return virtualEnvironment{}, nil
}

func (virtualEnvironment) Platform() interfaces.Platform { return interfaces.PlatformVirtual }

func (virtualEnvironment) Attest(_ context.Context, _ [64]byte) (*interfaces.AttestationReport, error) {
	return &interfaces.AttestationReport{}, nil
}

func (virtualEnvironment) HostData(_ context.Context) (string, error) {
	return insecureVirtualHostData, nil
}
