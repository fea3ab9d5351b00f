//go:build insecure_virtual

package kms

import (
	"context"
	"log/slog"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

const allowAllHostData = "73973b78d70cc68353426de188db5dfc57e5b766e399935fb73a61127ea26d20"

// AllowAllPolicyStore serves a fixed single-entry policy for insecure
// deployments. The policy can not be changed.
type AllowAllPolicyStore struct {
	policy *interfaces.NetworkJoinPolicy
}

func NewAllowAllPolicyStore(log *slog.Logger) (interfaces.PolicyStore, error) {
	log.Info("using allow all network join policy", "hostData", allowAllHostData)
	return &AllowAllPolicyStore{
		policy: &interfaces.NetworkJoinPolicy{Snp: &interfaces.SnpJoinPolicy{HostData: []string{allowAllHostData}}},
	}, nil
}

func (s *AllowAllPolicyStore) GetNetworkJoinPolicy(context.Context) (*interfaces.NetworkJoinPolicy, error) {
	return s.policy, nil
}

func (s *AllowAllPolicyStore) SetNetworkJoinPolicy(context.Context, *interfaces.NetworkJoinPolicy) error {
	return interfaces.NewError(interfaces.NotSupportedError, interfaces.CodeNotSupported,
		"SetNetworkJoinPolicy is not supported when using allow all policy")
}

func (s *AllowAllPolicyStore) GetSecurityPolicy(context.Context) (*interfaces.SecurityPolicy, error) {
	return &interfaces.SecurityPolicy{Signers: []interfaces.PolicySigner{}}, nil
}
