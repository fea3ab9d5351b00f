package interfaces

import "context"

// AttestationProvider requests hardware evidence for a report_data value.
type AttestationProvider interface {
	// Platform returns the platform the evidence is produced for.
	Platform() Platform

	// Attest returns evidence binding reportData to the running environment.
	Attest(ctx context.Context, reportData [64]byte) (*AttestationReport, error)
}

// HostDataProvider returns the host_data fingerprint of the running environment.
type HostDataProvider interface {
	HostData(ctx context.Context) (string, error)
}

// Environment is the attestation primitive of the running environment.
type Environment interface {
	AttestationProvider
	HostDataProvider
}

// EvidenceVerifier verifies attestation evidence and extracts its claims.
type EvidenceVerifier interface {
	Verify(ctx context.Context, report *AttestationReport) (*AttestationClaims, error)
}

// AgentResolver discovers the recovery agents of a ledger network.
type AgentResolver interface {
	RecoveryAgents(ctx context.Context, network string) ([]AgentEndpoint, error)
}
