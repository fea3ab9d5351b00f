package interfaces

import (
	"strings"
)

// Platform identifies the kind of execution environment the service runs in.
type Platform string

const (
	// PlatformSNP is an AMD SEV-SNP confidential VM.
	PlatformSNP Platform = "snp"
	// PlatformVirtual is an unattested development environment.
	PlatformVirtual Platform = "virtual"
)

// AttestationReport is the evidence produced by the local attestation primitive
// for a caller supplied report_data value. All fields are base64 encoded.
type AttestationReport struct {
	// Attestation is the raw hardware attestation report.
	Attestation string `json:"attestation"`
	// PlatformCertificates is the PEM endorsement chain (VCEK, ASK, ARK).
	PlatformCertificates string `json:"platformCertificates"`
	// UvmEndorsements is the COSE_Sign1 endorsement of the measured UVM.
	UvmEndorsements string `json:"uvmEndorsements"`
}

// LedgerAttestation is the ledger-facing encoding of an AttestationReport.
// Field names must match the ledger's wire format bit for bit.
type LedgerAttestation struct {
	Evidence        string `json:"evidence"`
	Endorsements    string `json:"endorsements"`
	UvmEndorsements string `json:"uvm_endorsements"`
}

// ToLedger converts the report to the ledger-facing encoding.
func (r AttestationReport) ToLedger() LedgerAttestation {
	return LedgerAttestation{
		Evidence:        r.Attestation,
		Endorsements:    r.PlatformCertificates,
		UvmEndorsements: r.UvmEndorsements,
	}
}

// ToReport converts the ledger-facing encoding back to an AttestationReport.
func (l LedgerAttestation) ToReport() AttestationReport {
	return AttestationReport{
		Attestation:          l.Evidence,
		PlatformCertificates: l.Endorsements,
		UvmEndorsements:      l.UvmEndorsements,
	}
}

// AttestedKeyPair is a key pair whose public half is bound to an attestation
// report through report_data = sha256(base64(PublicKey)) padded to 64 bytes.
//
// Certificate is set for signing key pairs only.
type AttestedKeyPair struct {
	PublicKey   string             `json:"publicKey"`
	PrivateKey  string             `json:"privateKey"`
	Certificate string             `json:"certificate,omitempty"`
	Report      *AttestationReport `json:"report,omitempty"`
}

// AttestationClaims are the verified claims extracted from attestation evidence.
// Hex values are lowercase.
type AttestationClaims struct {
	HostData    string `json:"host_data"`
	ReportData  string `json:"report_data"`
	Measurement string `json:"measurement"`
	Debuggable  bool   `json:"debuggable"`
}

// NetworkJoinPolicy is the allow-list of trusted host_data values.
type NetworkJoinPolicy struct {
	Snp *SnpJoinPolicy `json:"snp"`
}

// SnpJoinPolicy is the SEV-SNP section of a NetworkJoinPolicy.
type SnpJoinPolicy struct {
	HostData []string `json:"hostData"`
}

// Contains reports whether hostData is in the allow-list, ignoring case.
func (p *NetworkJoinPolicy) Contains(hostData string) bool {
	if p == nil || p.Snp == nil {
		return false
	}
	for _, v := range p.Snp.HostData {
		if strings.EqualFold(v, hostData) {
			return true
		}
	}
	return false
}

// SignedPolicyDocument is the published join policy together with its signatures.
// Policy is base64 of the exact policy JSON bytes that were signed. Signatures maps
// the signer id (sha256 fingerprint of the signer certificate) to a base64 signature.
type SignedPolicyDocument struct {
	Policy     string            `json:"policy"`
	Signatures map[string]string `json:"signatures"`
}

// PolicySigner describes a certificate allowed to sign the network policy.
type PolicySigner struct {
	Certificate string         `json:"certificate"`
	SignerData  map[string]any `json:"signerData,omitempty"`
}

// SecurityPolicy is the published policy and the signers that vouch for it.
type SecurityPolicy struct {
	SignedPolicy *SignedPolicyDocument `json:"signedPolicy,omitempty"`
	Signers      []PolicySigner        `json:"signers"`
}

// SigningKeyInfo is the public view of a signing key.
type SigningKeyInfo struct {
	SigningCert       string            `json:"signingCert"`
	AttestationReport AttestationReport `json:"attestationReport"`
}

// SigningPrivateKeyInfo is the released view of a signing key.
type SigningPrivateKeyInfo struct {
	SigningCert       string            `json:"signingCert"`
	SigningKey        string            `json:"signingKey"`
	AttestationReport AttestationReport `json:"attestationReport"`
}

// EncryptionKeyInfo is the public view of an encryption key.
type EncryptionKeyInfo struct {
	EncryptionPublicKey string            `json:"encryptionPublicKey"`
	AttestationReport   AttestationReport `json:"attestationReport"`
}

// EncryptionPrivateKeyInfo is the released view of an encryption key.
type EncryptionPrivateKeyInfo struct {
	EncryptionPublicKey  string            `json:"encryptionPublicKey"`
	EncryptionPrivateKey string            `json:"encryptionPrivateKey"`
	AttestationReport    AttestationReport `json:"attestationReport"`
}

// KeyListing is a key id together with the tags stored with it.
type KeyListing struct {
	Kid  string
	Tags map[string]string
}

// RecoveryServiceEnvironment describes where a recovery member's keys live.
type RecoveryServiceEnvironment struct {
	HostData string `json:"hostData"`
}

// RecoveryMember is the public identity of a recovery member.
type RecoveryMember struct {
	SigningCert         string                     `json:"signingCert"`
	EncryptionPublicKey string                     `json:"encryptionPublicKey"`
	RecoveryService     RecoveryServiceEnvironment `json:"recoveryService"`
}

// ReportAndSigningCert pairs a signing certificate with the evidence of its creation.
type ReportAndSigningCert struct {
	Report      AttestationReport `json:"report"`
	SigningCert string            `json:"signingCert"`
}

// ReportAndEncKey pairs an encryption key with the evidence of its creation.
type ReportAndEncKey struct {
	Report              AttestationReport `json:"report"`
	EncryptionPublicKey string            `json:"encryptionPublicKey"`
}

// RecoveryMemberReport carries the attestation evidence for both member keys.
type RecoveryMemberReport struct {
	SigningKeyReport    ReportAndSigningCert `json:"signingKeyReport"`
	EncryptionKeyReport ReportAndEncKey      `json:"encryptionKeyReport"`
}

// RecoveryServiceReport is the self-report served on GET /report.
type RecoveryServiceReport struct {
	Platform    Platform           `json:"platform"`
	Report      *AttestationReport `json:"report,omitempty"`
	ServiceCert string             `json:"serviceCert"`
	HostData    string             `json:"hostData,omitempty"`
}

// AgentEndpoint is a discovered recovery agent.
type AgentEndpoint struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// RecoveryAgent is a recovery agent whose self-signed service certificate is known.
type RecoveryAgent struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	ServiceCert string `json:"serviceCert"`
}

// RecoveryAgentReport is the self-report of one recovery agent.
type RecoveryAgentReport struct {
	Name     string         `json:"name"`
	Endpoint string         `json:"endpoint"`
	Report   map[string]any `json:"report"`
}

// RecoveryServiceConfig tells an agent where to reach the recovery service.
type RecoveryServiceConfig struct {
	Endpoint    string `json:"endpoint"`
	ServiceCert string `json:"serviceCert,omitempty"`
}

// AgentConfig is the agent-specific configuration carried in recovery requests.
type AgentConfig struct {
	RecoveryService *RecoveryServiceConfig `json:"recoveryService,omitempty"`
}

// AgentRequest is the payload of every recovery-namespace envelope.
type AgentRequest struct {
	MemberName  string       `json:"memberName,omitempty"`
	AgentConfig *AgentConfig `json:"agentConfig,omitempty"`
	// JoinPolicy is only set for set_network_join_policy requests.
	JoinPolicy *NetworkJoinPolicy `json:"joinPolicy,omitempty"`
}
