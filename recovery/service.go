// Package recovery implements the recovery service: member key custody and the
// governance messages those keys sign on behalf of a ledger network.
package recovery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ruteri/ccf-recovery-service/cose"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/kms"
	"github.com/ruteri/ccf-recovery-service/metrics"
)

const DefaultServiceCertPath = "/app/service/service-cert.pem"

// MemberRequest names the member an attested call acts for.
type MemberRequest struct {
	MemberName string `json:"memberName"`
}

type StateDigestAckRequest struct {
	MemberName  string          `json:"memberName"`
	StateDigest json.RawMessage `json:"stateDigest"`
}

// EncryptedShare is the ledger's response for a member's encrypted recovery share.
type EncryptedShare struct {
	EncryptedShare string `json:"encryptedShare"`
}

type RecoveryShareRequest struct {
	MemberName     string          `json:"memberName"`
	EncryptedShare *EncryptedShare `json:"encryptedShare"`
}

type JoinPolicyRequest struct {
	JoinPolicy *interfaces.NetworkJoinPolicy `json:"joinPolicy"`
}

type Service struct {
	members         interfaces.MemberStore
	policies        interfaces.PolicyStore
	env             interfaces.Environment
	serviceCertPath string
	metrics         *metrics.Recovery
	log             *slog.Logger
}

func NewService(members interfaces.MemberStore, policies interfaces.PolicyStore, env interfaces.Environment, serviceCertPath string, m *metrics.Recovery, log *slog.Logger) *Service {
	if serviceCertPath == "" {
		serviceCertPath = DefaultServiceCertPath
	}
	return &Service{
		members:         members,
		policies:        policies,
		env:             env,
		serviceCertPath: serviceCertPath,
		metrics:         m,
		log:             log,
	}
}

func (s *Service) GenerateMember(ctx context.Context, memberName string) (*interfaces.RecoveryMember, error) {
	if err := requireMemberName(memberName); err != nil {
		return nil, err
	}
	s.log.Info("generating member", "member", memberName)

	signing, err := s.members.GenerateSigningKey(ctx, memberName)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyGenerated("signing")
	enc, err := s.members.GenerateEncryptionKey(ctx, memberName)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyGenerated("encryption")

	return s.member(ctx, signing.SigningCert, enc.EncryptionPublicKey)
}

func (s *Service) GetMember(ctx context.Context, memberName string) (*interfaces.RecoveryMember, error) {
	signing, enc, err := s.memberKeys(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.member(ctx, signing.SigningCert, enc.EncryptionPublicKey)
}

func (s *Service) GetMembers(ctx context.Context) ([]string, error) {
	return s.members.ListMembers(ctx)
}

func (s *Service) GetMemberReport(ctx context.Context, memberName string) (*interfaces.RecoveryMemberReport, error) {
	signing, enc, err := s.memberKeys(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return &interfaces.RecoveryMemberReport{
		SigningKeyReport: interfaces.ReportAndSigningCert{
			Report:      signing.AttestationReport,
			SigningCert: signing.SigningCert,
		},
		EncryptionKeyReport: interfaces.ReportAndEncKey{
			Report:              enc.AttestationReport,
			EncryptionPublicKey: enc.EncryptionPublicKey,
		},
	}, nil
}

// GenerateStateDigestMessage returns a governance state_digest request signed
// by the member's signing key.
func (s *Service) GenerateStateDigestMessage(ctx context.Context, memberName string) ([]byte, error) {
	if err := requireMemberName(memberName); err != nil {
		return nil, err
	}
	s.log.Info("generating state digest message", "member", memberName)

	signer, err := s.memberSigner(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return cose.CreateGovMessage(signer, cose.GovStateDigest, nil, "")
}

// GenerateStateDigestAckMessage acknowledges the state digest returned by the ledger.
func (s *Service) GenerateStateDigestAckMessage(ctx context.Context, memberName string, stateDigest json.RawMessage) ([]byte, error) {
	if err := requireMemberName(memberName); err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	if len(stateDigest) == 0 || stateDigest[0] != '{' || json.Compact(&payload, stateDigest) != nil {
		return nil, interfaces.NewError(interfaces.ValidationError, interfaces.CodeStateDigestMissing,
			"stateDigest input must be supplied.")
	}
	s.log.Info("generating state digest ack message", "member", memberName)

	signer, err := s.memberSigner(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return cose.CreateGovMessage(signer, cose.GovAck, payload.Bytes(), "")
}

// GenerateRecoveryShareMessage decrypts the member's share of the ledger
// recovery secret and wraps it in a signed recovery_share message.
func (s *Service) GenerateRecoveryShareMessage(ctx context.Context, memberName string, share *EncryptedShare) ([]byte, error) {
	if err := requireMemberName(memberName); err != nil {
		return nil, err
	}
	if share == nil || share.EncryptedShare == "" {
		return nil, interfaces.NewError(interfaces.ValidationError, interfaces.CodeEncryptedShareMissing,
			"encryptedShare input must be supplied.")
	}
	s.log.Info("generating recovery share message", "member", memberName)

	enc, err := s.members.ReleaseEncryptionKey(ctx, memberName)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyReleased("encryption")
	signer, err := s.memberSigner(ctx, memberName)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(share.EncryptedShare)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err,
			"encryptedShare is not base64")
	}
	plainShare, err := cryptoutils.DecryptRSAOAEP(ciphertext, enc.EncryptionPrivateKey, cryptoutils.HashSHA256)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err,
			"encryptedShare could not be decrypted with the member's key")
	}

	payload, err := json.Marshal(map[string]string{"share": base64.StdEncoding.EncodeToString(plainShare)})
	if err != nil {
		return nil, err
	}
	return cose.CreateGovMessage(signer, cose.GovRecoveryShare, payload, "")
}

// SetNetworkJoinPolicy publishes policy on behalf of an attested caller. The
// caller's own host data must remain in the policy.
func (s *Service) SetNetworkJoinPolicy(ctx context.Context, caller *AttestedCaller, policy *interfaces.NetworkJoinPolicy) (err error) {
	defer func() { s.metrics.PolicyPublished(err) }()

	if err := kms.ValidateJoinPolicy(policy); err != nil {
		return err
	}
	if !policy.Contains(caller.HostData) {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeCannotRemoveSelf,
			"incoming join policy does not include the calling agent's hostData value %s", caller.HostData)
	}
	return s.policies.SetNetworkJoinPolicy(ctx, policy)
}

func (s *Service) GetServiceReport(ctx context.Context) (*interfaces.RecoveryServiceReport, error) {
	serviceCert, err := os.ReadFile(s.serviceCertPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.WrapError(interfaces.UnavailableError, interfaces.CodeServiceCertNotFound, err,
			"Could not locate the service certificate for this service.")
	}
	if err != nil {
		return nil, fmt.Errorf("reading service certificate: %w", err)
	}

	hostData, err := s.env.HostData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host data: %w", err)
	}

	report := &interfaces.RecoveryServiceReport{
		Platform:    s.env.Platform(),
		ServiceCert: string(serviceCert),
		HostData:    hostData,
	}
	if report.Platform == interfaces.PlatformSNP {
		digest := sha256.Sum256(serviceCert)
		evidence, err := s.env.Attest(ctx, cryptoutils.ReportDataForDigest(digest[:]))
		if err != nil {
			return nil, fmt.Errorf("attesting service certificate: %w", err)
		}
		report.Report = evidence
	}
	return report, nil
}

func (s *Service) member(ctx context.Context, signingCert, encryptionPublicKey string) (*interfaces.RecoveryMember, error) {
	hostData, err := s.env.HostData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host data: %w", err)
	}
	return &interfaces.RecoveryMember{
		SigningCert:         signingCert,
		EncryptionPublicKey: encryptionPublicKey,
		RecoveryService:     interfaces.RecoveryServiceEnvironment{HostData: hostData},
	}, nil
}

// memberKeys returns both public key views or MemberNotFound when either is missing.
func (s *Service) memberKeys(ctx context.Context, memberName string) (*interfaces.SigningKeyInfo, *interfaces.EncryptionKeyInfo, error) {
	signing, err := s.members.GetSigningKey(ctx, memberName)
	if err != nil {
		return nil, nil, memberNotFound(memberName, err)
	}
	enc, err := s.members.GetEncryptionKey(ctx, memberName)
	if err != nil {
		return nil, nil, memberNotFound(memberName, err)
	}
	return signing, enc, nil
}

func (s *Service) memberSigner(ctx context.Context, memberName string) (*cose.Signer, error) {
	signing, err := s.members.ReleaseSigningKey(ctx, memberName)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyReleased("signing")
	signer, err := cose.NewSigner(signing.SigningCert, signing.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("loading signing key of member %s: %w", memberName, err)
	}
	return signer, nil
}

func memberNotFound(memberName string, err error) error {
	if interfaces.IsKind(err, interfaces.NotFoundError) || interfaces.IsKind(err, interfaces.ValidationError) {
		return interfaces.WrapError(interfaces.NotFoundError, interfaces.CodeMemberNotFound, err,
			"Member %s was not found.", memberName)
	}
	return err
}

func requireMemberName(memberName string) error {
	if memberName == "" {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeMemberNameMissing,
			"memberName input must be supplied.")
	}
	return nil
}
