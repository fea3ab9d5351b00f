package kms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/retry"
)

const (
	PolicySignerKeyType    = "policy-signer-key"
	policySignerNameFmt    = "psk-ccf-policy-signer-%s"
	signedPolicySecretFmt  = "sps-ccf-network-policy-%s"
	expectedSignatureCount = 1
)

// SignedPolicyStore publishes the network join policy signed by a dedicated
// policy signer key. The published document is re-verified on every read so
// that a document altered directly in the backing store is rejected.
type SignedPolicyStore struct {
	store    interfaces.SecretStore
	keys     interfaces.KeyStore
	hostData interfaces.HostDataProvider
	initial  *interfaces.NetworkJoinPolicy
	log      *slog.Logger
}

// NewSignedPolicyStore creates the store with a bootstrap policy given as
// base64 encoded JSON. The bootstrap policy is returned until one is published.
func NewSignedPolicyStore(store interfaces.SecretStore, keys interfaces.KeyStore, hostData interfaces.HostDataProvider, encodedInitialPolicy string, log *slog.Logger) (*SignedPolicyStore, error) {
	if encodedInitialPolicy == "" {
		return nil, interfaces.NewError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid,
			"initial network join policy must be set")
	}
	raw, err := base64.StdEncoding.DecodeString(encodedInitialPolicy)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, err,
			"initial network join policy is not base64")
	}
	if err := ValidateJoinPolicyJSON(raw); err != nil {
		return nil, interfaces.WrapError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, err,
			"initial network join policy is invalid")
	}
	var initial interfaces.NetworkJoinPolicy
	if err := json.Unmarshal(raw, &initial); err != nil {
		return nil, interfaces.WrapError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, err,
			"decoding initial network join policy")
	}

	return &SignedPolicyStore{
		store:    store,
		keys:     keys,
		hostData: hostData,
		initial:  &initial,
		log:      log,
	}, nil
}

func (s *SignedPolicyStore) SetNetworkJoinPolicy(ctx context.Context, policy *interfaces.NetworkJoinPolicy) error {
	if err := ValidateJoinPolicy(policy); err != nil {
		return err
	}
	policyBytes, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	s.log.Info("setting network join policy", "policy", string(policyBytes))

	signerName, err := s.scopedName(ctx, policySignerNameFmt)
	if err != nil {
		return err
	}
	if _, err := s.keys.GenerateSigningKey(ctx, signerName, PolicySignerKeyType, nil); err != nil {
		return fmt.Errorf("creating policy signer: %w", err)
	}
	signer, err := s.keys.ReleaseSigningKey(ctx, signerName)
	if err != nil {
		return fmt.Errorf("releasing policy signer: %w", err)
	}

	signature, err := cryptoutils.SignDataECDSA(policyBytes, signer.SigningKey)
	if err != nil {
		return fmt.Errorf("signing join policy: %w", err)
	}
	signerID, err := cryptoutils.CertFingerprint(signer.SigningCert)
	if err != nil {
		return err
	}

	document, err := json.Marshal(interfaces.SignedPolicyDocument{
		Policy:     base64.StdEncoding.EncodeToString(policyBytes),
		Signatures: map[string]string{signerID: base64.StdEncoding.EncodeToString(signature)},
	})
	if err != nil {
		return err
	}

	documentName, err := s.scopedName(ctx, signedPolicySecretFmt)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		return s.store.Set(ctx, &interfaces.Secret{Name: documentName, Value: document})
	})
	if err != nil {
		return fmt.Errorf("publishing join policy: %w", err)
	}
	return nil
}

func (s *SignedPolicyStore) GetNetworkJoinPolicy(ctx context.Context) (*interfaces.NetworkJoinPolicy, error) {
	document, err := s.getPolicyDocument(ctx)
	if err != nil {
		return nil, err
	}
	if document == nil || document.Policy == "" {
		return s.initial, nil
	}
	return decodePolicy(document.Policy)
}

func (s *SignedPolicyStore) GetSecurityPolicy(ctx context.Context) (*interfaces.SecurityPolicy, error) {
	document, err := s.getPolicyDocument(ctx)
	if err != nil {
		return nil, err
	}
	if document == nil {
		return &interfaces.SecurityPolicy{
			SignedPolicy: &interfaces.SignedPolicyDocument{Signatures: map[string]string{}},
			Signers:      []interfaces.PolicySigner{},
		}, nil
	}
	signer, err := s.getPolicySigner(ctx)
	if err != nil {
		return nil, err
	}
	return &interfaces.SecurityPolicy{SignedPolicy: document, Signers: []interfaces.PolicySigner{*signer}}, nil
}

// getPolicyDocument returns the verified published document, or nil when no
// policy has been published.
func (s *SignedPolicyStore) getPolicyDocument(ctx context.Context) (*interfaces.SignedPolicyDocument, error) {
	name, err := s.scopedName(ctx, signedPolicySecretFmt)
	if err != nil {
		return nil, err
	}
	secret, err := retry.DoWithData(ctx, func(ctx context.Context) (*interfaces.Secret, error) {
		return s.store.Get(ctx, name)
	})
	if errors.Is(err, interfaces.ErrSecretNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading published join policy: %w", err)
	}

	var document interfaces.SignedPolicyDocument
	if err := json.Unmarshal(secret.Value, &document); err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err,
			"published join policy is malformed")
	}
	if err := s.validateSignedPolicy(ctx, &document); err != nil {
		s.log.Error("published join policy failed verification", "err", err)
		return nil, err
	}
	return &document, nil
}

// validateSignedPolicy checks the signature before it inspects the policy
// content, so any modification of the signed bytes surfaces as BadSignature.
func (s *SignedPolicyStore) validateSignedPolicy(ctx context.Context, document *interfaces.SignedPolicyDocument) error {
	if document == nil {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeBadInput, "signedPolicy input is missing")
	}
	if len(document.Signatures) != expectedSignatureCount {
		return interfaces.NewError(interfaces.VerificationError, interfaces.CodeInvalidSignaturesCount,
			"%d signature(s) are required but policy contains %d signature(s)", expectedSignatureCount, len(document.Signatures))
	}

	policyBytes, err := base64.StdEncoding.DecodeString(document.Policy)
	if err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeInvalidNetworkSecurityPolicyContent, err,
			"policy is not base64")
	}

	signer, err := s.getPolicySigner(ctx)
	if err != nil {
		return err
	}
	signerID, err := cryptoutils.CertFingerprint(signer.Certificate)
	if err != nil {
		return err
	}
	encodedSignature, ok := document.Signatures[signerID]
	if !ok {
		return interfaces.NewError(interfaces.VerificationError, interfaces.CodeMissingSigner,
			"signer %s is not present in signatures", signerID)
	}
	signature, err := base64.StdEncoding.DecodeString(encodedSignature)
	if err != nil {
		return interfaces.WrapError(interfaces.VerificationError, interfaces.CodeBadSignature, err,
			"signature for signer %s is not base64", signerID)
	}
	if err := cryptoutils.VerifyDataECDSA(policyBytes, signature, signer.Certificate); err != nil {
		return interfaces.WrapError(interfaces.VerificationError, interfaces.CodeBadSignature, err,
			"signature for signer %s over the policy is invalid", signerID)
	}

	_, err = decodePolicy(document.Policy)
	return err
}

func (s *SignedPolicyStore) getPolicySigner(ctx context.Context) (*interfaces.PolicySigner, error) {
	name, err := s.scopedName(ctx, policySignerNameFmt)
	if err != nil {
		return nil, err
	}
	info, err := s.keys.GetSigningKey(ctx, name)
	if interfaces.IsKind(err, interfaces.NotFoundError) {
		return nil, interfaces.WrapError(interfaces.NotFoundError, interfaces.CodePolicySignerNotFound, err,
			"no policy signer exists")
	}
	if err != nil {
		return nil, err
	}
	return &interfaces.PolicySigner{Certificate: info.SigningCert}, nil
}

func (s *SignedPolicyStore) scopedName(ctx context.Context, format string) (string, error) {
	hostData, err := s.hostData.HostData(ctx)
	if err != nil {
		return "", fmt.Errorf("reading host data: %w", err)
	}
	return fmt.Sprintf(format, strings.ToLower(hostData)), nil
}

// decodePolicy decodes and validates the base64 policy of a signed document.
func decodePolicy(encoded string) (*interfaces.NetworkJoinPolicy, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeInvalidNetworkSecurityPolicyContent, err,
			"policy is not base64")
	}
	if err := ValidateJoinPolicyJSON(raw); err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeInvalidNetworkSecurityPolicyContent, err,
			"Content: %s", string(raw))
	}
	var policy interfaces.NetworkJoinPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeInvalidNetworkSecurityPolicyContent, err,
			"Content: %s", string(raw))
	}
	return &policy, nil
}
